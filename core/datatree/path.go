package datatree

import (
	"fmt"
	"strings"
)

// Path addresses a node. The root is "/".
type Path string

const Root Path = "/"

// ParsePath cleans p and checks that it is absolute.
func ParsePath(p string) (Path, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, p)
	}
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s == "" || s == "." {
			continue
		}
		if s == ".." {
			return "", fmt.Errorf("%w: %q contains '..'", ErrInvalidPath, p)
		}
		out = append(out, s)
	}
	return Path("/" + strings.Join(out, "/")), nil
}

// MustPath is ParsePath for literals.
func MustPath(p string) Path {
	out, err := ParsePath(p)
	if err != nil {
		panic(err)
	}
	return out
}

func (p Path) String() string { return string(p) }

// Contains reports whether q equals p or lies below it.
func (p Path) Contains(q Path) bool {
	if p == Root || p == q {
		return true
	}
	return strings.HasPrefix(string(q), string(p)+"/")
}

// FirstSegment returns the top-level element, "" for the root.
func (p Path) FirstSegment() string {
	s := strings.TrimPrefix(string(p), "/")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// subtreeEnd is the exclusive upper bound of all paths below p.
// '0' sorts right after '/'.
func (p Path) subtreeEnd() Path {
	if p == Root {
		return ""
	}
	return p + "0"
}
