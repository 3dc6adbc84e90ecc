package datatree

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPath       = errors.New("invalid path")
	ErrModificationReady = errors.New("modification already sealed")
	ErrStaleCandidate    = errors.New("candidate was prepared against an older tree")
)

// ConflictError reports a path changed concurrently since the modification
// was started.
type ConflictError struct {
	Path Path
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("optimistic lock failure on %s: data changed concurrently", e.Path)
}
