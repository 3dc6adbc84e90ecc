// Package reflector names message types. The name is the dispatch key of
// actor handlers and the envelope type on the cluster wire.
package reflector

import (
	"reflect"
	"sync"
)

// Named messages choose their own name.
type Named interface{ MsgType() string }

// names caches the name of every reflect.Type seen.
var names sync.Map

// Elem returns t with one level of pointer removed.
func Elem(t reflect.Type) reflect.Type {
	if t != nil && t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}

// TypeName is "pkg/path.Type" for t or the type it points to. Unnamed
// types fall back to their literal form.
func TypeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	if n, ok := names.Load(t); ok {
		return n.(string)
	}
	e := Elem(t)
	n := e.String()
	if e.PkgPath() != "" && e.Name() != "" {
		n = e.PkgPath() + "." + e.Name()
	}
	names.Store(t, n)
	return n
}

// NameOf returns the name of msg's dynamic type unless msg is Named.
func NameOf(msg any) string {
	if n, ok := msg.(Named); ok {
		return n.MsgType()
	}
	return TypeName(reflect.TypeOf(msg))
}

// NameFor is NameOf for the zero value of T.
func NameFor[T any]() string {
	var z T
	if n, ok := any(z).(Named); ok {
		return n.MsgType()
	}
	return TypeName(reflect.TypeFor[T]())
}
