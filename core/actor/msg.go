package actor

import "github.com/codewandler/shardtx/core/reflector"

// MsgTypeOf returns the dispatch name of a message. Messages implementing
// reflector.Named pick their own.
func MsgTypeOf(x any) string { return reflector.NameOf(x) }

func msgTypeFor[T any]() string { return reflector.NameFor[T]() }
