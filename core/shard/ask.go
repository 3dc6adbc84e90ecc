package shard

import (
	"context"
	"fmt"
)

// Ask sends the request built by build to ref and waits for its reply.
// A Failure reply is returned as its error.
func Ask(ctx context.Context, ref Ref, build func(Replier) any) (any, error) {
	ch := make(chan any, 1)
	r := ReplyFunc(func(m any) {
		select {
		case ch <- m:
		default:
		}
	})
	if err := ref.Tell(ctx, build(r)); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-ch:
		if f, ok := m.(Failure); ok {
			return nil, f.Err
		}
		return m, nil
	}
}

// AskAs is Ask with the reply asserted to T.
func AskAs[T any](ctx context.Context, ref Ref, build func(Replier) any) (T, error) {
	var zero T
	m, err := Ask(ctx, ref, build)
	if err != nil {
		return zero, err
	}
	out, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected reply %T, want %T", m, zero)
	}
	return out, nil
}
