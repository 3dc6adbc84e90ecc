package actor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestActor(t *testing.T, hs ...HandlerRegistration) *BaseActor {
	a := New(Options{
		ID:                 t.Name(),
		Context:            t.Context(),
		ControlSize:        10_000,
		MailboxSize:        10_000,
		MaxConcurrentTasks: 1000,
	}, TypedHandlers(hs...))
	t.Cleanup(a.Stop)
	return a
}

func TestActor_default(t *testing.T) {
	a := newTestActor(
		t,
		DefaultHandler(func(hc HandlerCtx, msg any) (any, error) {
			s := "Hello"
			return &s, nil
		}),
	)

	res, err := Request[string](t.Context(), a, "Hi!")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, "Hello", *res)
}

func TestActor_simple_request(t *testing.T) {
	type (
		ping struct{ Seq int }
		pong struct{ Seq int }
	)
	a := newTestActor(
		t,
		HandleRequest[ping, pong](func(hc HandlerCtx, ping ping) (*pong, error) {
			return &pong{Seq: ping.Seq + 1}, nil
		}),
	)
	res, err := Request[pong](t.Context(), a, ping{Seq: 1})
	require.NoError(t, err)
	require.Equal(t, 2, res.Seq)

	res, err = Request[pong](t.Context(), a, &ping{Seq: 5})
	require.NoError(t, err)
	require.Equal(t, 6, res.Seq)
}

func TestActor_publish_err(t *testing.T) {
	type msg struct{ V int }
	a := newTestActor(
		t,
		HandleMsg[msg](func(hc HandlerCtx, msg msg) error {
			return errors.New("uups")
		}),
	)

	require.ErrorContains(t, Publish(t.Context(), a, msg{V: 42}), "uups")
}

func TestActor_no_handler(t *testing.T) {
	a := newTestActor(t)
	require.ErrorIs(t, Publish(t.Context(), a, 42), ErrNoHandler)
}

func TestActor_panic_is_contained(t *testing.T) {
	type boom struct{}
	type ping struct{}
	a := newTestActor(
		t,
		HandleMsg[boom](func(hc HandlerCtx, _ boom) error { panic("boom") }),
		HandleMsg[ping](func(hc HandlerCtx, _ ping) error { return nil }),
	)

	require.ErrorIs(t, Publish(t.Context(), a, boom{}), ErrHandlerPanic)
	require.NoError(t, Publish(t.Context(), a, ping{}))
}

func TestActor_tell_preserves_order(t *testing.T) {
	type msg struct{ N int }
	var (
		mu  sync.Mutex
		got []int
	)
	a := newTestActor(
		t,
		HandleMsg[msg](func(hc HandlerCtx, m msg) error {
			mu.Lock()
			got = append(got, m.N)
			mu.Unlock()
			return nil
		}),
	)

	for i := 0; i < 100; i++ {
		require.NoError(t, a.Tell(t.Context(), msg{N: i}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, time.Second, 5*time.Millisecond)

	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestActor_schedule_completion_via_self(t *testing.T) {
	type (
		start struct{}
		done  struct{ V int }
	)
	results := make(chan int, 1)
	a := newTestActor(
		t,
		HandleMsg[start](func(hc HandlerCtx, _ start) error {
			hc.Schedule(func() {
				_ = hc.Self().Tell(hc, done{V: 7})
			})
			return nil
		}),
		HandleMsg[done](func(hc HandlerCtx, d done) error {
			results <- d.V
			return nil
		}),
	)

	require.NoError(t, a.Tell(t.Context(), start{}))

	select {
	case v := <-results:
		require.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("completion not delivered")
	}
}

func TestActor_step_mode(t *testing.T) {
	type msg struct{}
	handled := make(chan struct{}, 10)
	a := newTestActor(
		t,
		HandleMsg[msg](func(hc HandlerCtx, _ msg) error {
			handled <- struct{}{}
			return nil
		}),
	)

	require.NoError(t, a.EnableStepMode())
	require.NoError(t, a.Tell(t.Context(), msg{}))
	require.NoError(t, a.Tell(t.Context(), msg{}))

	select {
	case <-handled:
		t.Fatal("message handled while in step mode")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, a.Step())
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("step did not process a message")
	}

	require.NoError(t, a.Resume())
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("resume did not process remaining message")
	}
}

func TestActor_handle_every(t *testing.T) {
	ticks := make(chan struct{}, 10)
	newTestActor(
		t,
		HandleEvery(5*time.Millisecond, func(hc HandlerCtx) error {
			select {
			case ticks <- struct{}{}:
			default:
			}
			return nil
		}),
	)

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("no tick")
	}
}

func TestActor_stop(t *testing.T) {
	a := newTestActor(t)
	a.Stop()
	a.Stop()

	<-a.Done()
	require.ErrorIs(t, a.Tell(t.Context(), 1), ErrStopped)
	require.ErrorIs(t, a.Pause(), ErrStopped)
}
