package actor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

type (
	OnPanic func(recovered any, stack []byte, msg any)

	Actor interface {
		Ref
		Send(ctx context.Context, env Envelope) error
		Pause() error
		Resume() error
		Step() error
		Done() <-chan struct{}
		Stop()
	}
)

type ctrlKind int

const (
	ctrlPause ctrlKind = iota
	ctrlResume
	ctrlEnableStep
	ctrlStep
	ctrlStop
)

type Options struct {
	// ID names the actor in logs and metrics.
	ID          string
	MailboxSize int
	ControlSize int
	Context     context.Context
	Logger      *slog.Logger
	OnPanic     OnPanic
	Metrics     ActorMetrics
	// MaxConcurrentTasks caps the number of tasks run via HandlerCtx.Schedule.
	MaxConcurrentTasks int
}

func (o Options) withDefaults() Options {
	if o.MailboxSize == 0 {
		o.MailboxSize = 1024
	}
	if o.ControlSize == 0 {
		o.ControlSize = 16
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NopActorMetrics()
	}
	if o.MaxConcurrentTasks <= 0 {
		o.MaxConcurrentTasks = 32
	}
	if o.OnPanic == nil {
		log := o.Logger
		o.OnPanic = func(recovered any, stack []byte, msg any) {
			log.Error("actor panicked", slog.Any("recovered", recovered), slog.String("stack", string(stack)), slog.String("msg_type", MsgTypeOf(msg)))
		}
	}
	return o
}

type BaseActor struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	log     *slog.Logger
	metrics ActorMetrics
	sched   Scheduler

	mailbox chan Envelope
	control chan ctrlKind

	stop chan struct{}
	done chan struct{}

	mu     sync.Mutex
	closed bool

	onPanic OnPanic
}

// New starts an actor running handler.
func New(opt Options, handler Handler) *BaseActor {
	opt = opt.withDefaults()
	ctx, cancel := context.WithCancel(opt.Context)

	a := &BaseActor{
		id:      opt.ID,
		ctx:     ctx,
		cancel:  cancel,
		log:     opt.Logger,
		metrics: opt.Metrics,
		mailbox: make(chan Envelope, opt.MailboxSize),
		control: make(chan ctrlKind, opt.ControlSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onPanic: opt.OnPanic,
	}
	a.sched = NewScheduler(ctx, SchedulerOptions{
		Max:     opt.MaxConcurrentTasks,
		ActorID: opt.ID,
		Metrics: opt.Metrics,
		Logger:  opt.Logger,
	})

	hc := &handlerCtx{
		Context: ctx,
		log:     opt.Logger,
		self:    a,
		sched:   a.sched,
	}

	go a.loop(hc, handler)
	return a
}

// Done is closed when the actor stops.
func (a *BaseActor) Done() <-chan struct{} { return a.done }

// Stop requests shutdown and waits until the loop and all scheduled tasks
// have finished. Stop is idempotent.
func (a *BaseActor) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	a.mu.Unlock()

	select {
	case a.control <- ctrlStop:
	default:
	}
	close(a.stop)
	<-a.done
	a.cancel()
	a.sched.Wait()
}

// Send enqueues an envelope (blocking until enqueued, ctx canceled, or actor stopped).
func (a *BaseActor) Send(ctx context.Context, e Envelope) error {
	if a.isClosed() {
		return ErrStopped
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("send failed: %w", ctx.Err())
	case <-a.stop:
		return ErrStopped
	case a.mailbox <- e:
		a.metrics.MailboxDepth(a.id, len(a.mailbox))
		return nil
	}
}

// Tell enqueues msg without waiting for it to be handled.
func (a *BaseActor) Tell(ctx context.Context, msg any) error {
	return a.Send(ctx, Envelope{Msg: msg})
}

// TrySend attempts a non-blocking enqueue.
func (a *BaseActor) TrySend(e Envelope) bool {
	if a.isClosed() {
		return false
	}
	select {
	case <-a.stop:
		return false
	case a.mailbox <- e:
		return true
	default:
		return false
	}
}

// Pause prevents further processing until Resume or Step.
func (a *BaseActor) Pause() error { return a.sendCtrl(ctrlPause) }

// Resume enables continuous processing (disables step mode).
func (a *BaseActor) Resume() error { return a.sendCtrl(ctrlResume) }

// EnableStepMode makes the actor process only when Step() is called.
func (a *BaseActor) EnableStepMode() error { return a.sendCtrl(ctrlEnableStep) }

// Step permits exactly one message to be processed.
func (a *BaseActor) Step() error { return a.sendCtrl(ctrlStep) }

func (a *BaseActor) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *BaseActor) sendCtrl(k ctrlKind) error {
	if a.isClosed() {
		return ErrStopped
	}
	select {
	case <-a.stop:
		return ErrStopped
	case a.control <- k:
		return nil
	}
}

// runState is owned by the loop goroutine.
type runState struct {
	paused   bool
	stepMode bool
	// permit > 0 allows processing one message; auto-renewed in run mode.
	permit int
}

// apply returns false when the loop must exit.
func (s *runState) apply(k ctrlKind) bool {
	switch k {
	case ctrlStop:
		return false
	case ctrlPause:
		s.paused = true
		s.permit = 0
	case ctrlResume:
		s.paused = false
		s.stepMode = false
		if s.permit == 0 {
			s.permit = 1
		}
	case ctrlEnableStep:
		s.stepMode = true
		s.paused = true
		s.permit = 0
	case ctrlStep:
		s.permit++
	}
	return true
}

func (a *BaseActor) handle(hc HandlerCtx, h Handler, msg any) (res any, err error) {
	start := time.Now()
	defer func() {
		outcome := outcomeOf(err)
		if r := recover(); r != nil {
			outcome = OutcomePanic
			a.onPanic(r, debug.Stack(), msg)
			res, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		a.metrics.MessageHandled(a.id, MsgTypeOf(msg), time.Since(start), outcome)
	}()
	return h.HandleMessage(hc, msg)
}

func (a *BaseActor) loop(hc HandlerCtx, h Handler) {
	defer close(a.done)

	st := &runState{permit: 1}

	drainControl := func() bool {
		for {
			select {
			case <-a.stop:
				return false
			case k := <-a.control:
				if !st.apply(k) {
					return false
				}
			default:
				return true
			}
		}
	}

	if err := h.InitHandler(hc); err != nil {
		a.log.Error("actor init failed", slog.String("actor", a.id), slog.Any("error", err))
		return
	}

	for {
		if !drainControl() {
			return
		}

		if st.permit <= 0 {
			select {
			case <-a.stop:
				return
			case <-hc.Done():
				return
			case k := <-a.control:
				if !st.apply(k) {
					return
				}
			}
			continue
		}

		select {
		case <-a.stop:
			return
		case <-hc.Done():
			return
		case k := <-a.control:
			if !st.apply(k) {
				return
			}
		case env := <-a.mailbox:
			st.permit--
			res, err := a.handle(hc, h, env.Msg)
			if env.Reply != nil {
				env.Reply <- Reply{Result: res, Error: err}
			} else if err != nil {
				a.log.Warn("message failed", slog.String("actor", a.id), slog.String("msg_type", MsgTypeOf(env.Msg)), slog.Any("error", err))
			}
			if !st.paused && !st.stepMode {
				st.permit++
			}
		}
	}
}

var _ Actor = (*BaseActor)(nil)
