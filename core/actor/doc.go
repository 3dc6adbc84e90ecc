// Package actor provides the mailbox-based actor used to run one shard.
//
// Each actor:
//   - Processes messages sequentially from its mailbox
//   - Can schedule background work via [HandlerCtx.Schedule] and post the
//     result back into its own mailbox via [HandlerCtx.Self]
//   - Can be paused, resumed, and stepped for debugging/testing
//
// # Creating Actors
//
//	a := actor.TypedHandlers(
//	    actor.HandleMsg[Reset](func(hc actor.HandlerCtx, msg Reset) error {
//	        return nil
//	    }),
//	    actor.HandleRequest[GetRole, RoleKind](func(hc actor.HandlerCtx, q GetRole) (*RoleKind, error) {
//	        return &role, nil
//	    }),
//	    actor.HandleEvery(time.Second, func(hc actor.HandlerCtx) error {
//	        return nil
//	    }),
//	).ToActor(actor.Options{})
//
// Messages are plain Go values and are dispatched by type name:
//
//   - [HandleMsg] registers a one-way message handler
//   - [HandleRequest] registers a request-response handler
//   - [HandleEvery] registers a periodic task that runs at fixed intervals
//   - [DefaultHandler] registers a fallback for unmatched message types
//   - [Init] registers initialization logic run when the actor starts
//
// # Sending Messages
//
// [Request] waits for the handler's result, [Publish] waits for the handler
// to finish and returns its error, [Actor.Tell] only enqueues.
//
// # Completions
//
// Work that must not block the loop is scheduled and reports back as an
// ordinary message:
//
//	hc.Schedule(func() {
//	    res, err := validate(ctx)
//	    _ = hc.Self().Tell(hc, validated{res: res, err: err})
//	})
//
// # Lifecycle Control
//
//	a.Pause()       // Stop processing messages
//	a.Step()        // Process exactly one message
//	a.Resume()      // Continue normal processing
//	<-a.Done()      // Wait for actor shutdown
package actor
