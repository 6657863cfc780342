// Package idlesync waits until an application is idle before letting a test
// or driver take its next step.
//
// An application is idle when its main Looper has nothing due soon, its
// worker pools have gone quiet, and every registered idle resource reports
// idle. The controller package runs the main looper until all of these hold,
// or until an idling policy gives up.
//
// # Quick Start
//
// Create the main looper, a registry for idle resources, and a controller:
//
//	looper := idlesync.NewLooper("main")
//	looper.Start()
//	defer looper.Stop()
//
//	registry := idlesync.NewRegistry(looper)
//	ctrl := idlesync.NewController(looper, registry,
//		controller.WithAsyncPool(pool.IdleMonitor().AsIdleNotifier()))
//	defer ctrl.Close()
//
// Tell the registry about asynchronous work it cannot see by itself:
//
//	network := idling.NewCountingResource("network", false, nil)
//	registry.RegisterResources(network)
//
// Then wait before each step:
//
//	if err := ctrl.LoopUntilIdle(ctx); err != nil {
//		var notIdle *idling.AppNotIdleError
//		if errors.As(err, &notIdle) {
//			// notIdle.Conditions names what was still busy
//		}
//	}
//
// # Key Concepts
//
// Looper: a single goroutine draining a time-ordered MessageQueue. Barriers
// at the head of the queue stall it; the controller treats a stalled queue as
// busy.
//
// Idle resource: anything that can say whether it is idle and call back when
// it becomes idle. CountingResource, URIResource and looper resources ship
// with the idling package.
//
// GoroutineThreadPool: the worker pool engine. Its IdleMonitor decides the
// pool is idle by parking a probe task on every worker at once.
//
// Idling policies: timeouts and actions for the whole wait (master), and a
// warning and an error for the registered resources (dynamic). Policies are
// read when a wait starts, so they can be changed between waits, for example
// from a watched config file.
//
// # Thread Safety
//
// Registry and controller state belong to the main looper. Waits may be
// started from any goroutine through the context-taking methods; the
// LoopMainThread methods must be called on the looper itself.
package idlesync
