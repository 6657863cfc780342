package idlesync_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	idlesync "github.com/Swind/go-idlesync"
	"github.com/Swind/go-idlesync/controller"
	"github.com/Swind/go-idlesync/core"
	"github.com/Swind/go-idlesync/idling"
)

// Example waits for a pool task and the network resource it drives.
func Example() {
	looper := idlesync.NewLooper("main", core.WithLooperLogger(core.NewNoOpLogger()))
	looper.Start()
	defer looper.Stop()

	pool := idlesync.NewGoroutineThreadPool("async", 2)
	pool.Start(context.Background())
	defer pool.Stop()

	registry := idlesync.NewRegistry(looper)
	ctrl := idlesync.NewController(looper, registry,
		controller.WithAsyncPool(pool.IdleMonitor().AsIdleNotifier()),
	)
	defer ctrl.Close()

	network := idling.NewCountingResource("network", false, nil)
	registry.RegisterResources(network)

	var loaded atomic.Bool
	network.Increment()
	pool.PostTask(func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		loaded.Store(true)
		network.Decrement()
	})

	if err := ctrl.LoopUntilIdle(context.Background()); err != nil {
		fmt.Println("error:", err)
	}
	fmt.Println("loaded:", loaded.Load())

	// Output:
	// loaded: true
}

// ExamplePolicies shows a dynamic error policy ending a wait on a resource
// that never goes idle.
func ExamplePolicies() {
	looper := idlesync.NewLooper("main", core.WithLooperLogger(core.NewNoOpLogger()))
	looper.Start()
	defer looper.Stop()

	policies := idling.NewPolicies()
	_ = policies.SetDynamicWarning(idling.IdlingPolicy{Timeout: 20 * time.Millisecond, Action: idling.LogWarning})
	_ = policies.SetDynamicError(idling.IdlingPolicy{Timeout: 50 * time.Millisecond, Action: idling.ThrowIdleTimeout})

	registry := idlesync.NewRegistry(looper, idling.WithRegistryPolicies(policies))
	ctrl := idlesync.NewController(looper, registry)
	defer ctrl.Close()

	stuck := idling.NewCountingResource("stuck", false, nil)
	registry.RegisterResources(stuck)
	stuck.Increment()

	err := ctrl.LoopUntilIdle(context.Background())
	var timeout *idling.IdlingResourceTimeoutError
	if errors.As(err, &timeout) {
		fmt.Println("still busy:", timeout.BusyResources)
	}

	// Output:
	// still busy: [stuck]
}
