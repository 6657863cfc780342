package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Swind/go-idlesync/config"
	"github.com/Swind/go-idlesync/core"
	"github.com/Swind/go-idlesync/idling"
)

var (
	passColor = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	nameColor = color.New(color.FgCyan)
)

// scenario drives one engine and checks how the wait ended.
type scenario struct {
	name  string
	setup func(e *engine) error
	check func(err error) error
}

func expectIdle(err error) error {
	if err != nil {
		return fmt.Errorf("expected idle, got %w", err)
	}
	return nil
}

func expectError[T error](err error) error {
	var target T
	if !errors.As(err, &target) {
		return fmt.Errorf("expected %T, got %v", target, err)
	}
	return nil
}

func scenarios() []scenario {
	return []scenario{
		{
			name: "pool-and-counting-resource",
			setup: func(e *engine) error {
				network := idling.NewCountingResource("network", false, e.logger)
				e.registry.RegisterResources(network)
				network.Increment()
				e.pool.PostTask(func(ctx context.Context) {
					time.Sleep(30 * time.Millisecond)
					e.pool.PostTask(func(ctx context.Context) {
						time.Sleep(10 * time.Millisecond)
						network.Decrement()
					})
				})
				return nil
			},
			check: expectIdle,
		},
		{
			name: "uri-quiet-period",
			setup: func(e *engine) error {
				images := idling.NewURIResource("images", 50*time.Millisecond, e.looper, false)
				images.IgnoreURI(regexp.MustCompile(`.*\.gif`))
				e.registry.RegisterResources(images)
				images.BeginLoad("cat.png")
				images.BeginLoad("spinner.gif")
				e.pool.PostDelayedTask(func(ctx context.Context) {
					images.EndLoad("cat.png")
				}, 20*time.Millisecond)
				return nil
			},
			check: expectIdle,
		},
		{
			name: "worker-looper",
			setup: func(e *engine) error {
				worker := core.NewLooper(e.looper.Name()+"-worker", core.WithLooperLogger(e.logger))
				worker.Start()
				e.onStop(worker.Stop)
				if !e.registry.RegisterLooper(worker) {
					return errors.New("worker looper already registered")
				}
				for i := 0; i < 3; i++ {
					worker.PostDelayedTask(func(ctx context.Context) {
						time.Sleep(10 * time.Millisecond)
					}, time.Duration(i)*5*time.Millisecond)
				}
				return nil
			},
			check: expectIdle,
		},
		{
			name: "stuck-resource-times-out",
			setup: func(e *engine) error {
				if err := e.policies.SetDynamicWarning(idling.IdlingPolicy{Timeout: 50 * time.Millisecond, Action: idling.LogWarning}); err != nil {
					return err
				}
				if err := e.policies.SetDynamicError(idling.IdlingPolicy{Timeout: 150 * time.Millisecond, Action: idling.ThrowIdleTimeout}); err != nil {
					return err
				}
				stuck := idling.NewCountingResource("stuck", false, e.logger)
				e.registry.RegisterResources(stuck)
				stuck.Increment()
				return nil
			},
			check: expectError[*idling.IdlingResourceTimeoutError],
		},
		{
			name: "busy-looper-hits-master-timeout",
			setup: func(e *engine) error {
				if err := e.policies.SetMaster(idling.IdlingPolicy{Timeout: 150 * time.Millisecond, Action: idling.ThrowAppNotIdle}); err != nil {
					return err
				}
				var spin core.Task
				spin = func(ctx context.Context) {
					time.Sleep(time.Millisecond)
					e.looper.PostTask(spin)
				}
				e.looper.PostTask(spin)
				return nil
			},
			check: expectError[*idling.AppNotIdleError],
		},
	}
}

type result struct {
	name    string
	elapsed time.Duration
	err     error
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run idle synchronization scenarios and report PASS/FAIL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		results := runScenarios(cmd.Context(), cfg, logger, scenarios())
		if failed := report(cmd.OutOrStdout(), results); failed > 0 {
			return fmt.Errorf("%d scenario(s) failed", failed)
		}
		return nil
	},
}

// runScenarios runs every scenario on its own engine, concurrently.
func runScenarios(ctx context.Context, cfg *config.Config, logger core.Logger, list []scenario) []result {
	results := make([]result, len(list))

	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range list {
		g.Go(func() error {
			results[i] = runScenario(gctx, cfg, logger, sc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runScenario(ctx context.Context, cfg *config.Config, logger core.Logger, sc scenario) result {
	e, err := newEngine(sc.name, cfg, logger)
	if err != nil {
		return result{name: sc.name, err: err}
	}
	e.start(ctx)
	defer e.stop()

	if err := sc.setup(e); err != nil {
		return result{name: sc.name, err: fmt.Errorf("setup: %w", err)}
	}

	start := time.Now()
	waitErr := e.ctrl.LoopUntilIdle(ctx)
	return result{name: sc.name, elapsed: time.Since(start), err: sc.check(waitErr)}
}

func report(w io.Writer, results []result) int {
	failed := 0
	for _, r := range results {
		status := passColor.Sprint("PASS")
		if r.err != nil {
			status = failColor.Sprint("FAIL")
			failed++
		}
		fmt.Fprintf(w, "%s %s (%v)\n", status, nameColor.Sprint(r.name), r.elapsed.Round(time.Millisecond))
		if r.err != nil {
			fmt.Fprintf(w, "     %v\n", r.err)
		}
	}
	return failed
}
