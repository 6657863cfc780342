package prometheus

import (
	"context"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Swind/go-idlesync/core"
)

type looperStub struct {
	stats core.LooperStats
}

func (s looperStub) Stats() core.LooperStats { return s.stats }

type poolStub struct {
	stats core.PoolStats
}

func (s poolStub) Stats() core.PoolStats { return s.stats }

type registryStub struct {
	stats core.RegistryStats
}

func (s registryStub) Stats() core.RegistryStats { return s.stats }

func TestSnapshotPoller_CollectsStats(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller("idlesync", reg, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	poller.AddLooper("main", looperStub{stats: core.LooperStats{
		Pending:       3,
		Dispatched:    10,
		HeadState:     core.QueueTaskDueSoon,
		Interrogating: true,
		Running:       true,
	}})
	poller.AddPool("pool-a", poolStub{stats: core.PoolStats{
		Queued:  4,
		Active:  2,
		Delayed: 1,
		Workers: 8,
		Running: true,
	}})
	poller.AddRegistry("idling", registryStub{stats: core.RegistryStats{
		Resources:       5,
		Busy:            2,
		PendingCallback: true,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	assertEventually(t, 2*time.Second, func() bool {
		pending := testutil.ToFloat64(poller.looperPending.WithLabelValues("main", core.QueueTaskDueSoon.String()))
		active := testutil.ToFloat64(poller.poolActive.WithLabelValues("pool-a"))
		busy := testutil.ToFloat64(poller.registryBusy.WithLabelValues("idling"))
		return pending == 3 && active == 2 && busy == 2
	})

	if got := testutil.ToFloat64(poller.looperInterrogating.WithLabelValues("main")); got != 1 {
		t.Fatalf("looper interrogating gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.poolRunning.WithLabelValues("pool-a")); got != 1 {
		t.Fatalf("pool running gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.registryPending.WithLabelValues("idling")); got != 1 {
		t.Fatalf("registry pending gauge = %v, want 1", got)
	}
}

// TestSnapshotPoller_HeadStateLabelReplaced tests that a looper keeps one
// pending series as its head state changes.
func TestSnapshotPoller_HeadStateLabelReplaced(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller("idlesync", reg, time.Hour)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	poller.AddLooper("main", looperStub{stats: core.LooperStats{Pending: 1, HeadState: core.QueueBarrierUp}})
	poller.CollectOnce()
	poller.AddLooper("main", looperStub{stats: core.LooperStats{Pending: 0, HeadState: core.QueueEmpty}})
	poller.CollectOnce()

	if got := testutil.CollectAndCount(poller.looperPending); got != 1 {
		t.Fatalf("looper pending series = %d, want 1", got)
	}
}

func TestSnapshotPoller_StartStop_Idempotent(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller("", reg, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)
	poller.Start(ctx)
	poller.Stop()
	poller.Stop()
}

func assertEventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
