package supervisor

import (
	"context"
	"testing"
	"time"

	"torrentswarm/session"
)

type emptyRoster struct{}

func (emptyRoster) Sessions() []*session.Session { return nil }

func testConfig() WatchdogConfig {
	return WatchdogConfig{
		StallTimeout:    time.Minute,
		MinSpeedBps:     0, // falls back to the default low-speed check, whose window these tests never reach
		MinSpeedWindow:  0,
		MaxTotalTimeout: 0,
	}
}

func TestCheckProgressResetsOnChange(t *testing.T) {
	calls := []uint64{0, 1, 1, 1}
	i := -1
	sv := New(emptyRoster{}, func() uint64 {
		i++
		return calls[i]
	}, nil, testConfig())

	now := time.Now()
	sv.checkProgress(now)
	sv.checkProgress(now.Add(time.Second))
	if sv.lastDownloaded != 1 {
		t.Fatalf("expected lastDownloaded updated to 1, got %d", sv.lastDownloaded)
	}
}

func TestCheckProgressReportsStallOnce(t *testing.T) {
	var gotErr error
	calls := 0
	sv := New(emptyRoster{}, func() uint64 { return 5 }, func(err error) {
		calls++
		gotErr = err
	}, testConfig())
	start := time.Now()
	sv.lastDownloaded = 5
	sv.lastProgressAt = start

	sv.checkProgress(start.Add(sv.stallTimeout() + time.Second))
	if !sv.stalledReported {
		t.Fatal("expected stall to be reported once threshold exceeded")
	}
	if calls != 1 || gotErr == nil {
		t.Fatalf("expected onStall to fire exactly once with a non-nil error, got calls=%d err=%v", calls, gotErr)
	}

	// A second call past the deadline must not fire onStall again: the
	// signal is terminal, not retried (spec.md §7).
	sv.checkProgress(start.Add(sv.stallTimeout() + 2*time.Second))
	if calls != 1 {
		t.Fatalf("expected onStall to remain fired exactly once, got %d calls", calls)
	}
}

func TestCheckProgressNoStallBeforeTimeout(t *testing.T) {
	sv := New(emptyRoster{}, func() uint64 { return 5 }, nil, testConfig())
	start := time.Now()
	sv.lastDownloaded = 5
	sv.lastProgressAt = start

	sv.checkProgress(start.Add(time.Second))
	if sv.stalledReported {
		t.Fatal("expected no stall report before the timeout elapses")
	}
}

func TestDefaultWatchdogConfigScalesWithSize(t *testing.T) {
	small := DefaultWatchdogConfig(1 << 20) // 1 MiB
	if small.MaxTotalTimeout != 24*time.Hour {
		t.Fatalf("expected 1 MiB torrent to use the 24h floor, got %s", small.MaxTotalTimeout)
	}
	huge := DefaultWatchdogConfig(2000 * (1 << 20)) // 2000 MiB
	if huge.MaxTotalTimeout <= 24*time.Hour {
		t.Fatalf("expected a large torrent's max total timeout to exceed the 24h floor, got %s", huge.MaxTotalTimeout)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sv := New(emptyRoster{}, func() uint64 { return 0 }, nil, testConfig())
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sv.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}
