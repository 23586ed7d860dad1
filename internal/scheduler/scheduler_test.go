package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTicksFireOnCadence(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32
	task := NewTask("btc_mm", 20*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go task.Run(ctx)

	time.Sleep(210 * time.Millisecond)
	cancel()
	<-task.Done()

	// ~10 intervals elapsed; allow generous scheduling slop.
	n := ticks.Load()
	if n < 5 || n > 12 {
		t.Errorf("ticks = %d, want roughly 10", n)
	}
}

func TestTicksNeverOverlap(t *testing.T) {
	t.Parallel()

	var inFlight atomic.Int32
	var overlapped atomic.Bool
	task := NewTask("btc_mm", 10*time.Millisecond, func(ctx context.Context) error {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(25 * time.Millisecond) // always overruns the interval
		inFlight.Add(-1)
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go task.Run(ctx)
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-task.Done()

	if overlapped.Load() {
		t.Error("ticks for the same strategy ran concurrently")
	}
}

func TestOverrunDoesNotBurst(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var stamps []time.Time
	slow := true
	task := NewTask("btc_mm", 30*time.Millisecond, func(ctx context.Context) error {
		mu.Lock()
		stamps = append(stamps, time.Now())
		first := len(stamps) == 1
		mu.Unlock()
		if first && slow {
			time.Sleep(100 * time.Millisecond) // lose >3 intervals
		}
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go task.Run(ctx)
	time.Sleep(300 * time.Millisecond)
	cancel()
	<-task.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) < 3 {
		t.Fatalf("got %d ticks", len(stamps))
	}
	// After the slow tick there is at most one immediate catch-up, then the
	// cadence resumes: no two consecutive near-zero gaps.
	zeroGaps := 0
	for i := 2; i < len(stamps); i++ {
		if stamps[i].Sub(stamps[i-1]) < 5*time.Millisecond {
			zeroGaps++
		}
	}
	if zeroGaps > 1 {
		t.Errorf("%d burst ticks after overrun, want at most 1", zeroGaps)
	}
}

func TestTickDeadlineIsBounded(t *testing.T) {
	t.Parallel()

	gotDeadline := make(chan time.Duration, 1)
	task := NewTask("btc_mm", 50*time.Millisecond, func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if ok {
			select {
			case gotDeadline <- time.Until(dl):
			default:
			}
		}
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go task.Run(ctx)
	defer func() { cancel(); <-task.Done() }()

	select {
	case d := <-gotDeadline:
		if d > 60*time.Millisecond {
			t.Errorf("tick deadline %v exceeds min(interval, 5s)", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tick never ran")
	}
}

func TestPanicDoesNotKillTask(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32
	task := NewTask("btc_mm", 10*time.Millisecond, func(ctx context.Context) error {
		if ticks.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go task.Run(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-task.Done()

	if ticks.Load() < 2 {
		t.Error("task died after a panicking tick")
	}
}

func TestStopExitsPromptly(t *testing.T) {
	t.Parallel()

	task := NewTask("btc_mm", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done() // cooperative: returns when cancelled
		return ctx.Err()
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go task.Run(ctx)
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not exit within 1s of stop")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stop took %v", elapsed)
	}
}

func TestSetIntervalTakesEffect(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32
	task := NewTask("btc_mm", time.Hour, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, testLogger())
	task.SetInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go task.Run(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-task.Done()

	// First sleep was armed before Run read the new interval only if Run
	// started after SetInterval; either way ticks must have fired.
	if ticks.Load() == 0 {
		t.Error("interval change never took effect")
	}
}
