package supervisor

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"hivebot/internal/mirror"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunReturnsImmediatelyWhenMirrorDisabled(t *testing.T) {
	t.Parallel()
	m := mirror.New("", "hive-1", testLogger())
	r := New(m, "hive-1", 8080, testLogger())

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must be a no-op without a mirror DSN")
	}
	r.MarkStopped(context.Background())
}

func TestRunRegistersAndStopsOnCancel(t *testing.T) {
	t.Parallel()
	m := mirror.New("postgres://localhost/hive", "hive-1", testLogger())
	r := New(m, "hive-1", 8080, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}
