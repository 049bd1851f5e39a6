package subprocess

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ehrlich-b/rvhost/internal/emuworker"
	"github.com/ehrlich-b/rvhost/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoWorker builds a Worker that drives a shell script standing in for
// the worker binary, bypassing New's __workerinit re-exec wrapping so
// the test doesn't depend on a built rvhostd binary being on $PATH.
func echoWorker(t *testing.T, script string) *Worker {
	t.Helper()
	sb, err := sandbox.New(sandbox.Config{Isolation: sandbox.Standard})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	t.Cleanup(func() { sb.Destroy() })
	return &Worker{
		name:   "sh",
		args:   []string{"-c", script},
		sb:     sb,
		log:    discardLogger(),
		events: make(chan emuworker.Event, 16),
	}
}

func TestInitSendsCommandAndReceivesReady(t *testing.T) {
	w := echoWorker(t, `read -r init; echo '{"kind":"ready"}'; read -r term; exit 0`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.Init(ctx, emuworker.InitOptions{}); err != nil {
		t.Fatalf("Init error: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Kind != emuworker.EventReady {
			t.Errorf("event kind = %v, want EventReady", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ready event")
	}

	if err := w.Terminate(ctx); err != nil {
		t.Errorf("Terminate error: %v", err)
	}
}

func TestTranslateEventVariants(t *testing.T) {
	tests := []struct {
		name string
		in   wireEvent
		want emuworker.EventKind
		ok   bool
	}{
		{"ready", wireEvent{Kind: "ready"}, emuworker.EventReady, true},
		{"vfs_export", wireEvent{Kind: "vfs_export", VFSTar: []byte("tar")}, emuworker.EventVFSExport, true},
		{"jit_stats", wireEvent{Kind: "jit_stats", JITStats: map[string]int64{"compiled": 4}}, emuworker.EventJITStats, true},
		{"error", wireEvent{Kind: "error", ErrorMsg: "boom"}, emuworker.EventError, true},
		{"unknown", wireEvent{Kind: "bogus"}, emuworker.EventKind(0), false},
	}
	for _, tt := range tests {
		got, ok := translateEvent(tt.in)
		if ok != tt.ok {
			t.Errorf("%s: ok = %v, want %v", tt.name, ok, tt.ok)
			continue
		}
		if ok && got.Kind != tt.want {
			t.Errorf("%s: kind = %v, want %v", tt.name, got.Kind, tt.want)
		}
	}
}

func TestSendBeforeInitFails(t *testing.T) {
	w := echoWorker(t, `cat >/dev/null`)
	if err := w.WriteFile("/tmp/x", []byte("data")); err == nil {
		t.Error("expected error writing to an uninitialized worker")
	}
}

func TestEventsChannelClosesOnWorkerExit(t *testing.T) {
	w := echoWorker(t, `read -r init; exit 0`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Init(ctx, emuworker.InitOptions{}); err != nil {
		t.Fatalf("Init error: %v", err)
	}

	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected no events before close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}
}
