package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/ehrlich-b/rvhost/internal/config"
	"github.com/ehrlich-b/rvhost/internal/emuworker"
	"github.com/ehrlich-b/rvhost/internal/emuworker/fake"
	"github.com/ehrlich-b/rvhost/internal/lockmgr"
	"github.com/ehrlich-b/rvhost/internal/overlay"
	"github.com/ehrlich-b/rvhost/internal/store"
	"github.com/ehrlich-b/rvhost/internal/termsink"
)

func testMachine() *config.Machine {
	return &config.Machine{ID: "m1", Name: "test box", RootfsURL: "https://example.invalid/base.tar"}
}

func emptyBaseTar(ctx context.Context, url string) (*overlay.Tar, error) {
	return &overlay.Tar{Entries: []overlay.Entry{
		{Path: "/root/hello.txt", Mode: 0644, Content: []byte("hi")},
	}}, nil
}

type harness struct {
	sup *Supervisor
	db *store.Store
	locks *lockmgr.Manager
	worker *fake.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithSink(t, nil)
}

func newHarnessWithSink(t *testing.T, sink termsink.Sink) *harness {
	t.Helper()
	db, err := store.Open(":memory:", t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	locks := lockmgr.New(db)
	w := fake.New()

	sup := New(testMachine(), Deps{
		Store: db,
		Locks: locks,
		NewWorker: func() emuworker.Worker { return w },
		LoadBase: emptyBaseTar,
		Sink: sink,
	}, nil)

	return &harness{sup: sup, db: db, locks: locks, worker: w}
}

func TestStateStringAndTransitions(t *testing.T) {
	if StateIdle.String() != "idle" || StateRunning.String() != "running" {
		t.Fatalf("unexpected state strings")
	}
	if !canTransition(StateIdle, StateBooting) {
		t.Fatal("expected idle -> booting to be valid")
	}
	if canTransition(StateIdle, StateRunning) {
		t.Fatal("expected idle -> running to be invalid")
	}
	if !canTransition(StateRunning, StateTerminated) {
		t.Fatal("expected any state -> terminated to be valid")
	}
	if canTransition(StateTerminated, StateBooting) {
		t.Fatal("terminated should be a sink state")
	}
}

func TestBootReachesRunning(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.sup.Boot(ctx, lockmgr.NewOwnerToken(), false, nil); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if got := h.sup.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
}

func TestBootFailsWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	if err := h.locks.Acquire("m1", "someone-else"); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.sup.Boot(ctx, lockmgr.NewOwnerToken(), false, nil)
	if err != ErrLockHeld {
		t.Fatalf("boot err = %v, want ErrLockHeld", err)
	}
	if got := h.sup.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle after failed boot", got)
	}
}

// TestTakeOver checks that a steal forces boot through even with
// another holder, leaving the stealing owner as the lock holder.
func TestTakeOver(t *testing.T) {
	h := newHarness(t)
	if err := h.locks.Acquire("m1", "tab-x"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sup.Boot(ctx, "tab-y", true, nil); err != nil {
		t.Fatalf("boot with steal: %v", err)
	}
	if got := h.sup.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	holder, err := h.locks.Holder("m1")
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if holder == nil || holder.OwnerToken != "tab-y" {
		t.Fatalf("holder = %+v, want tab-y", holder)
	}
}

func TestTerminateReleasesLock(t *testing.T) {
	h := newHarness(t)
	owner := lockmgr.NewOwnerToken()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.sup.Boot(ctx, owner, false, nil); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := h.sup.Terminate(ctx); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if got := h.sup.State(); got != StateTerminated {
		t.Fatalf("state = %s, want terminated", got)
	}
	holder, err := h.locks.Holder("m1")
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if holder != nil {
		t.Fatalf("expected lock released, holder = %+v", holder)
	}
}

// TestBootExportPersistsDelta exercises a full export -> delta -> save
// cycle and confirms the delta reaches the session record.
func TestBootExportPersistsDelta(t *testing.T) {
	h := newHarness(t)
	owner := lockmgr.NewOwnerToken()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.sup.Boot(ctx, owner, false, nil); err != nil {
		t.Fatalf("boot: %v", err)
	}

	changed := &overlay.Tar{Entries: []overlay.Entry{
		{Path: "/root/hello.txt", Mode: 0644, Content: []byte("hi")},
		{Path: "/root/new.txt", Mode: 0644, Content: []byte("fresh")},
	}}
	tarBytes, err := changed.Write()
	if err != nil {
		t.Fatalf("write tar: %v", err)
	}
	h.worker.TriggerExport(tarBytes)

	deadline := time.After(2 * time.Second)
	for {
		rec, err := h.db.GetSession("m1")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if len(rec.DeltaBytes) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delta to persist")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestSinkInputFeedsControlStdin checks the wiring from a Sink's
// OnInput callback through to the drain loop's ServiceStdin call: a
// keystroke fed into the sink should reach a pending stdin request on
// the control buffer without the caller touching either directly.
func TestSinkInputFeedsControlStdin(t *testing.T) {
	rec := termsink.NewRecorder()
	h := newHarnessWithSink(t, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sup.Boot(ctx, lockmgr.NewOwnerToken(), false, nil); err != nil {
		t.Fatalf("boot: %v", err)
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	got := make(chan []byte, 1)
	go func() {
		h.sup.mu.Lock()
		control := h.sup.control
		h.sup.mu.Unlock()
		data, err := control.RequestStdin(reqCtx, 16)
		if err != nil {
			t.Errorf("RequestStdin: %v", err)
			return
		}
		got <- data
	}()

	// Give RequestStdin a moment to post CmdStdinRequest before feeding,
	// then rely on the drain loop's ~4ms tick to service it.
	time.Sleep(20 * time.Millisecond)
	rec.Feed([]byte("ls\n"))

	select {
	case data := <-got:
		if string(data) != "ls\n" {
			t.Fatalf("stdin delivered = %q, want %q", data, "ls\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stdin to reach the control buffer")
	}
}

// TestSinkInputQueuedBeforeBootIsNotLost confirms keystrokes fed before
// the drain loop starts (e.g. a reattach racing boot) stay buffered
// rather than being dropped, and are serviced once a request arrives.
func TestSinkInputQueuedBeforeBootIsNotLost(t *testing.T) {
	rec := termsink.NewRecorder()
	h := newHarnessWithSink(t, rec)

	rec.Feed([]byte("echo hi\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sup.Boot(ctx, lockmgr.NewOwnerToken(), false, nil); err != nil {
		t.Fatalf("boot: %v", err)
	}

	h.sup.mu.Lock()
	control := h.sup.control
	h.sup.mu.Unlock()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	data, err := control.RequestStdin(reqCtx, 32)
	if err != nil {
		t.Fatalf("RequestStdin: %v", err)
	}
	if string(data) != "echo hi\n" {
		t.Fatalf("stdin delivered = %q, want %q", data, "echo hi\n")
	}
}
