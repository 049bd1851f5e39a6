package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehrlich-b/rvhost/internal/config"
	"github.com/ehrlich-b/rvhost/internal/emuworker"
	"github.com/ehrlich-b/rvhost/internal/emuworker/fake"
	"github.com/ehrlich-b/rvhost/internal/lockmgr"
	"github.com/ehrlich-b/rvhost/internal/overlay"
	"github.com/ehrlich-b/rvhost/internal/store"
	"github.com/ehrlich-b/rvhost/internal/supervisor"
)

func setup(t *testing.T) (*Client, func()) {
	t.Helper()

	db, err := store.Open(":memory:", t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	locks := lockmgr.New(db)
	machine := &config.Machine{ID: "m1", Name: "test", RootfsURL: "https://example.invalid/base.tar"}

	loadBase := func(ctx context.Context, url string) (*overlay.Tar, error) {
		return &overlay.Tar{Entries: []overlay.Entry{{Path: "/root/a.txt", Mode: 0644, Content: []byte("hi")}}}, nil
	}
	sup := supervisor.New(machine, supervisor.Deps{
		Store:     db,
		Locks:     locks,
		NewWorker: func() emuworker.Worker { return fake.New() },
		LoadBase:  loadBase,
	}, nil)

	sock := filepath.Join(t.TempDir(), "rvhostd.sock")
	srv := NewServer(sock, "m1", sup, db, locks, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		go func() {
			for {
				if _, err := os.Stat(sock); err == nil {
					close(ready)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
		srv.ListenAndServe(ctx)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("server did not start in time")
	}

	client := NewClient(sock)
	return client, func() {
		cancel()
		db.Close()
	}
}

func TestBootAndStatus(t *testing.T) {
	client, cleanup := setup(t)
	defer cleanup()

	st, err := client.Boot("owner-1", false)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if st.State != "running" {
		t.Fatalf("state = %q, want running", st.State)
	}

	st, err = client.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != "running" {
		t.Fatalf("status state = %q, want running", st.State)
	}
}

func TestBootThenTerminate(t *testing.T) {
	client, cleanup := setup(t)
	defer cleanup()

	if _, err := client.Boot("owner-1", false); err != nil {
		t.Fatalf("first boot: %v", err)
	}

	// Terminate succeeds on the machine that was just booted.
	if _, err := client.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
}

func TestPackageLifecycle(t *testing.T) {
	client, cleanup := setup(t)
	defer cleanup()

	if err := client.InstallPackage("pkg-a", []byte("tarbytes")); err != nil {
		t.Fatalf("install: %v", err)
	}
	pkgs, err := client.ListPackages()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("got %d packages, want 1", len(pkgs))
	}
	if err := client.RemovePackage("pkg-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	pkgs, err = client.ListPackages()
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(pkgs) != 0 {
		t.Fatalf("got %d packages after remove, want 0", len(pkgs))
	}
}
