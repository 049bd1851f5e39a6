package herr

import (
	"errors"
	"testing"
)

func TestConfigErrorUnwrapsAndFormats(t *testing.T) {
	cause := errors.New("missing rootfs_url")
	err := NewConfigError("rootfs_url", cause)

	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the cause")
	}
	if ce.Field != "rootfs_url" {
		t.Fatalf("Field = %q, want %q", ce.Field, "rootfs_url")
	}
}

func TestStorageErrorUnwrapsAndFormats(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageError("save_session_delta", cause)

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the cause")
	}
}

func TestLayerErrorCarriesFatalFlag(t *testing.T) {
	cause := errors.New("fingerprint mismatch")
	err := NewLayerError("base", false, cause)

	var le *LayerError
	if !errors.As(err, &le) {
		t.Fatalf("expected *LayerError, got %T", err)
	}
	if le.Fatal {
		t.Fatal("expected Fatal=false for a fingerprint mismatch")
	}
	if le.Layer != "base" {
		t.Fatalf("Layer = %q, want %q", le.Layer, "base")
	}
}

func TestWorkerErrorCarriesMachineID(t *testing.T) {
	cause := errors.New("panic in interpreter")
	err := NewWorkerError("m1", cause)

	var we *WorkerError
	if !errors.As(err, &we) {
		t.Fatalf("expected *WorkerError, got %T", err)
	}
	if we.MachineID != "m1" {
		t.Fatalf("MachineID = %q, want %q", we.MachineID, "m1")
	}
}

func TestRPCProtocolErrorCarriesChannelAndState(t *testing.T) {
	cause := errors.New("unexpected command word")
	err := NewRPCProtocolError("control", 7, cause)

	var pe *RPCProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *RPCProtocolError, got %T", err)
	}
	if pe.Channel != "control" || pe.State != 7 {
		t.Fatalf("Channel/State = %q/%d, want control/7", pe.Channel, pe.State)
	}
}

func TestTransportErrorUnwrapsAndFormats(t *testing.T) {
	cause := errors.New("dial proxy: connection refused")
	err := NewTransportError(cause)

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the cause")
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty Error() string")
	}
}

func TestSocketErrorCarriesFD(t *testing.T) {
	cause := errors.New("write: broken pipe")
	err := NewSocketError(42, cause)

	var se *SocketError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SocketError, got %T", err)
	}
	if se.FD != 42 {
		t.Fatalf("FD = %d, want 42", se.FD)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the cause")
	}
}
