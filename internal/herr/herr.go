// Package herr defines the typed error taxonomy used across the host
// coordination core. Every component wraps the underlying cause with
// fmt.Errorf("...: %w", err); these types exist only so callers can
// type-switch on error class via errors.As, not to replace that
// wrapping idiom.
package herr

import "fmt"

// ConfigError indicates a bad or incomplete machine configuration. Always
// fatal at boot.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error (%s): %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// StorageError indicates a persistence layer failure (disk, quota,
// sqlite). Recoverable: callers log and continue without persistence for
// the current cycle.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// LayerError indicates a tar parse failure or base-fingerprint mismatch in
// the overlay engine. Fingerprint is a warn-and-fallback; parse failure
// refuses boot.
type LayerError struct {
	Layer string
	Fatal bool
	Err   error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("layer error (%s): %v", e.Layer, e.Err)
}

func (e *LayerError) Unwrap() error { return e.Err }

func NewLayerError(layer string, fatal bool, err error) error {
	return &LayerError{Layer: layer, Fatal: fatal, Err: err}
}

// WorkerError indicates the emulator worker crashed or raised an uncaught
// exception. Transitions the supervisor to terminated.
type WorkerError struct {
	MachineID string
	Err       error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error (machine %s): %v", e.MachineID, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

func NewWorkerError(machineID string, err error) error {
	return &WorkerError{MachineID: machineID, Err: err}
}

// RPCProtocolError indicates an unexpected lock/command state observed on
// a shared-memory RPC channel. Logged and translated to -EPROTO; never
// fatal on its own.
type RPCProtocolError struct {
	Channel string
	State   int32
	Err     error
}

func (e *RPCProtocolError) Error() string {
	return fmt.Sprintf("rpc protocol error (%s, state=%d): %v", e.Channel, e.State, e.Err)
}

func (e *RPCProtocolError) Unwrap() error { return e.Err }

func NewRPCProtocolError(channel string, state int32, err error) error {
	return &RPCProtocolError{Channel: channel, State: state, Err: err}
}

// TransportError indicates the network bridge's outbound connection to
// the proxy failed. Sockets fail individually; the session reconnects
// lazily.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransportError(err error) error {
	return &TransportError{Err: err}
}

// SocketError indicates a per-fd failure (connect refused, reset). Does
// not affect other sockets on the bridge.
type SocketError struct {
	FD  int32
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("socket error (fd=%d): %v", e.FD, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

func NewSocketError(fd int32, err error) error {
	return &SocketError{FD: fd, Err: err}
}
