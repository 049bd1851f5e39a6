// Package termsink defines the narrow seam between the Supervisor's
// drain loop and whatever terminal widget actually renders guest
// output. Rendering itself — an ANSI parser, scrollback, alt-screen
// handling — is an explicit non-goal; a charmbracelet/x/vt-backed
// widget could sit behind this interface, but the widget lives outside
// this module entirely. This package is deliberately just the contract
// and a couple of trivial adapters.
package termsink

import "sync"

// Sink is anything that can receive drained stdout bytes, learn of
// resize events, and report keystrokes back to the worker. The
// Supervisor drives Write/Resize on its drain loop and subscribes via
// OnInput once at startup.
type Sink interface {
	Write(p []byte) (n int, err error)
	Resize(cols, rows int32)
	OnInput(cb func(data []byte))
}

// Discard is a Sink that drops everything — used by headless
// supervisors (tests, `rvhostctl status`, CI boot checks) that never
// attach a real terminal widget.
type Discard struct{}

func (Discard) Write(p []byte) (int, error) { return len(p), nil }
func (Discard) Resize(cols, rows int32) {}
func (Discard) OnInput(cb func(data []byte)) {}

// Recorder is a Sink that accumulates everything written to it,
// useful for tests and for `rvhostctl` scripted sessions that capture
// output rather than display it live.
type Recorder struct {
	buf []byte
	cols int32
	rows int32
	inputCbs []func(data []byte)
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	return len(p), nil
}

func (r *Recorder) Resize(cols, rows int32) {
	r.cols, r.rows = cols, rows
}

func (r *Recorder) OnInput(cb func(data []byte)) {
	r.inputCbs = append(r.inputCbs, cb)
}

// Bytes returns everything written so far.
func (r *Recorder) Bytes() []byte {
	return r.buf
}

// Size returns the last dimensions Resize was called with.
func (r *Recorder) Size() (cols, rows int32) {
	return r.cols, r.rows
}

// Feed simulates a keystroke arriving from the terminal widget, for
// tests that exercise the stdin-request path without a real UI.
func (r *Recorder) Feed(data []byte) {
	for _, cb := range r.inputCbs {
		cb(data)
	}
}

// Broadcaster is the Sink a Supervisor is wired to when the control API
// supports live attach: guest output fans out to zero or more attached
// subscribers (rvhostctl attach sessions), and any subscriber's
// keystrokes feed back as guest stdin. At most one Sink is ever handed
// to a Supervisor, so fan-out to N live viewers has to happen here
// rather than by constructing N sinks.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan []byte
	next int
	cols, rows int32
	inputCbs []func(data []byte)
}

// NewBroadcaster constructs an empty Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan []byte)}
}

func (b *Broadcaster) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		cp := make([]byte, len(p))
		copy(cp, p)
		select {
		case ch <- cp:
		default:
			// Subscriber too slow to keep up; drop rather than block
			// the drain loop on one stalled viewer.
		}
	}
	return len(p), nil
}

func (b *Broadcaster) Resize(cols, rows int32) {
	b.mu.Lock()
	b.cols, b.rows = cols, rows
	b.mu.Unlock()
}

func (b *Broadcaster) OnInput(cb func(data []byte)) {
	b.mu.Lock()
	b.inputCbs = append(b.inputCbs, cb)
	b.mu.Unlock()
}

// Subscribe registers a new viewer and returns its output channel plus
// an unsubscribe func. The channel is closed by Unsubscribe, never by
// Write.
func (b *Broadcaster) Subscribe() (ch <-chan []byte, unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	c := make(chan []byte, 64)
	b.subs[id] = c
	b.mu.Unlock()
	return c, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(c)
	}
}

// Feed delivers a subscriber's keystrokes to the worker via every
// registered OnInput callback, the same path a Supervisor uses to
// queue stdin for the next STDIN_REQUEST.
func (b *Broadcaster) Feed(data []byte) {
	b.mu.Lock()
	cbs := b.inputCbs
	b.mu.Unlock()
	for _, cb := range cbs {
		cb(data)
	}
}
