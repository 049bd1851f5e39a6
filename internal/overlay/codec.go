package overlay

import "encoding/json"

// deltaWire is the JSON-serializable shape of a Delta. Using JSON here
// (rather than hand-rolling a length-prefixed binary concatenation)
// follows the convention of JSON-encoding everything that crosses a
// storage or transport boundary elsewhere in this codebase — see the
// package records internal/store persists and the bodies internal/transport
// serves. Entry.Content is base64'd implicitly by encoding/json's []byte
// handling.
type deltaWire struct {
	Added map[string]Entry `json:"added"`
	Modified map[string]Entry `json:"modified"`
	Deleted map[string]bool `json:"deleted"`
}

// EncodeDelta serializes a Delta for storage as a session's delta blob.
func EncodeDelta(d *Delta) ([]byte, error) {
	w := deltaWire{
		Added: d.Added,
		Modified: d.Modified,
		Deleted: make(map[string]bool, len(d.Deleted)),
	}
	for path := range d.Deleted {
		w.Deleted[path] = true
	}
	return json.Marshal(w)
}

// DecodeDelta is EncodeDelta's inverse. A corrupt (unparseable) blob
// returns an error so callers can implement a quarantine-and-boot-empty fallback.
func DecodeDelta(raw []byte) (*Delta, error) {
	var w deltaWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	d := NewDelta()
	if w.Added != nil {
		d.Added = w.Added
	}
	if w.Modified != nil {
		d.Modified = w.Modified
	}
	for path, deleted := range w.Deleted {
		if deleted {
			d.Deleted[path] = struct{}{}
		}
	}
	return d, nil
}
