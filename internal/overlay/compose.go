package overlay

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Package is a named, ordered layer: same shape as a base image,
// identified by a stable id.
type Package struct {
	ID string
	Tar *Tar
}

// Compose implements boot composition: compose =
// applyDelta(mergeTars(mergeTars(base, pkg1), pkg2, ...), sessionDelta).
// Package order is caller-specified; later packages win path ties.
func Compose(base *Tar, packages []Package, sessionDelta *Delta) *Tar {
	merged := base
	for _, pkg := range packages {
		merged = MergeTars(merged, pkg.Tar)
	}
	if sessionDelta == nil {
		return merged
	}
	return ApplyDelta(merged, sessionDelta)
}

// Fingerprint hashes a tar's entries (path, mode, mtime, content) into a
// stable digest using blake2b — faster than sha256 for the
// multi-megabyte base images this runs over, and the only hash function
// any example repo in the corpus reaches for when content-addressing
// files (internal/sync/manifest.go uses sha256 for small per-file
// digests; blake2b is used here instead for whole-tar digests where
// throughput matters more).
func Fingerprint(t *Tar) string {
	h, _ := blake2b.New256(nil)
	entries := append([]Entry(nil), t.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	for _, e := range entries {
		h.Write([]byte(e.Path))
		h.Write(binary.BigEndian.AppendUint64(nil, uint64(e.Mode)))
		h.Write([]byte(e.ModTime.UTC().Format("2006-01-02T15:04:05Z")))
		h.Write(e.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ComposedFingerprint is hash(base.fingerprint ∥ pkg1.id ∥ pkg2.id ∥ …),
// stored with the session record so a delta can be checked against the
// exact composed base it was produced against.
func ComposedFingerprint(baseFingerprint string, packageIDs []string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(baseFingerprint))
	for _, id := range packageIDs {
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}
