package overlay

import (
	"bytes"
	"testing"
	"time"
)

func entry(path, content string) Entry {
	return Entry{Path: path, Mode: 0644, ModTime: time.Unix(1700000000, 0), Content: []byte(content)}
}

func tarOf(entries ...Entry) *Tar {
	return &Tar{Entries: entries}
}

func pathSet(t *Tar) map[string]Entry {
	return t.index()
}

// TestDeltaRoundTrip checks applyDelta(base, computeDelta(base,
// current)) == current, as sets of {path, mode, mtime, content}.
func TestDeltaRoundTrip(t *testing.T) {
	base := tarOf(entry("/bin/a", "A"), entry("/bin/b", "B"), entry("/etc/c", "C"))
	current := tarOf(entry("/bin/a", "A"), entry("/bin/b", "B2"), entry("/var/d", "D"))

	delta := ComputeDelta(base, current)
	got := ApplyDelta(base, delta)

	gotSet := pathSet(got)
	wantSet := pathSet(current)
	if len(gotSet) != len(wantSet) {
		t.Fatalf("entry count mismatch: got %d want %d", len(gotSet), len(wantSet))
	}
	for path, want := range wantSet {
		g, ok := gotSet[path]
		if !ok {
			t.Fatalf("missing path %s after round trip", path)
		}
		if !entriesEqual(g, want) {
			t.Fatalf("entry mismatch at %s: got %+v want %+v", path, g, want)
		}
	}
}

func TestDeltaInvariantsDisjoint(t *testing.T) {
	base := tarOf(entry("/a", "1"), entry("/b", "2"))
	current := tarOf(entry("/a", "1"), entry("/b", "2v2"), entry("/c", "3"))
	d := ComputeDelta(base, current)
	for p := range d.Added {
		if _, ok := d.Modified[p]; ok {
			t.Fatalf("%s present in both added and modified", p)
		}
	}
	for p := range d.Deleted {
		if _, ok := d.Added[p]; ok {
			t.Fatalf("%s present in both deleted and added", p)
		}
		if _, ok := d.Modified[p]; ok {
			t.Fatalf("%s present in both deleted and modified", p)
		}
	}
}

// TestMergeAssociativity checks mergeTars(mergeTars(a, b), c) ==
// mergeTars(a, mergeTars(b, c)) at the per-path level (semantic
// equality; file order may differ).
func TestMergeAssociativity(t *testing.T) {
	a := tarOf(entry("/x", "a-x"), entry("/shared", "a-shared"))
	b := tarOf(entry("/y", "b-y"), entry("/shared", "b-shared"))
	c := tarOf(entry("/z", "c-z"), entry("/shared", "c-shared"))

	left := MergeTars(MergeTars(a, b), c)
	right := MergeTars(a, MergeTars(b, c))

	leftSet := pathSet(left)
	rightSet := pathSet(right)
	if len(leftSet) != len(rightSet) {
		t.Fatalf("entry count mismatch: left=%d right=%d", len(leftSet), len(rightSet))
	}
	for path, le := range leftSet {
		re, ok := rightSet[path]
		if !ok {
			t.Fatalf("path %s missing on right side", path)
		}
		if !entriesEqual(le, re) {
			t.Fatalf("path %s differs: left=%+v right=%+v", path, le, re)
		}
	}
}

// TestOverlayPrecedence checks that for every path in overlay,
// mergeTars(base, overlay)[path] == overlay[path]; for every path only
// in base, it equals base[path].
func TestOverlayPrecedence(t *testing.T) {
	base := tarOf(entry("/bin/hello", "A"))
	pkg := tarOf(entry("/bin/hello", "B"), entry("/bin/extra", "C"))

	merged := MergeTars(base, pkg)
	helloEntry, ok := merged.Lookup("/bin/hello")
	if !ok || string(helloEntry.Content) != "B" {
		t.Fatalf("/bin/hello = %+v, want content B", helloEntry)
	}
	extraEntry, ok := merged.Lookup("/bin/extra")
	if !ok || string(extraEntry.Content) != "C" {
		t.Fatalf("/bin/extra = %+v, want content C", extraEntry)
	}
}

func TestMergeOrderingDeterministic(t *testing.T) {
	base := tarOf(entry("/a", "1"), entry("/b", "2"))
	overlayTar := tarOf(entry("/b", "2v2"), entry("/c", "3"))
	merged := MergeTars(base, overlayTar)
	wantOrder := []string{"/a", "/b", "/c"}
	if len(merged.Entries) != len(wantOrder) {
		t.Fatalf("got %d entries, want %d", len(merged.Entries), len(wantOrder))
	}
	for i, path := range wantOrder {
		if merged.Entries[i].Path != path {
			t.Fatalf("entry %d = %s, want %s", i, merged.Entries[i].Path, path)
		}
	}
}

func TestComposeBootSequence(t *testing.T) {
	base := tarOf(entry("/bin/hello", "A"))
	pkg1 := Package{ID: "pkg1", Tar: tarOf(entry("/bin/hello", "B"), entry("/bin/extra", "C"))}
	delta := NewDelta()
	delta.Added["/root/a.txt"] = entry("/root/a.txt", "hello")

	composed := Compose(base, []Package{pkg1}, delta)
	a, ok := composed.Lookup("/root/a.txt")
	if !ok || string(a.Content) != "hello" {
		t.Fatalf("/root/a.txt = %+v", a)
	}
	hello, ok := composed.Lookup("/bin/hello")
	if !ok || string(hello.Content) != "B" {
		t.Fatalf("/bin/hello = %+v, want B", hello)
	}
}

func TestWriteParseTarRoundTrip(t *testing.T) {
	original := tarOf(entry("/a", "hello"), entry("/b", "world"))
	data, err := original.Write()
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	parsed, err := ParseTar(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ParseTar: %v", err)
	}
	if len(parsed.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(parsed.Entries))
	}
	a, ok := parsed.Lookup("/a")
	if !ok || string(a.Content) != "hello" {
		t.Fatalf("/a = %+v", a)
	}
}

func TestEncodeDecodeDeltaRoundTrip(t *testing.T) {
	base := tarOf(entry("/bin/a", "A"), entry("/etc/c", "C"))
	current := tarOf(entry("/bin/a", "A2"), entry("/var/d", "D"))
	delta := ComputeDelta(base, current)

	raw, err := EncodeDelta(delta)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeDelta(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Added) != len(delta.Added) || len(got.Modified) != len(delta.Modified) || len(got.Deleted) != len(delta.Deleted) {
		t.Fatalf("decoded delta mismatch: %+v vs %+v", got, delta)
	}
}

func TestDecodeDeltaRejectsGarbage(t *testing.T) {
	if _, err := DecodeDelta([]byte("not json")); err == nil {
		t.Fatal("expected error decoding garbage delta")
	}
}
