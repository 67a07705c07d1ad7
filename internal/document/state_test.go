package document

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRestoreRoundTrip(t *testing.T) {
	d := New("doc-1", "alice")
	_, _ = d.InsertText(0, "hello")
	_, _ = d.DeleteAt(1)

	state := d.State()
	restored := Restore(state, "alice")
	if restored.Text() != "hllo" {
		t.Fatalf("Text() = %q, want hllo", restored.Text())
	}
	if diff := cmp.Diff(state, restored.State()); diff != "" {
		t.Fatalf("state mismatch:\n%s", diff)
	}

	// the restored replica continues its own counter sequence
	op, err := restored.InsertAt(0, ">")
	if err != nil {
		t.Fatalf("InsertAt() error = %v", err)
	}
	if op.Counter != 7 {
		t.Fatalf("Counter = %d, want 7", op.Counter)
	}
	if state.Visible() != 4 || state.Tombstones() != 1 {
		t.Fatalf("visible/tombstones = %d/%d", state.Visible(), state.Tombstones())
	}
}

func TestMergeStates(t *testing.T) {
	a := New("doc-1", "alice")
	_, _ = a.InsertText(0, "base")
	b := Restore(a.State(), "bob")

	_, _ = a.InsertText(4, "-left")
	_, _ = b.InsertText(0, "right-")
	_, _ = b.DeleteAt(6)

	sa, sb := a.State(), b.State()
	if err := a.Merge(sb); err != nil {
		t.Fatalf("a.Merge() error = %v", err)
	}
	if err := b.Merge(sa); err != nil {
		t.Fatalf("b.Merge() error = %v", err)
	}
	if a.Text() != b.Text() {
		t.Fatalf("merge diverged: %q vs %q", a.Text(), b.Text())
	}
	if a.Text() != "right-ase-left" {
		t.Fatalf("Text() = %q", a.Text())
	}
	if diff := cmp.Diff(a.VersionVector(), b.VersionVector()); diff != "" {
		t.Fatalf("vectors differ:\n%s", diff)
	}
}

func TestDiffReplayReachesTarget(t *testing.T) {
	d := New("doc-1", "alice")
	_, _ = d.InsertText(0, "the quick fox")
	older := d.State()

	_, _ = d.DeleteRange(4, 6)
	_, _ = d.InsertText(4, "lazy ")
	_, _ = d.InsertAt(d.Len(), "!")
	newer := d.State()

	if newer.Text() != "the lazy fox!" {
		t.Fatalf("setup text = %q", newer.Text())
	}

	tests := []struct {
		name     string
		from, to State
	}{
		{name: "forward", from: older, to: newer},
		{name: "backward", from: newer, to: older},
		{name: "identity", from: newer, to: newer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := Diff(tt.from, tt.to)
			if tt.name == "identity" && len(ops) != 0 {
				t.Fatalf("Diff() of equal states = %d ops, want none", len(ops))
			}
			replica := Restore(tt.from, "bob")
			if _, err := replica.Replay(ops); err != nil {
				t.Fatalf("Replay() error = %v", err)
			}
			if got := replica.Text(); got != tt.to.Text() {
				t.Fatalf("Text() = %q, want %q", got, tt.to.Text())
			}
		})
	}
}

func TestDiffFromUnrelatedReplica(t *testing.T) {
	a := New("doc-1", "alice")
	_, _ = a.InsertText(0, "ab")
	empty := New("doc-1", "bob").State()

	ops := Diff(empty, a.State())
	if len(ops) != 2 || !ops[0].Stamped() {
		t.Fatalf("Diff() = %+v, want two replayed inserts", ops)
	}
	replica := New("doc-1", "bob")
	stamped, err := replica.Replay(ops)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if replica.Text() != "ab" || len(stamped) != 2 {
		t.Fatalf("Text() = %q ops = %d", replica.Text(), len(stamped))
	}
}
