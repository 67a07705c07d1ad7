package document

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func applyAll(t *testing.T, d *Document, ops []Operation) {
	t.Helper()
	for _, op := range ops {
		if err := d.ApplyRemote(op); err != nil && !errors.Is(err, ErrCausalDependencyMissing) {
			t.Fatalf("ApplyRemote(%s) error = %v", op.ID(), err)
		}
	}
}

func TestLocalEdits(t *testing.T) {
	d := New("doc-1", "alice")
	if _, err := d.InsertText(0, "hello"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	if _, err := d.InsertAt(5, "!"); err != nil {
		t.Fatalf("InsertAt() error = %v", err)
	}
	if _, err := d.DeleteAt(0); err != nil {
		t.Fatalf("DeleteAt() error = %v", err)
	}
	if got := d.Text(); got != "ello!" {
		t.Fatalf("Text() = %q, want %q", got, "ello!")
	}
	if got := d.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}
	if got := d.VersionVector().Get("alice"); got != 7 {
		t.Fatalf("vector[alice] = %d, want 7", got)
	}
	if _, err := d.DeleteAt(10); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("DeleteAt(10) error = %v, want ErrOutOfRange", err)
	}
	if _, err := d.InsertAt(7, "x"); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("InsertAt(7) error = %v, want ErrOutOfRange", err)
	}
}

func TestApplyLocalStampsOperation(t *testing.T) {
	d := New("doc-1", "alice")
	first, err := d.ApplyLocal(Insert(Head, "a"))
	if err != nil {
		t.Fatalf("ApplyLocal() error = %v", err)
	}
	second, err := d.ApplyLocal(Insert(first.ID(), "b"))
	if err != nil {
		t.Fatalf("ApplyLocal() error = %v", err)
	}
	if first.Actor != "alice" || first.Counter != 1 || first.Clock != 1 || first.DocumentID != "doc-1" {
		t.Fatalf("unexpected stamp: %+v", first)
	}
	if second.Counter != 2 || second.Clock != 2 {
		t.Fatalf("unexpected stamp: %+v", second)
	}
	if !second.Deps.Covers(first.ID()) {
		t.Fatalf("second op deps %v should cover %s", second.Deps, first.ID())
	}
	if _, err := d.ApplyLocal(Insert(ElementID{Actor: "bob", Counter: 9}, "x")); !errors.Is(err, ErrMalformedOperation) {
		t.Fatalf("insert after unknown anchor error = %v", err)
	}
}

func TestConcurrentWordsDoNotInterleave(t *testing.T) {
	a := New("doc-1", "alice")
	b := New("doc-1", "bob")

	catOps, err := a.InsertText(0, "cat")
	if err != nil {
		t.Fatalf("InsertText(cat) error = %v", err)
	}
	dogOps, err := b.InsertText(0, "dog")
	if err != nil {
		t.Fatalf("InsertText(dog) error = %v", err)
	}

	applyAll(t, a, dogOps)
	applyAll(t, b, catOps)

	if a.Text() != b.Text() {
		t.Fatalf("replicas diverged: %q vs %q", a.Text(), b.Text())
	}
	if got := a.Text(); got != "catdog" && got != "dogcat" {
		t.Fatalf("Text() = %q, want catdog or dogcat", got)
	}
	if diff := cmp.Diff(a.VersionVector(), b.VersionVector()); diff != "" {
		t.Fatalf("vectors differ (-a +b):\n%s", diff)
	}
}

func TestApplyRemoteIsIdempotent(t *testing.T) {
	src := New("doc-1", "alice")
	ops, _ := src.InsertText(0, "abc")
	del, _ := src.DeleteAt(1)
	ops = append(ops, del)

	once := New("doc-1", "bob")
	twice := New("doc-1", "carol")
	applyAll(t, once, ops)
	applyAll(t, twice, ops)
	applyAll(t, twice, ops)

	if once.Text() != "ac" || twice.Text() != "ac" {
		t.Fatalf("Text() = %q / %q, want ac", once.Text(), twice.Text())
	}
	if diff := cmp.Diff(once.State().Elements, twice.State().Elements); diff != "" {
		t.Fatalf("element lists differ:\n%s", diff)
	}
}

func TestBufferedInsertsFlushInOrder(t *testing.T) {
	src := New("doc-1", "alice")
	ops, _ := src.InsertText(0, "abc")

	d := New("doc-1", "bob")
	for i := len(ops) - 1; i > 0; i-- {
		err := d.ApplyRemote(ops[i])
		var depErr *DependencyError
		if !errors.As(err, &depErr) {
			t.Fatalf("ApplyRemote(%s) error = %v, want DependencyError", ops[i].ID(), err)
		}
		if depErr.Missing != ops[i-1].ID() {
			t.Fatalf("missing = %s, want %s", depErr.Missing, ops[i-1].ID())
		}
	}
	if d.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", d.Pending())
	}
	if got := d.Missing(); len(got) != 2 {
		t.Fatalf("Missing() = %v", got)
	}
	if d.Text() != "" {
		t.Fatalf("buffered ops must not be visible, got %q", d.Text())
	}

	// duplicate delivery of a parked op is dropped
	_ = d.ApplyRemote(ops[2])
	if d.Pending() != 2 {
		t.Fatalf("Pending() after duplicate = %d, want 2", d.Pending())
	}

	if err := d.ApplyRemote(ops[0]); err != nil {
		t.Fatalf("ApplyRemote(first) error = %v", err)
	}
	if d.Text() != "abc" || d.Pending() != 0 {
		t.Fatalf("Text() = %q pending = %d, want abc/0", d.Text(), d.Pending())
	}
}

func TestTombstonesArePermanent(t *testing.T) {
	src := New("doc-1", "alice")
	ins, _ := src.InsertAt(0, "x")
	del, _ := src.DeleteAt(0)

	d := New("doc-1", "bob")
	if err := d.ApplyRemote(del); !errors.Is(err, ErrCausalDependencyMissing) {
		t.Fatalf("delete before insert error = %v", err)
	}
	if err := d.ApplyRemote(ins); err != nil {
		t.Fatalf("ApplyRemote(insert) error = %v", err)
	}
	if d.Text() != "" {
		t.Fatalf("Text() = %q, want empty", d.Text())
	}
	if err := d.ApplyRemote(ins); err != nil {
		t.Fatalf("re-applying insert error = %v", err)
	}
	if d.Text() != "" {
		t.Fatalf("deleted element reappeared: %q", d.Text())
	}

	// a later insert anchored on the tombstone still integrates
	child := Operation{Kind: OpInsert, Actor: "carol", Counter: 1, Clock: 5, After: ins.ID(), Value: "y"}
	if err := d.ApplyRemote(child); err != nil {
		t.Fatalf("insert after tombstone error = %v", err)
	}
	if d.Text() != "y" {
		t.Fatalf("Text() = %q, want y", d.Text())
	}
	if e, ok := d.Element(ins.ID()); !ok || !e.Deleted {
		t.Fatalf("tombstone lost: %+v %v", e, ok)
	}
}

func TestMalformedOperationsAreIsolated(t *testing.T) {
	src := New("doc-1", "alice")
	base, _ := src.InsertText(0, "ab")

	tests := []struct {
		name string
		op   Operation
	}{
		{name: "unstamped", op: Insert(Head, "x")},
		{name: "missing clock", op: Operation{Kind: OpInsert, Actor: "bob", Counter: 1, Value: "x"}},
		{name: "empty value", op: Operation{Kind: OpInsert, Actor: "bob", Counter: 1, Clock: 9}},
		{name: "after itself", op: Operation{Kind: OpInsert, Actor: "bob", Counter: 1, Clock: 9, Value: "x", After: ElementID{Actor: "bob", Counter: 1}}},
		{name: "clock not after anchor", op: Operation{Kind: OpInsert, Actor: "bob", Counter: 1, Clock: 1, Value: "x", After: base[0].ID()}},
		{name: "reused id", op: Operation{Kind: OpInsert, Actor: "alice", Counter: 1, Clock: 1, Value: "z"}},
		{name: "retain", op: Operation{Kind: OpRetain, Actor: "bob", Counter: 1, Clock: 3}},
		{name: "delete head", op: Operation{Kind: OpDelete, Actor: "bob", Counter: 1, Clock: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New("doc-1", "carol")
			applyAll(t, d, base)
			before := d.State()

			err := d.ApplyRemote(tt.op)
			if !errors.Is(err, ErrMalformedOperation) {
				t.Fatalf("ApplyRemote() error = %v, want ErrMalformedOperation", err)
			}
			var mergeErr *MergeError
			if !errors.As(err, &mergeErr) || mergeErr.Reason == "" {
				t.Fatalf("expected MergeError with reason, got %v", err)
			}
			if diff := cmp.Diff(before, d.State()); diff != "" {
				t.Fatalf("state changed (-before +after):\n%s", diff)
			}

			good := Operation{Kind: OpInsert, Actor: "dave", Counter: 1, Clock: 10, After: base[1].ID(), Value: "c"}
			if err := d.ApplyRemote(good); err != nil {
				t.Fatalf("valid op after malformed one error = %v", err)
			}
			if d.Text() != "abc" {
				t.Fatalf("Text() = %q, want abc", d.Text())
			}
		})
	}
}

func TestConvergenceUnderReorderingAndDuplication(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	actors := []ActorID{"alice", "bob", "carol"}
	replicas := make([]*Document, len(actors))
	for i, actor := range actors {
		replicas[i] = New("doc-1", actor)
	}

	var all []Operation
	letters := "abcdefghijklmnopqrstuvwxyz"
	for step := 0; step < 300; step++ {
		r := replicas[rng.Intn(len(replicas))]
		switch choice := rng.Intn(10); {
		case choice < 6:
			op, err := r.InsertAt(rng.Intn(r.Len()+1), string(letters[rng.Intn(len(letters))]))
			if err != nil {
				t.Fatalf("InsertAt() error = %v", err)
			}
			all = append(all, op)
		case choice < 8:
			if r.Len() == 0 {
				continue
			}
			op, err := r.DeleteAt(rng.Intn(r.Len()))
			if err != nil {
				t.Fatalf("DeleteAt() error = %v", err)
			}
			all = append(all, op)
		default:
			// partial sync: deliver a random prefix of everything authored so far
			applyAll(t, r, all[:rng.Intn(len(all)+1)])
		}
	}

	deliver := func(seed int64) *Document {
		order := append([]Operation(nil), all...)
		for i := 0; i < len(all)/4; i++ {
			order = append(order, all[rng.Intn(len(all))])
		}
		shuffle := rand.New(rand.NewSource(seed))
		shuffle.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		d := New("doc-1", "observer")
		applyAll(t, d, order)
		return d
	}

	x := deliver(1)
	y := deliver(2)
	for _, r := range replicas {
		applyAll(t, r, all)
	}

	want := replicas[0].Text()
	for i, d := range []*Document{x, y, replicas[1], replicas[2]} {
		if d.Pending() != 0 {
			t.Fatalf("replica %d still has %d buffered ops", i, d.Pending())
		}
		if got := d.Text(); got != want {
			t.Fatalf("replica %d Text() = %q, want %q", i, got, want)
		}
		if diff := cmp.Diff(replicas[0].VersionVector(), d.VersionVector()); diff != "" {
			t.Fatalf("replica %d vector differs:\n%s", i, diff)
		}
	}
}

func TestVersionVectorCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VersionVector
		want Ordering
	}{
		{name: "equal", a: VersionVector{"a": 1}, b: VersionVector{"a": 1}, want: Equal},
		{name: "before", a: VersionVector{"a": 1}, b: VersionVector{"a": 2}, want: Before},
		{name: "after missing actor", a: VersionVector{"a": 1, "b": 1}, b: VersionVector{"a": 1}, want: After},
		{name: "concurrent", a: VersionVector{"a": 2}, b: VersionVector{"b": 1}, want: Concurrent},
		{name: "empty", a: VersionVector{}, b: nil, want: Equal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Fatalf("Compare() = %s, want %s", got, tt.want)
			}
		})
	}

	v := VersionVector{}
	v.Observe("a", 3)
	v.Observe("a", 1)
	if v.Get("a") != 3 {
		t.Fatalf("vector entry decreased: %v", v)
	}
	if v.String() != "{a:3}" {
		t.Fatalf("String() = %q", v.String())
	}
}
