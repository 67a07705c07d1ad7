package document

import (
	"errors"
	"math"
	"testing"
)

func TestLinearApply(t *testing.T) {
	l := NewLinear("doc-1", "hello")

	rev, err := l.Apply(Operation{Kind: OpInsert, Revision: 0, Position: 5, Value: " world"})
	if err != nil {
		t.Fatalf("Apply(insert) error = %v", err)
	}
	if rev != 1 {
		t.Fatalf("revision = %d, want 1", rev)
	}
	if _, err := l.Apply(Operation{Kind: OpDelete, Revision: 1, Position: 0, Length: 1}); err != nil {
		t.Fatalf("Apply(delete) error = %v", err)
	}
	if _, err := l.Apply(Operation{Kind: OpRetain, Revision: 2, Position: 3}); err != nil {
		t.Fatalf("Apply(retain) error = %v", err)
	}
	if l.Text() != "ello world" || l.Revision() != 2 {
		t.Fatalf("Text() = %q rev = %d", l.Text(), l.Revision())
	}

	ops, err := l.Since(1)
	if err != nil {
		t.Fatalf("Since() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Kind != OpDelete || ops[0].Revision != 1 {
		t.Fatalf("Since(1) = %+v", ops)
	}
	if _, err := l.Since(9); err == nil {
		t.Fatal("expected error for revision ahead of log")
	}
}

func TestLinearRejectsOversizedDelete(t *testing.T) {
	l := NewLinear("doc-1", "abc")
	_, err := l.Apply(Operation{Kind: OpDelete, Revision: 0, Position: 2, Length: math.MaxInt})
	if !errors.Is(err, ErrMalformedOperation) {
		t.Fatalf("Apply() error = %v, want ErrMalformedOperation", err)
	}
	if l.Text() != "abc" || l.Revision() != 0 {
		t.Fatalf("Text() = %q rev = %d", l.Text(), l.Revision())
	}
}

func TestLinearRejectsStaleRevision(t *testing.T) {
	l := NewLinear("doc-1", "abc")
	if _, err := l.Apply(Operation{Kind: OpInsert, Revision: 0, Position: 0, Value: "x"}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	_, err := l.Apply(Operation{Kind: OpInsert, Revision: 0, Position: 1, Value: "y"})
	if !errors.Is(err, ErrStaleRevision) {
		t.Fatalf("Apply() error = %v, want ErrStaleRevision", err)
	}
	var stale *StaleRevisionError
	if !errors.As(err, &stale) || stale.Expected != 0 || stale.Current != 1 {
		t.Fatalf("unexpected stale error: %#v", err)
	}
	if l.Text() != "xabc" {
		t.Fatalf("stale op must not apply, Text() = %q", l.Text())
	}
}

func TestApplyTextBounds(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		want string
		bad  bool
	}{
		{name: "insert unicode", op: Operation{Kind: OpInsert, Position: 1, Value: "é"}, want: "cé☕"},
		{name: "delete rune", op: Operation{Kind: OpDelete, Position: 1, Length: 1}, want: "c"},
		{name: "insert past end", op: Operation{Kind: OpInsert, Position: 3, Value: "x"}, bad: true},
		{name: "delete past end", op: Operation{Kind: OpDelete, Position: 1, Length: 2}, bad: true},
		{name: "zero delete", op: Operation{Kind: OpDelete, Position: 0}, bad: true},
		{name: "delete length overflows", op: Operation{Kind: OpDelete, Position: 1, Length: math.MaxInt}, bad: true},
		{name: "delete position overflows", op: Operation{Kind: OpDelete, Position: math.MaxInt, Length: 1}, bad: true},
		{name: "unknown kind", op: Operation{Kind: "move"}, bad: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyText("c☕", tt.op)
			if tt.bad {
				if !errors.Is(err, ErrMalformedOperation) {
					t.Fatalf("ApplyText() error = %v, want ErrMalformedOperation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyText() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ApplyText() = %q, want %q", got, tt.want)
			}
		})
	}
}
