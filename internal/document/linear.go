package document

import (
	"fmt"
	"sync"
)

// Linear is a revision-checked document for single-writer or turn-based
// editing. Every accepted operation advances the revision by one; an
// operation targeting an older revision is rejected with
// *StaleRevisionError and must be rebased by the caller.
type Linear struct {
	mu   sync.RWMutex
	id   string
	text []rune
	log  []Operation
}

func NewLinear(id, initial string) *Linear {
	return &Linear{id: id, text: []rune(initial)}
}

func (l *Linear) ID() string { return l.id }

func (l *Linear) Text() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return string(l.text)
}

// Revision is the number of operations applied so far.
func (l *Linear) Revision() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.log))
}

// Apply validates op against the current revision and applies it. It
// returns the new revision.
func (l *Linear) Apply(op Operation) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := uint64(len(l.log))
	if op.Revision != current {
		return current, &StaleRevisionError{Expected: op.Revision, Current: current}
	}
	next, err := applyRunes(l.text, op)
	if err != nil {
		return current, err
	}
	if op.Kind == OpRetain {
		return current, nil
	}
	op.DocumentID = l.id
	l.text = next
	l.log = append(l.log, op.clone())
	return current + 1, nil
}

// Since returns the operations applied on top of revision rev, oldest
// first. Each carries the revision it was applied at.
func (l *Linear) Since(rev uint64) ([]Operation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rev > uint64(len(l.log)) {
		return nil, fmt.Errorf("revision %d is ahead of %d: %w", rev, len(l.log), ErrMalformedOperation)
	}
	out := make([]Operation, 0, uint64(len(l.log))-rev)
	for _, op := range l.log[rev:] {
		out = append(out, op.clone())
	}
	return out, nil
}

// ApplyText applies a positional operation to text. Positions and lengths
// count runes.
func ApplyText(text string, op Operation) (string, error) {
	out, err := applyRunes([]rune(text), op)
	if err != nil {
		return text, err
	}
	return string(out), nil
}

func applyRunes(text []rune, op Operation) ([]rune, error) {
	switch op.Kind {
	case OpInsert:
		if op.Value == "" {
			return nil, malformed(op, "empty insert")
		}
		if op.Position < 0 || op.Position > len(text) {
			return nil, malformed(op, "insert position %d outside [0,%d]", op.Position, len(text))
		}
		value := []rune(op.Value)
		out := make([]rune, 0, len(text)+len(value))
		out = append(out, text[:op.Position]...)
		out = append(out, value...)
		return append(out, text[op.Position:]...), nil
	case OpDelete:
		if op.Length <= 0 {
			return nil, malformed(op, "delete length %d", op.Length)
		}
		if op.Position < 0 || op.Position > len(text) || op.Length > len(text)-op.Position {
			return nil, malformed(op, "delete range %d+%d outside [0,%d]", op.Position, op.Length, len(text))
		}
		out := make([]rune, 0, len(text)-op.Length)
		out = append(out, text[:op.Position]...)
		return append(out, text[op.Position+op.Length:]...), nil
	case OpRetain:
		if op.Position < 0 || op.Position > len(text) {
			return nil, malformed(op, "retain position %d outside [0,%d]", op.Position, len(text))
		}
		return text, nil
	default:
		return nil, malformed(op, "unknown kind %q", op.Kind)
	}
}
