// Package document implements the replicated sequence that backs every
// collaborative document, plus a linear revision-checked mode for
// turn-based documents.
package document

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

type Option func(*Document)

// WithLogger sets the logger used for operations discarded while flushing
// the causal buffer.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Document is one replica of a replicated sequence (RGA). Elements are kept
// in document order in a flat slice, tombstones included.
//
// Mutations are exclusive; reads may run concurrently with each other.
type Document struct {
	mu       sync.RWMutex
	id       string
	actor    ActorID
	elements []*Element
	byID     map[ElementID]*Element
	vector   VersionVector
	clock    uint64
	pending  *causalBuffer
	logger   *slog.Logger
}

func New(id string, actor ActorID, opts ...Option) *Document {
	d := &Document{
		id:      id,
		actor:   actor,
		byID:    make(map[ElementID]*Element),
		vector:  make(VersionVector),
		pending: newCausalBuffer(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Document) ID() string     { return d.id }
func (d *Document) Actor() ActorID { return d.actor }

// ApplyLocal stamps an unstamped insert or delete with this replica's actor,
// next counter and Lamport clock, applies it, and returns the stamped
// operation for broadcast.
func (d *Document) ApplyLocal(op Operation) (Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyLocal(op)
}

// ApplyRemote merges an operation authored elsewhere. It is idempotent and
// order-insensitive. Operations referencing an element that has not arrived
// are buffered and a *DependencyError is returned; they apply automatically
// once the dependency is integrated. Malformed operations return a
// *MergeError and leave the document untouched.
func (d *Document) ApplyRemote(op Operation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.applyRemote(op); err != nil {
		return err
	}
	if op.Kind == OpInsert {
		d.flush(op.ID())
	}
	return nil
}

// Replay applies a batch produced by Diff: stamped operations merge as
// remote operations, unstamped ones are stamped locally. It returns the
// stamped form of every operation applied.
func (d *Document) Replay(ops []Operation) ([]Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if op.Stamped() {
			if err := d.applyRemote(op); err != nil {
				return out, fmt.Errorf("replay %s: %w", op.ID(), err)
			}
			if op.Kind == OpInsert {
				d.flush(op.ID())
			}
			out = append(out, op.clone())
			continue
		}
		stamped, err := d.applyLocal(op)
		if err != nil {
			return out, fmt.Errorf("replay local %s: %w", op.Kind, err)
		}
		out = append(out, stamped)
	}
	return out, nil
}

// InsertAt inserts value so that it becomes the visible element at pos.
func (d *Document) InsertAt(pos int, value string) (Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	anchor, err := d.anchorFor(pos)
	if err != nil {
		return Operation{}, err
	}
	return d.applyLocal(Insert(anchor, value))
}

// InsertText inserts one element per rune of text starting at pos.
func (d *Document) InsertText(pos int, text string) ([]Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	anchor, err := d.anchorFor(pos)
	if err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(text))
	for _, r := range text {
		op, err := d.applyLocal(Insert(anchor, string(r)))
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
		anchor = op.ID()
	}
	return ops, nil
}

// DeleteAt tombstones the visible element at pos.
func (d *Document) DeleteAt(pos int) (Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	target := d.visibleAt(pos)
	if target == nil {
		return Operation{}, fmt.Errorf("delete at %d: %w", pos, ErrOutOfRange)
	}
	return d.applyLocal(Delete(target.ID))
}

// DeleteRange tombstones length visible elements starting at pos.
func (d *Document) DeleteRange(pos, length int) ([]Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	targets := make([]ElementID, 0, length)
	for i := 0; i < length; i++ {
		target := d.visibleAt(pos + i)
		if target == nil {
			return nil, fmt.Errorf("delete range %d+%d: %w", pos, length, ErrOutOfRange)
		}
		targets = append(targets, target.ID)
	}
	ops := make([]Operation, 0, length)
	for _, target := range targets {
		op, err := d.applyLocal(Delete(target))
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Content returns copies of the visible elements in document order.
func (d *Document) Content() []Element {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Element, 0, len(d.elements))
	for _, e := range d.elements {
		if !e.Deleted {
			out = append(out, *e)
		}
	}
	return out
}

// Text concatenates the visible element values.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var b strings.Builder
	for _, e := range d.elements {
		if !e.Deleted {
			b.WriteString(e.Value)
		}
	}
	return b.String()
}

// Len is the number of visible elements.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, e := range d.elements {
		if !e.Deleted {
			n++
		}
	}
	return n
}

func (d *Document) VersionVector() VersionVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vector.Clone()
}

// Clock is the highest Lamport clock this replica has seen.
func (d *Document) Clock() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clock
}

func (d *Document) Element(id ElementID) (Element, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byID[id]
	if !ok {
		return Element{}, false
	}
	return *e, true
}

// Known reports whether op would change nothing: its element is already
// integrated, or its delete target is already a tombstone.
func (d *Document) Known(op Operation) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch op.Kind {
	case OpInsert:
		_, ok := d.byID[op.ID()]
		return ok
	case OpDelete:
		e, ok := d.byID[op.Target]
		return ok && e.Deleted
	}
	return false
}

// Pending is the number of buffered operations.
func (d *Document) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pending.size()
}

// Missing lists the element ids buffered operations are waiting on.
func (d *Document) Missing() []ElementID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pending.missing()
}

func (d *Document) applyLocal(op Operation) (Operation, error) {
	switch op.Kind {
	case OpInsert:
		if op.Value == "" {
			return Operation{}, malformed(op, "empty value")
		}
		if !op.After.IsZero() {
			if _, ok := d.byID[op.After]; !ok {
				return Operation{}, malformed(op, "unknown anchor %s", op.After)
			}
		}
	case OpDelete:
		if op.Target.IsZero() {
			return Operation{}, malformed(op, "cannot delete head")
		}
		if _, ok := d.byID[op.Target]; !ok {
			return Operation{}, malformed(op, "unknown target %s", op.Target)
		}
	default:
		return Operation{}, malformed(op, "kind %q not supported on a replicated document", op.Kind)
	}

	op.DocumentID = d.id
	op.Actor = d.actor
	op.Deps = d.vector.Clone()
	op.Counter = d.vector[d.actor] + 1
	op.Clock = d.clock + 1

	switch op.Kind {
	case OpInsert:
		d.integrate(op)
	case OpDelete:
		d.byID[op.Target].Deleted = true
	}
	d.observe(op)
	return op.clone(), nil
}

func (d *Document) applyRemote(op Operation) error {
	if err := validate(op); err != nil {
		return err
	}

	switch op.Kind {
	case OpInsert:
		if existing, ok := d.byID[op.ID()]; ok {
			if existing.Value != op.Value || existing.Origin != op.After || existing.Clock != op.Clock {
				return malformed(op, "element id reused with a different payload")
			}
			d.observe(op)
			return nil
		}
		if !op.After.IsZero() {
			origin, ok := d.byID[op.After]
			if !ok {
				d.pending.hold(op.After, op)
				return &DependencyError{Op: op, Missing: op.After}
			}
			if op.Clock <= origin.Clock {
				return malformed(op, "clock %d does not follow anchor clock %d", op.Clock, origin.Clock)
			}
		}
		d.integrate(op)
	case OpDelete:
		target, ok := d.byID[op.Target]
		if !ok {
			d.pending.hold(op.Target, op)
			return &DependencyError{Op: op, Missing: op.Target}
		}
		target.Deleted = true
	}
	d.observe(op)
	return nil
}

// flush applies every buffered operation unblocked by the arrival of id,
// following chains of inserts.
func (d *Document) flush(id ElementID) {
	queue := []ElementID{id}
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		for _, op := range d.pending.release(dep) {
			if err := d.applyRemote(op); err != nil {
				if !errors.Is(err, ErrCausalDependencyMissing) {
					d.logger.Warn("document: discarded buffered operation", "doc", d.id, "op", op.ID().String(), "err", err)
				}
				continue
			}
			if op.Kind == OpInsert {
				queue = append(queue, op.ID())
			}
		}
	}
}

func validate(op Operation) error {
	if !op.Stamped() {
		return malformed(op, "missing author or counter")
	}
	if op.Clock == 0 {
		return malformed(op, "missing clock")
	}
	switch op.Kind {
	case OpInsert:
		if op.Value == "" {
			return malformed(op, "empty value")
		}
		if op.After == op.ID() {
			return malformed(op, "element inserted after itself")
		}
	case OpDelete:
		if op.Target.IsZero() {
			return malformed(op, "cannot delete head")
		}
	default:
		return malformed(op, "kind %q not supported on a replicated document", op.Kind)
	}
	return nil
}

// integrate places a new element: right of its origin, skipping siblings
// (and their subtrees) that sort before it.
func (d *Document) integrate(op Operation) {
	elem := &Element{ID: op.ID(), Origin: op.After, Clock: op.Clock, Value: op.Value}
	pos := 0
	if !op.After.IsZero() {
		pos = d.indexOf(op.After) + 1
	}
	for pos < len(d.elements) && d.elements[pos].precedes(elem) {
		pos++
	}
	d.elements = append(d.elements, nil)
	copy(d.elements[pos+1:], d.elements[pos:])
	d.elements[pos] = elem
	d.byID[elem.ID] = elem
}

func (d *Document) observe(op Operation) {
	d.vector.Observe(op.Actor, op.Counter)
	if op.Clock > d.clock {
		d.clock = op.Clock
	}
}

func (d *Document) indexOf(id ElementID) int {
	for i, e := range d.elements {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (d *Document) visibleAt(pos int) *Element {
	if pos < 0 {
		return nil
	}
	n := 0
	for _, e := range d.elements {
		if e.Deleted {
			continue
		}
		if n == pos {
			return e
		}
		n++
	}
	return nil
}

// anchorFor returns the element a new insert at visible position pos goes
// after.
func (d *Document) anchorFor(pos int) (ElementID, error) {
	if pos == 0 {
		return Head, nil
	}
	prev := d.visibleAt(pos - 1)
	if prev == nil {
		return Head, fmt.Errorf("insert at %d: %w", pos, ErrOutOfRange)
	}
	return prev.ID, nil
}
