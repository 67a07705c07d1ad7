package document

import (
	"errors"
	"strings"
)

// State is a detached copy of a replica: every element in document order
// (tombstones included), the version vector and the Lamport clock.
type State struct {
	DocumentID string        `json:"document_id"`
	Elements   []Element     `json:"elements"`
	Vector     VersionVector `json:"vector"`
	Clock      uint64        `json:"clock"`
}

// State captures the document. The copy shares nothing with the live
// replica, so callers may hold it while edits continue.
func (d *Document) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	elements := make([]Element, len(d.elements))
	for i, e := range d.elements {
		elements[i] = *e
	}
	return State{
		DocumentID: d.id,
		Elements:   elements,
		Vector:     d.vector.Clone(),
		Clock:      d.clock,
	}
}

func (s State) Text() string {
	var b strings.Builder
	for _, e := range s.Elements {
		if !e.Deleted {
			b.WriteString(e.Value)
		}
	}
	return b.String()
}

// Visible counts live elements.
func (s State) Visible() int {
	n := 0
	for _, e := range s.Elements {
		if !e.Deleted {
			n++
		}
	}
	return n
}

func (s State) Tombstones() int {
	return len(s.Elements) - s.Visible()
}

// Restore rebuilds a replica for actor from a captured state.
func Restore(state State, actor ActorID, opts ...Option) *Document {
	d := New(state.DocumentID, actor, opts...)
	d.elements = make([]*Element, 0, len(state.Elements))
	for _, e := range state.Elements {
		elem := e
		d.elements = append(d.elements, &elem)
		d.byID[elem.ID] = &elem
	}
	if state.Vector != nil {
		d.vector = state.Vector.Clone()
	}
	d.clock = state.Clock
	return d
}

// Merge folds another replica's state into this one: the union of elements,
// tombstones OR-ed, vectors merged. Elements that cannot be integrated are
// reported and skipped; the rest still merge.
func (d *Document) Merge(state State) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	var added []ElementID
	for _, e := range state.Elements {
		op := Operation{
			Kind:    OpInsert,
			Actor:   e.ID.Actor,
			Counter: e.ID.Counter,
			Clock:   e.Clock,
			After:   e.Origin,
			Value:   e.Value,
		}
		_, existed := d.byID[e.ID]
		if err := d.applyRemote(op); err != nil {
			errs = append(errs, err)
			continue
		}
		if !existed {
			added = append(added, e.ID)
		}
	}
	for _, e := range state.Elements {
		if !e.Deleted {
			continue
		}
		if target, ok := d.byID[e.ID]; ok {
			target.Deleted = true
		}
	}
	d.vector.Merge(state.Vector)
	if state.Clock > d.clock {
		d.clock = state.Clock
	}
	for _, id := range added {
		d.flush(id)
	}
	return errors.Join(errs...)
}

// Diff returns the operations that turn from's visible content into to's.
//
// Elements of to that from never saw are replayed with their original
// identities (stamped). Elements visible in from but not in to are deleted.
// Elements tombstoned in from but visible in to cannot be revived, so they
// are re-inserted as fresh unstamped inserts after the nearest preceding
// surviving element, newest first so the run keeps its order. Apply the
// result with Document.Replay.
func Diff(from, to State) []Operation {
	known := make(map[ElementID]Element, len(from.Elements))
	for _, e := range from.Elements {
		known[e.ID] = e
	}
	inTo := make(map[ElementID]bool, len(to.Elements))

	var replays, fresh, deletes []Operation
	type run struct {
		anchor ElementID
		values []string
	}
	var runs []run
	anchor := Head
	for _, e := range to.Elements {
		inTo[e.ID] = true
		prev, seen := known[e.ID]
		switch {
		case !seen:
			replays = append(replays, Operation{
				DocumentID: to.DocumentID,
				Kind:       OpInsert,
				Actor:      e.ID.Actor,
				Counter:    e.ID.Counter,
				Clock:      e.Clock,
				After:      e.Origin,
				Value:      e.Value,
			})
			if e.Deleted {
				deletes = append(deletes, Delete(e.ID))
			}
			anchor = e.ID
		case prev.Deleted && !e.Deleted:
			if len(runs) == 0 || runs[len(runs)-1].anchor != anchor {
				runs = append(runs, run{anchor: anchor})
			}
			last := &runs[len(runs)-1]
			last.values = append(last.values, e.Value)
		default:
			if !prev.Deleted && e.Deleted {
				deletes = append(deletes, Delete(e.ID))
			}
			anchor = e.ID
		}
	}
	for _, r := range runs {
		for i := len(r.values) - 1; i >= 0; i-- {
			fresh = append(fresh, Insert(r.anchor, r.values[i]))
		}
	}
	for _, e := range from.Elements {
		if !e.Deleted && !inTo[e.ID] {
			deletes = append(deletes, Delete(e.ID))
		}
	}

	out := make([]Operation, 0, len(replays)+len(fresh)+len(deletes))
	out = append(out, replays...)
	out = append(out, fresh...)
	out = append(out, deletes...)
	for i := range out {
		out[i].DocumentID = to.DocumentID
	}
	return out
}
