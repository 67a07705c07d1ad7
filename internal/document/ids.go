package document

import (
	"fmt"
)

// ActorID identifies one participant (replica) editing a document.
type ActorID string

// ElementID is the globally unique identity of an element: the authoring
// actor plus that actor's operation counter. The zero value is Head, the
// virtual element every document starts with.
type ElementID struct {
	Actor   ActorID `json:"actor,omitempty"`
	Counter uint64  `json:"counter,omitempty"`
}

// Head is the sentinel that precedes the first element.
var Head = ElementID{}

func (id ElementID) IsZero() bool {
	return id.Actor == "" && id.Counter == 0
}

// Less orders ids by counter, then actor.
func (id ElementID) Less(other ElementID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Actor < other.Actor
}

func (id ElementID) String() string {
	if id.IsZero() {
		return "head"
	}
	return fmt.Sprintf("%s:%d", id.Actor, id.Counter)
}

// Element is one content unit of the replicated sequence. Elements are never
// removed; Delete only sets the tombstone flag.
type Element struct {
	ID      ElementID `json:"id"`
	Origin  ElementID `json:"origin"`
	Clock   uint64    `json:"clock"`
	Value   string    `json:"value"`
	Deleted bool      `json:"deleted,omitempty"`
}

// precedes reports whether e sorts before other among siblings sharing an
// origin: higher clock first, then higher actor.
func (e *Element) precedes(other *Element) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	if e.ID.Actor != other.ID.Actor {
		return e.ID.Actor > other.ID.Actor
	}
	return e.ID.Counter > other.ID.Counter
}
