// Package conflict classifies concurrent operations and resolves the ones
// that touch the same region.
package conflict

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"collab/engine/internal/document"

	"github.com/google/uuid"
)

type Classification int

const (
	Independent Classification = iota
	Conflicting
)

func (c Classification) String() string {
	if c == Conflicting {
		return "conflicting"
	}
	return "independent"
}

// Strategy decides which side of a conflict is reported as the winner.
type Strategy string

const (
	TimestampOrder Strategy = "timestamp_order"
	UserPriority   Strategy = "user_priority"
	Merge          Strategy = "merge"
	// Manual leaves the conflict unresolved until MarkResolved is called.
	Manual Strategy = "manual"
)

var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrMixedOperations  = errors.New("cannot compare replicated and linear operations")
)

// TransformRecord keeps one step of operational transformation applied while
// resolving a conflict.
type TransformRecord struct {
	Original    document.Operation `json:"original"`
	Transformed document.Operation `json:"transformed"`
	At          time.Time          `json:"at"`
}

// Conflict is a recorded pair of overlapping operations.
type Conflict struct {
	ID              string               `json:"id"`
	DocumentID      string               `json:"document_id"`
	Operations      []document.Operation `json:"operations"`
	Strategy        Strategy             `json:"strategy"`
	Detection       string               `json:"detection"`
	Winner          document.ActorID     `json:"winner,omitempty"`
	Resolved        bool                 `json:"resolved"`
	Resolution      []document.Operation `json:"resolution,omitempty"`
	Transformations []TransformRecord    `json:"transformations,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	ResolvedAt      time.Time            `json:"resolved_at,omitempty"`
}

// Outcome is the result of Resolve. On the replicated path it is advisory:
// the merged order is already fixed by the document. On the linear path
// APrime and BPrime are the transformed operations.
type Outcome struct {
	Classification Classification
	Advisory       bool
	Winner         document.ActorID
	Notice         string
	APrime         document.Operation
	BPrime         document.Operation
	Conflict       *Conflict
}

type Options struct {
	DocumentID string
	Strategy   Strategy
	Logger     *slog.Logger
	Now        func() time.Time
}

type Resolver struct {
	mu         sync.Mutex
	documentID string
	strategy   Strategy
	priorities map[document.ActorID]int
	conflicts  map[string]*Conflict
	order      []string
	logger     *slog.Logger
	now        func() time.Time
}

func New(opts Options) *Resolver {
	r := &Resolver{
		documentID: opts.DocumentID,
		strategy:   opts.Strategy,
		priorities: make(map[document.ActorID]int),
		conflicts:  make(map[string]*Conflict),
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if r.strategy == "" {
		r.strategy = TimestampOrder
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// SetUserPriority sets an actor's priority for the UserPriority strategy;
// higher wins.
func (r *Resolver) SetUserPriority(actor document.ActorID, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priorities[actor] = priority
}

func (r *Resolver) Priority(actor document.ActorID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.priorities[actor]
}

// Classify reports whether a and b conflict: their affected ranges overlap
// or one causally depends on the other.
func (r *Resolver) Classify(a, b document.Operation) Classification {
	if replicated(a) && replicated(b) {
		if dependsOn(a, b) || dependsOn(b, a) || elementsOverlap(a, b) {
			return Conflicting
		}
		return Independent
	}
	if positionsOverlap(a, b) {
		return Conflicting
	}
	return Independent
}

// Concurrent reports whether neither replicated operation had seen the
// other when it was authored.
func Concurrent(a, b document.Operation) bool {
	return !dependsOn(a, b) && !dependsOn(b, a)
}

// Resolve classifies a and b and resolves them. Conflicting pairs are
// recorded and can be listed with Unresolved or Conflicts.
func (r *Resolver) Resolve(a, b document.Operation) (Outcome, error) {
	switch {
	case replicated(a) && replicated(b):
		return r.resolveReplicated(a, b), nil
	case !replicated(a) && !replicated(b):
		return r.resolveLinear(a, b)
	default:
		return Outcome{}, fmt.Errorf("resolve %s/%s: %w", a.Kind, b.Kind, ErrMixedOperations)
	}
}

func (r *Resolver) resolveReplicated(a, b document.Operation) Outcome {
	out := Outcome{Classification: r.Classify(a, b), Advisory: true}
	if out.Classification == Independent {
		return out
	}
	out.Winner = r.winner(a, b)
	out.Notice = fmt.Sprintf("%s and %s edited the same place", a.Actor, b.Actor)
	out.Conflict = r.record([]document.Operation{a, b}, "element_overlap", out.Winner, nil)
	return out
}

func (r *Resolver) resolveLinear(a, b document.Operation) (Outcome, error) {
	for _, op := range []document.Operation{a, b} {
		switch op.Kind {
		case document.OpInsert, document.OpDelete, document.OpRetain:
		default:
			return Outcome{}, fmt.Errorf("resolve: kind %q: %w", op.Kind, document.ErrMalformedOperation)
		}
	}
	out := Outcome{
		Classification: r.Classify(a, b),
		APrime:         Transform(a, b),
		BPrime:         Transform(b, a),
	}
	if out.Classification == Independent {
		return out, nil
	}
	now := r.now()
	out.Winner = r.winner(a, b)
	out.Notice = fmt.Sprintf("%s and %s edited the same range", a.Actor, b.Actor)
	out.Conflict = r.record([]document.Operation{a, b}, "position_overlap", out.Winner, []TransformRecord{
		{Original: a, Transformed: out.APrime, At: now},
		{Original: b, Transformed: out.BPrime, At: now},
	})
	return out, nil
}

// Detect records every conflicting pair among ops.
func (r *Resolver) Detect(ops []document.Operation) []Conflict {
	var found []Conflict
	for i := 0; i < len(ops); i++ {
		for j := i + 1; j < len(ops); j++ {
			if r.Classify(ops[i], ops[j]) != Conflicting {
				continue
			}
			detection := "position_overlap"
			if replicated(ops[i]) {
				detection = "element_overlap"
			}
			c := r.record([]document.Operation{ops[i], ops[j]}, detection, r.winner(ops[i], ops[j]), nil)
			found = append(found, *c)
		}
	}
	return found
}

// MarkResolved closes a conflict, typically one left open by Manual.
func (r *Resolver) MarkResolved(id string, resolution []document.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return fmt.Errorf("mark resolved %s: %w", id, ErrConflictNotFound)
	}
	c.Resolved = true
	c.Resolution = append([]document.Operation(nil), resolution...)
	c.ResolvedAt = r.now()
	return nil
}

// Unresolved lists open conflicts, oldest first.
func (r *Resolver) Unresolved() []Conflict {
	return r.list(func(c *Conflict) bool { return !c.Resolved })
}

// Conflicts lists every recorded conflict, oldest first.
func (r *Resolver) Conflicts() []Conflict {
	return r.list(func(*Conflict) bool { return true })
}

func (r *Resolver) list(keep func(*Conflict) bool) []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, 0, len(r.order))
	for _, id := range r.order {
		if c := r.conflicts[id]; keep(c) {
			out = append(out, *c)
		}
	}
	return out
}

func (r *Resolver) record(ops []document.Operation, detection string, winner document.ActorID, transforms []TransformRecord) *Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	c := &Conflict{
		ID:              uuid.NewString(),
		DocumentID:      r.documentID,
		Operations:      ops,
		Strategy:        r.strategy,
		Detection:       detection,
		Winner:          winner,
		Transformations: transforms,
		CreatedAt:       now,
	}
	if r.strategy != Manual {
		c.Resolved = true
		c.ResolvedAt = now
	}
	r.conflicts[c.ID] = c
	r.order = append(r.order, c.ID)
	r.logger.Debug("conflict: recorded", "doc", r.documentID, "conflict", c.ID, "strategy", string(c.Strategy), "winner", string(winner))
	copied := *c
	return &copied
}

// winner picks the side reported as prevailing. For replicated operations
// under TimestampOrder and Merge it matches the document's sibling order.
func (r *Resolver) winner(a, b document.Operation) document.ActorID {
	if r.strategy == UserPriority {
		r.mu.Lock()
		pa, pb := r.priorities[a.Actor], r.priorities[b.Actor]
		r.mu.Unlock()
		if pa != pb {
			if pa > pb {
				return a.Actor
			}
			return b.Actor
		}
	}
	ordered := []document.Operation{a, b}
	sort.SliceStable(ordered, func(i, j int) bool {
		x, y := ordered[i], ordered[j]
		if x.Clock != y.Clock {
			return x.Clock > y.Clock
		}
		return x.Actor > y.Actor
	})
	return ordered[0].Actor
}

// replicated reports whether op belongs to the replicated path. Replicated
// operations always carry a Lamport clock; linear ones never do.
func replicated(op document.Operation) bool {
	return op.Clock > 0
}

func dependsOn(a, b document.Operation) bool {
	return a.Deps != nil && b.Stamped() && a.Deps.Covers(b.ID())
}

func elementsOverlap(a, b document.Operation) bool {
	for _, x := range a.Affected() {
		for _, y := range b.Affected() {
			if x == y {
				return true
			}
		}
	}
	return false
}

func positionsOverlap(a, b document.Operation) bool {
	if a.Kind == document.OpRetain || b.Kind == document.OpRetain {
		return false
	}
	switch {
	case a.Kind == document.OpInsert && b.Kind == document.OpInsert:
		return a.Position == b.Position
	case a.Kind == document.OpInsert && b.Kind == document.OpDelete:
		return b.Position <= a.Position && a.Position <= b.Position+b.Length
	case a.Kind == document.OpDelete && b.Kind == document.OpInsert:
		return a.Position <= b.Position && b.Position <= a.Position+a.Length
	default:
		return a.Position < b.Position+b.Length && b.Position < a.Position+a.Length
	}
}
