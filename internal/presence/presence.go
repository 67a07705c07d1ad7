// Package presence tracks the ephemeral cursor, selection and activity
// state of every actor in a document.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"collab/engine/internal/document"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second

	StatusOnline = "online"
	StatusIdle   = "idle"
	StatusAway   = "away"

	// StatusOffline is broadcast when an actor leaves; receivers drop it.
	StatusOffline = "offline"
)

var (
	ErrPresenceRejected = errors.New("presence update rejected")
	ErrStalePresence    = errors.New("presence update is older than stored state")
	ErrNotFound         = errors.New("presence not found")
)

// RejectedError carries the reason a malformed update was refused.
type RejectedError struct {
	Actor  document.ActorID
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("presence update rejected for %q: %s", e.Actor, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrPresenceRejected
}

type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// State is the full presence of one actor. Every update replaces the
// previous state for that actor.
type State struct {
	Actor      document.ActorID `json:"actor_id"`
	DocumentID string           `json:"document_id,omitempty"`
	Cursor     *int             `json:"cursor,omitempty"`
	Selection  *Range           `json:"selection,omitempty"`
	Active     bool             `json:"active"`
	Typing     bool             `json:"typing,omitempty"`
	Status     string           `json:"status,omitempty"`
	Seq        uint64           `json:"seq,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (s State) clone() State {
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	if s.Selection != nil {
		r := *s.Selection
		s.Selection = &r
	}
	return s
}

// Validate reports whether the state is well formed.
func (s State) Validate() error {
	switch {
	case s.Actor == "":
		return &RejectedError{Actor: s.Actor, Reason: "missing actor"}
	case s.Cursor != nil && *s.Cursor < 0:
		return &RejectedError{Actor: s.Actor, Reason: fmt.Sprintf("negative cursor %d", *s.Cursor)}
	case s.Selection != nil && s.Selection.Start < 0:
		return &RejectedError{Actor: s.Actor, Reason: fmt.Sprintf("negative selection start %d", s.Selection.Start)}
	case s.Selection != nil && s.Selection.Start > s.Selection.End:
		return &RejectedError{Actor: s.Actor, Reason: fmt.Sprintf("selection start %d after end %d", s.Selection.Start, s.Selection.End)}
	}
	return nil
}

// Mirror persists presence outside the process so other hosts can read it.
type Mirror interface {
	Save(ctx context.Context, state State) error
	Delete(ctx context.Context, documentID string, actor document.ActorID) error
}

type Options struct {
	DocumentID    string
	Timeout       time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *slog.Logger
	Mirror        Mirror
}

type entry struct {
	state State
	// seen is the local receive time used for liveness, independent of the
	// sender's clock.
	seen time.Time
}

// Tracker holds the presence map for one document.
type Tracker struct {
	mu      sync.RWMutex
	states  map[document.ActorID]*entry
	seqs    map[document.ActorID]uint64
	docID   string
	timeout time.Duration
	sweep   time.Duration
	now     func() time.Time
	logger  *slog.Logger
	mirror  Mirror
}

func NewTracker(opts Options) *Tracker {
	t := &Tracker{
		states:  make(map[document.ActorID]*entry),
		seqs:    make(map[document.ActorID]uint64),
		docID:   opts.DocumentID,
		timeout: opts.Timeout,
		sweep:   opts.SweepInterval,
		now:     opts.Clock,
		logger:  opts.Logger,
		mirror:  opts.Mirror,
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	if t.sweep <= 0 {
		t.sweep = DefaultSweepInterval
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

func (t *Tracker) DocumentID() string     { return t.docID }
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Update records a local presence change for actor and returns the stamped
// state for broadcast.
func (t *Tracker) Update(actor document.ActorID, cursor *int, selection *Range, active bool) (State, error) {
	return t.local(State{
		Actor:     actor,
		Cursor:    cursor,
		Selection: selection,
		Active:    active,
		Status:    statusFor(active),
	})
}

// SetTyping flips the typing indicator while keeping the rest of the
// actor's current state.
func (t *Tracker) SetTyping(actor document.ActorID, typing bool) (State, error) {
	t.mu.RLock()
	var next State
	if e, ok := t.states[actor]; ok {
		next = e.state.clone()
	} else {
		next = State{Actor: actor, Active: true, Status: StatusOnline}
	}
	t.mu.RUnlock()
	next.Typing = typing
	return t.local(next)
}

// Join announces actor as present with no cursor yet.
func (t *Tracker) Join(actor document.ActorID) (State, error) {
	return t.local(State{Actor: actor, Active: true, Status: StatusOnline})
}

// Leave removes actor. It reports whether the actor was present.
func (t *Tracker) Leave(actor document.ActorID) bool {
	return t.Remove(actor)
}

func (t *Tracker) local(state State) (State, error) {
	if err := state.Validate(); err != nil {
		t.logger.Warn("presence rejected", "doc", t.docID, "actor", state.Actor, "err", err)
		return State{}, err
	}
	now := t.now()

	t.mu.Lock()
	seq := t.seqs[state.Actor] + 1
	if e, ok := t.states[state.Actor]; ok && e.state.Seq >= seq {
		seq = e.state.Seq + 1
	}
	t.seqs[state.Actor] = seq
	state.DocumentID = t.docID
	state.Seq = seq
	state.UpdatedAt = now
	t.states[state.Actor] = &entry{state: state.clone(), seen: now}
	t.mu.Unlock()

	t.save(state)
	return state.clone(), nil
}

// Apply records a presence update received from another replica. Updates
// older than the stored state for the same actor are refused with
// ErrStalePresence; a redelivered update is a no-op.
func (t *Tracker) Apply(state State) error {
	if err := state.Validate(); err != nil {
		t.logger.Warn("presence rejected", "doc", t.docID, "actor", state.Actor, "err", err)
		return err
	}
	if state.DocumentID != "" && t.docID != "" && state.DocumentID != t.docID {
		err := &RejectedError{Actor: state.Actor, Reason: fmt.Sprintf("document %q does not match %q", state.DocumentID, t.docID)}
		t.logger.Warn("presence rejected", "doc", t.docID, "actor", state.Actor, "err", err)
		return err
	}

	t.mu.Lock()
	if e, ok := t.states[state.Actor]; ok {
		if newer(e.state, state) {
			t.mu.Unlock()
			return fmt.Errorf("actor %s seq %d: %w", state.Actor, state.Seq, ErrStalePresence)
		}
		if e.state.Seq == state.Seq && e.state.UpdatedAt.Equal(state.UpdatedAt) {
			e.seen = t.now()
			t.mu.Unlock()
			return nil
		}
	}
	if state.Seq > t.seqs[state.Actor] {
		t.seqs[state.Actor] = state.Seq
	}
	t.states[state.Actor] = &entry{state: state.clone(), seen: t.now()}
	t.mu.Unlock()
	return nil
}

// newer reports whether stored strictly supersedes incoming.
func newer(stored, incoming State) bool {
	if stored.Seq != incoming.Seq {
		return stored.Seq > incoming.Seq
	}
	return stored.UpdatedAt.After(incoming.UpdatedAt)
}

// Get returns the presence of one actor.
func (t *Tracker) Get(actor document.ActorID) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.states[actor]
	if !ok {
		return State{}, false
	}
	return e.state.clone(), true
}

// Snapshot returns a copy of every actor's presence.
func (t *Tracker) Snapshot() map[document.ActorID]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[document.ActorID]State, len(t.states))
	for actor, e := range t.states {
		out[actor] = e.state.clone()
	}
	return out
}

// Actors returns the present actors in sorted order.
func (t *Tracker) Actors() []document.ActorID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	actors := make([]document.ActorID, 0, len(t.states))
	for actor := range t.states {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	return actors
}

// Remove drops actor's presence. It reports whether the actor was present.
func (t *Tracker) Remove(actor document.ActorID) bool {
	t.mu.Lock()
	_, ok := t.states[actor]
	delete(t.states, actor)
	t.mu.Unlock()
	if ok {
		t.delete(actor)
	}
	return ok
}

// Sweep evicts every actor not heard from within the liveness timeout and
// returns them in sorted order.
func (t *Tracker) Sweep(now time.Time) []document.ActorID {
	t.mu.Lock()
	var evicted []document.ActorID
	for actor, e := range t.states {
		if now.Sub(e.seen) > t.timeout {
			delete(t.states, actor)
			evicted = append(evicted, actor)
		}
	}
	t.mu.Unlock()

	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	for _, actor := range evicted {
		t.logger.Debug("presence expired", "doc", t.docID, "actor", actor)
		t.delete(actor)
	}
	return evicted
}

// Run sweeps on every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}

func (t *Tracker) save(state State) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.mirror.Save(ctx, state); err != nil {
		t.logger.Warn("presence mirror save failed", "doc", t.docID, "actor", state.Actor, "err", err)
	}
}

func (t *Tracker) delete(actor document.ActorID) {
	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.mirror.Delete(ctx, t.docID, actor); err != nil {
		t.logger.Warn("presence mirror delete failed", "doc", t.docID, "actor", actor, "err", err)
	}
}

func statusFor(active bool) string {
	if active {
		return StatusOnline
	}
	return StatusIdle
}
