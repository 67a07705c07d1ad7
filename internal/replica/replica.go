// Package replica binds one document replica to the message bus: local edits
// are applied and broadcast, and remote operations and presence updates are
// merged as they arrive.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"collab/engine/internal/bus"
	"collab/engine/internal/conflict"
	"collab/engine/internal/document"
	"collab/engine/internal/presence"
	"collab/engine/internal/schema"
)

const defaultWindow = 64

// ConflictSink receives every conflict noticed between concurrent edits.
type ConflictSink interface {
	IndexConflict(c conflict.Conflict)
}

type Options struct {
	DocumentID string
	Actor      document.ActorID
	Bus        bus.Bus
	Codec      *schema.Codec
	// Document is used instead of a fresh one, e.g. after restoring a
	// snapshot. Its id and actor must match.
	Document  *document.Document
	Resolver  *conflict.Resolver
	Presence  *presence.Tracker
	Conflicts ConflictSink
	Logger    *slog.Logger
	// Window bounds how many recent operations are compared against each
	// incoming one.
	Window int
	Clock  func() time.Time
}

// Stats counts what the replica has seen on the bus.
type Stats struct {
	Received   uint64
	Applied    uint64
	Duplicates uint64
	Buffered   uint64
	Rejected   uint64
	Conflicts  uint64
}

type Replica struct {
	docID     string
	actor     document.ActorID
	doc       *document.Document
	bus       bus.Bus
	codec     *schema.Codec
	resolver  *conflict.Resolver
	presence  *presence.Tracker
	conflicts ConflictSink
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	recent []document.Operation
	window int
	subs   []bus.Subscription
	done   chan struct{}
	stop   chan struct{}
	once   sync.Once

	received   atomic.Uint64
	applied    atomic.Uint64
	duplicates atomic.Uint64
	buffered   atomic.Uint64
	rejected   atomic.Uint64
	noticed    atomic.Uint64
}

func New(opts Options) (*Replica, error) {
	if opts.DocumentID == "" || opts.Actor == "" {
		return nil, fmt.Errorf("replica: document id and actor are required")
	}
	if opts.Bus == nil || opts.Codec == nil {
		return nil, fmt.Errorf("replica %s: bus and codec are required", opts.DocumentID)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "replica", "doc", opts.DocumentID, "actor", string(opts.Actor))

	doc := opts.Document
	if doc == nil {
		doc = document.New(opts.DocumentID, opts.Actor, document.WithLogger(logger))
	} else if doc.ID() != opts.DocumentID || doc.Actor() != opts.Actor {
		return nil, fmt.Errorf("replica %s: document belongs to %s/%s", opts.DocumentID, doc.ID(), doc.Actor())
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = conflict.New(conflict.Options{DocumentID: opts.DocumentID, Logger: logger})
	}
	tracker := opts.Presence
	if tracker == nil {
		tracker = presence.NewTracker(presence.Options{DocumentID: opts.DocumentID, Logger: logger})
	}
	window := opts.Window
	if window <= 0 {
		window = defaultWindow
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Replica{
		docID:     opts.DocumentID,
		actor:     opts.Actor,
		doc:       doc,
		bus:       opts.Bus,
		codec:     opts.Codec,
		resolver:  resolver,
		presence:  tracker,
		conflicts: opts.Conflicts,
		logger:    logger,
		now:       now,
		window:    window,
	}, nil
}

func (r *Replica) DocumentID() string           { return r.docID }
func (r *Replica) Actor() document.ActorID      { return r.actor }
func (r *Replica) Document() *document.Document { return r.doc }
func (r *Replica) Presence() *presence.Tracker  { return r.presence }
func (r *Replica) Resolver() *conflict.Resolver { return r.resolver }
func (r *Replica) Text() string                 { return r.doc.Text() }

func (r *Replica) VersionVector() document.VersionVector {
	return r.doc.VersionVector()
}

func (r *Replica) Stats() Stats {
	return Stats{
		Received:   r.received.Load(),
		Applied:    r.applied.Load(),
		Duplicates: r.duplicates.Load(),
		Buffered:   r.buffered.Load(),
		Rejected:   r.rejected.Load(),
		Conflicts:  r.noticed.Load(),
	}
}

// Start subscribes to the document's topics and merges incoming messages in
// the background until ctx is done or Close is called. Once Start returns,
// every message published afterwards is delivered.
func (r *Replica) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("replica %s: already started", r.docID)
	}
	r.mu.Unlock()

	ops, err := r.bus.Subscribe(ctx, bus.OpsTopic(r.docID))
	if err != nil {
		return fmt.Errorf("subscribe ops: %w", err)
	}
	pres, err := r.bus.Subscribe(ctx, bus.PresenceTopic(r.docID))
	if err != nil {
		_ = ops.Close()
		return fmt.Errorf("subscribe presence: %w", err)
	}

	done, stop := make(chan struct{}), make(chan struct{})
	r.mu.Lock()
	r.subs = []bus.Subscription{ops, pres}
	r.done = done
	r.stop = stop
	r.mu.Unlock()

	go r.loop(ctx, ops, pres, done, stop)
	r.logger.Info("replica started")
	return nil
}

// Run is Start followed by waiting for ctx.
func (r *Replica) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-r.Done()
	return nil
}

// Done is closed once the receive loop has exited.
func (r *Replica) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

// Close stops receiving. The document stays readable.
func (r *Replica) Close() error {
	r.mu.Lock()
	subs, stop := r.subs, r.stop
	r.subs = nil
	r.mu.Unlock()
	if stop != nil {
		r.once.Do(func() { close(stop) })
	}
	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Replica) loop(ctx context.Context, ops, pres bus.Subscription, done, stop chan struct{}) {
	defer close(done)
	defer r.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case msg, ok := <-ops.Messages():
			if !ok {
				return
			}
			r.handleOperation(msg.Payload)
		case msg, ok := <-pres.Messages():
			if !ok {
				return
			}
			r.handlePresence(msg.Payload)
		}
	}
}

func (r *Replica) handleOperation(payload []byte) {
	op, err := r.codec.DecodeOperation(payload)
	if err != nil {
		r.rejected.Add(1)
		r.logger.Warn("replica: undecodable operation", "err", err)
		return
	}
	if op.DocumentID != "" && op.DocumentID != r.docID {
		r.rejected.Add(1)
		r.logger.Warn("replica: operation for another document", "op_doc", op.DocumentID)
		return
	}
	if op.Actor == r.actor {
		return
	}
	r.received.Add(1)
	if err := r.Receive(op); err != nil {
		var depErr *document.DependencyError
		switch {
		case errors.As(err, &depErr):
			r.logger.Debug("replica: buffered operation", "op", op.ID().String(), "missing", depErr.Missing.String())
		case errors.Is(err, document.ErrMalformedOperation):
			r.logger.Warn("replica: rejected operation", "op", op.ID().String(), "err", err)
		default:
			r.logger.Error("replica: apply failed", "op", op.ID().String(), "err", err)
		}
	}
}

// Receive merges one remote operation and checks it against recent
// concurrent edits. Redelivered operations are ignored.
func (r *Replica) Receive(op document.Operation) error {
	dup := r.doc.Known(op)
	if err := r.doc.ApplyRemote(op); err != nil {
		var depErr *document.DependencyError
		if errors.As(err, &depErr) {
			r.buffered.Add(1)
		} else {
			r.rejected.Add(1)
		}
		return err
	}
	if dup {
		r.duplicates.Add(1)
		return nil
	}
	r.applied.Add(1)
	r.notice(op)
	return nil
}

// notice compares op with recent operations from other actors that it did
// not know about and reports the ones touching the same elements.
func (r *Replica) notice(op document.Operation) {
	r.mu.Lock()
	var peers []document.Operation
	for _, prev := range r.recent {
		if prev.Actor != op.Actor && conflict.Concurrent(prev, op) {
			peers = append(peers, prev)
		}
	}
	r.remember(op)
	r.mu.Unlock()

	for _, prev := range peers {
		out, err := r.resolver.Resolve(prev, op)
		if err != nil {
			r.logger.Warn("replica: resolve failed", "err", err)
			continue
		}
		if out.Classification != conflict.Conflicting || out.Conflict == nil {
			continue
		}
		r.noticed.Add(1)
		r.logger.Info("replica: concurrent edit", "conflict", out.Conflict.ID, "winner", string(out.Winner), "notice", out.Notice)
		if r.conflicts != nil {
			r.conflicts.IndexConflict(*out.Conflict)
		}
	}
}

// remember appends op to the recent window; r.mu must be held.
func (r *Replica) remember(op document.Operation) {
	r.recent = append(r.recent, op)
	if over := len(r.recent) - r.window; over > 0 {
		r.recent = append(r.recent[:0], r.recent[over:]...)
	}
}

func (r *Replica) handlePresence(payload []byte) {
	var state presence.State
	if err := r.codec.Decode(payload, schema.EventPresence, &state); err != nil {
		r.logger.Warn("replica: undecodable presence", "err", err)
		return
	}
	if state.Actor == r.actor {
		return
	}
	if state.Status == presence.StatusOffline {
		r.presence.Remove(state.Actor)
		return
	}
	if err := r.presence.Apply(state); err != nil && errors.Is(err, presence.ErrStalePresence) {
		r.logger.Debug("replica: stale presence", "peer", string(state.Actor), "seq", state.Seq)
	}
}

// Insert places value at visible position pos and broadcasts it.
func (r *Replica) Insert(ctx context.Context, pos int, value string) (document.Operation, error) {
	op, err := r.doc.InsertAt(pos, value)
	if err != nil {
		return document.Operation{}, err
	}
	return op, r.Publish(ctx, op)
}

// InsertText inserts text one rune per element and broadcasts the batch.
func (r *Replica) InsertText(ctx context.Context, pos int, text string) ([]document.Operation, error) {
	ops, err := r.doc.InsertText(pos, text)
	if err != nil {
		return nil, err
	}
	return ops, r.Publish(ctx, ops...)
}

func (r *Replica) Delete(ctx context.Context, pos int) (document.Operation, error) {
	op, err := r.doc.DeleteAt(pos)
	if err != nil {
		return document.Operation{}, err
	}
	return op, r.Publish(ctx, op)
}

func (r *Replica) DeleteRange(ctx context.Context, pos, length int) ([]document.Operation, error) {
	ops, err := r.doc.DeleteRange(pos, length)
	if err != nil {
		return nil, err
	}
	return ops, r.Publish(ctx, ops...)
}

// Publish broadcasts operations already applied to the local document, such
// as the corrective batch of a revert. The document keeps the edits even if
// publishing fails; peers catch up from a later snapshot or redelivery.
func (r *Replica) Publish(ctx context.Context, ops ...document.Operation) error {
	r.mu.Lock()
	for _, op := range ops {
		r.remember(op)
	}
	r.mu.Unlock()

	topic := bus.OpsTopic(r.docID)
	for _, op := range ops {
		payload, err := r.codec.EncodeOperation(op)
		if err != nil {
			return err
		}
		if err := r.bus.Publish(ctx, topic, payload); err != nil {
			r.logger.Warn("replica: publish failed", "op", op.ID().String(), "err", err)
			return fmt.Errorf("publish %s: %w", op.ID(), err)
		}
	}
	return nil
}

// UpdatePresence records this actor's cursor and selection and broadcasts
// the new state.
func (r *Replica) UpdatePresence(ctx context.Context, cursor *int, selection *presence.Range, active bool) (presence.State, error) {
	state, err := r.presence.Update(r.actor, cursor, selection, active)
	if err != nil {
		return presence.State{}, err
	}
	return state, r.publishPresence(ctx, state)
}

func (r *Replica) SetTyping(ctx context.Context, typing bool) (presence.State, error) {
	state, err := r.presence.SetTyping(r.actor, typing)
	if err != nil {
		return presence.State{}, err
	}
	return state, r.publishPresence(ctx, state)
}

func (r *Replica) Join(ctx context.Context) (presence.State, error) {
	state, err := r.presence.Join(r.actor)
	if err != nil {
		return presence.State{}, err
	}
	return state, r.publishPresence(ctx, state)
}

// Leave drops this actor from the local presence map and tells peers to do
// the same.
func (r *Replica) Leave(ctx context.Context) error {
	prev, _ := r.presence.Get(r.actor)
	r.presence.Leave(r.actor)
	return r.publishPresence(ctx, presence.State{
		Actor:      r.actor,
		DocumentID: r.docID,
		Status:     presence.StatusOffline,
		Seq:        prev.Seq + 1,
		UpdatedAt:  r.now(),
	})
}

func (r *Replica) publishPresence(ctx context.Context, state presence.State) error {
	payload, err := r.codec.Encode(schema.EventPresence, state)
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, bus.PresenceTopic(r.docID), payload); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}
