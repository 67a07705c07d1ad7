package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"collab/engine/internal/bus"
	"collab/engine/internal/conflict"
	"collab/engine/internal/document"
	"collab/engine/internal/history"
	"collab/engine/internal/presence"
	"collab/engine/internal/replica"
	"collab/engine/internal/schema"
	"collab/engine/internal/search"
)

const (
	defaultSnapshotInterval = time.Minute
	maxRebaseAttempts       = 8
)

// Checker is a dependency probed by the readiness endpoint.
type Checker interface {
	Ping(ctx context.Context) error
}

type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

type Options struct {
	Actor            document.ActorID
	Bus              bus.Bus
	Codec            *schema.Codec
	History          *history.Manager
	Search           *search.Service
	PresenceMirror   presence.Mirror
	PresenceTimeout  time.Duration
	SweepInterval    time.Duration
	SnapshotPolicy   *history.Policy
	SnapshotInterval time.Duration
	Strategy         conflict.Strategy
	Checks           map[string]Checker
	Logger           *slog.Logger
}

// Service hosts the replicas of every open document on this process,
// together with their presence, history and snapshot schedule.
type Service struct {
	actor            document.ActorID
	bus              bus.Bus
	codec            *schema.Codec
	history          *history.Manager
	search           *search.Service
	presenceMirror   presence.Mirror
	presenceTimeout  time.Duration
	sweepInterval    time.Duration
	policy           *history.Policy
	snapshotInterval time.Duration
	strategy         conflict.Strategy
	logger           *slog.Logger
	baseLogger       *slog.Logger

	checksMu sync.RWMutex
	checks   map[string]Checker

	policyMu sync.RWMutex

	mu     sync.Mutex
	docs   map[string]*hosted
	linear map[string]*linearDoc
	closed bool

	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

type hosted struct {
	replica *replica.Replica
	cancel  context.CancelFunc
}

type linearDoc struct {
	doc      *document.Linear
	resolver *conflict.Resolver
}

func New(opts Options) (*Service, error) {
	if opts.Actor == "" {
		return nil, errors.New("app: actor is required")
	}
	if opts.Bus == nil || opts.Codec == nil || opts.History == nil {
		return nil, errors.New("app: bus, codec and history are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.SnapshotPolicy
	if policy == nil {
		compiled, err := history.CompilePolicy(history.DefaultPolicy)
		if err != nil {
			return nil, err
		}
		policy = compiled
	}
	interval := opts.SnapshotInterval
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	checks := make(map[string]Checker, len(opts.Checks))
	for name, c := range opts.Checks {
		checks[name] = c
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Service{
		actor:            opts.Actor,
		bus:              opts.Bus,
		codec:            opts.Codec,
		history:          opts.History,
		search:           opts.Search,
		presenceMirror:   opts.PresenceMirror,
		presenceTimeout:  opts.PresenceTimeout,
		sweepInterval:    opts.SweepInterval,
		policy:           policy,
		snapshotInterval: interval,
		strategy:         opts.Strategy,
		logger:           logger.With("component", "host", "actor", string(opts.Actor)),
		baseLogger:       logger,
		checks:           checks,
		docs:             make(map[string]*hosted),
		linear:           make(map[string]*linearDoc),
		lifetime:         lifetime,
		stop:             stop,
	}, nil
}

func (s *Service) Actor() document.ActorID { return s.actor }

// AddCheck registers a readiness probe, replacing any with the same name.
func (s *Service) AddCheck(name string, c Checker) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = c
}

// Open returns the live replica of documentID, restoring it from the head
// of the main branch and joining the bus on first use.
func (s *Service) Open(ctx context.Context, documentID string) (*replica.Replica, error) {
	if documentID == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_DOCUMENT", "document id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShuttingDown
	}
	if h, ok := s.docs[documentID]; ok {
		return h.replica, nil
	}

	logger := s.logger.With("doc", documentID)
	var doc *document.Document
	head, err := s.history.Head(ctx, documentID, history.DefaultBranch)
	switch {
	case err == nil:
		state, err := head.State()
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", documentID, err)
		}
		doc = document.Restore(state, s.actor, document.WithLogger(logger))
		logger.Info("document restored", "snapshot", head.ShortID(), "revision", head.Revision)
	case errors.Is(err, history.ErrBranchNotFound):
		doc = document.New(documentID, s.actor, document.WithLogger(logger))
	default:
		return nil, fmt.Errorf("load head of %s: %w", documentID, err)
	}

	tracker := presence.NewTracker(presence.Options{
		DocumentID:    documentID,
		Timeout:       s.presenceTimeout,
		SweepInterval: s.sweepInterval,
		Logger:        logger,
		Mirror:        s.presenceMirror,
	})
	var sink replica.ConflictSink
	if s.search != nil {
		sink = s.search
	}
	r, err := replica.New(replica.Options{
		DocumentID: documentID,
		Actor:      s.actor,
		Bus:        s.bus,
		Codec:      s.codec,
		Document:   doc,
		Resolver:   conflict.New(conflict.Options{DocumentID: documentID, Strategy: s.strategy, Logger: logger}),
		Presence:   tracker,
		Conflicts:  sink,
		Logger:     s.baseLogger,
	})
	if err != nil {
		return nil, err
	}

	docCtx, cancel := context.WithCancel(s.lifetime)
	if err := r.Start(docCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start replica %s: %w", documentID, err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		tracker.Run(docCtx)
	}()
	if _, err := r.Join(ctx); err != nil {
		logger.Warn("presence join failed", "err", err)
	}
	s.docs[documentID] = &hosted{replica: r, cancel: cancel}
	return r, nil
}

// Replica returns an open document without opening it.
func (s *Service) Replica(documentID string) (*replica.Replica, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", documentID, ErrDocumentNotOpen)
	}
	return h.replica, nil
}

// Documents lists the ids of open documents, sorted.
func (s *Service) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseDocument snapshots unsaved edits, announces departure and stops
// replicating documentID.
func (s *Service) CloseDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	h, ok := s.docs[documentID]
	delete(s.docs, documentID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", documentID, ErrDocumentNotOpen)
	}
	return s.release(ctx, h)
}

func (s *Service) release(ctx context.Context, h *hosted) error {
	defer h.cancel()
	var errs []error
	if err := s.flush(ctx, h.replica); err != nil {
		errs = append(errs, err)
	}
	if err := h.replica.Leave(ctx); err != nil {
		errs = append(errs, fmt.Errorf("leave %s: %w", h.replica.DocumentID(), err))
	}
	if err := h.replica.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// flush captures a snapshot when the document has edits past the head.
func (s *Service) flush(ctx context.Context, r *replica.Replica) error {
	metrics, err := s.history.Metrics(ctx, r.Document(), history.DefaultBranch)
	if err != nil {
		return err
	}
	if metrics.OpsSinceSnapshot == 0 {
		return nil
	}
	_, err = s.history.Snapshot(ctx, r.Document(), history.SnapshotOptions{Actor: s.actor, Message: "closing session"})
	return err
}

// Snapshot captures the current state of an open document.
func (s *Service) Snapshot(ctx context.Context, documentID string, opts history.SnapshotOptions) (history.Snapshot, error) {
	r, err := s.Replica(documentID)
	if err != nil {
		return history.Snapshot{}, err
	}
	if opts.Actor == "" {
		opts.Actor = s.actor
	}
	return s.history.Snapshot(ctx, r.Document(), opts)
}

// Revert brings an open document back to a snapshot's content with
// corrective operations and broadcasts them, so every replica converges on
// the reverted text.
func (s *Service) Revert(ctx context.Context, documentID, snapshotRef string) ([]document.Operation, error) {
	r, err := s.Replica(documentID)
	if err != nil {
		return nil, err
	}
	ops, err := s.history.Revert(ctx, r.Document(), snapshotRef)
	if len(ops) > 0 {
		if pubErr := r.Publish(ctx, ops...); pubErr != nil {
			err = errors.Join(err, pubErr)
		}
	}
	return ops, err
}

// Merge folds branch source into target on behalf of this host's actor.
func (s *Service) Merge(ctx context.Context, documentID, source, target string) (history.Snapshot, error) {
	return s.history.Merge(ctx, documentID, source, target, s.actor)
}

func (s *Service) History() *history.Manager { return s.history }

// Search queries snapshot and conflict history.
func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// SetSnapshotPolicy swaps the policy used by the snapshot loop.
func (s *Service) SetSnapshotPolicy(p *history.Policy) {
	if p == nil {
		return
	}
	s.policyMu.Lock()
	s.policy = p
	s.policyMu.Unlock()
	s.logger.Info("snapshot policy updated", "policy", p.String())
}

// SnapshotPolicy returns the policy currently in force.
func (s *Service) SnapshotPolicy() *history.Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// RunSnapshots checks every open document against the snapshot policy on
// each interval until ctx is done.
func (s *Service) RunSnapshots(ctx context.Context) {
	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()
	s.logger.Info("snapshot loop started", "interval", s.snapshotInterval.String(), "policy", s.SnapshotPolicy().String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.snapshotDue(ctx)
		}
	}
}

// snapshotDue captures every open document the policy says is due. It
// returns how many snapshots were taken.
func (s *Service) snapshotDue(ctx context.Context) int {
	s.mu.Lock()
	replicas := make([]*replica.Replica, 0, len(s.docs))
	for _, h := range s.docs {
		replicas = append(replicas, h.replica)
	}
	s.mu.Unlock()

	policy := s.SnapshotPolicy()
	taken := 0
	for _, r := range replicas {
		snap, ok, err := s.history.MaybeSnapshot(ctx, r.Document(), policy, history.SnapshotOptions{
			Actor:   s.actor,
			Message: "automatic snapshot",
		})
		if err != nil {
			s.logger.Warn("automatic snapshot failed", "doc", r.DocumentID(), "err", err)
			continue
		}
		if ok {
			taken++
			s.logger.Debug("automatic snapshot", "doc", r.DocumentID(), "snapshot", snap.ShortID())
		}
	}
	return taken
}

// SubmitLinear applies a positional operation to a server-ordered document.
// An operation written against an older revision is rebased over everything
// applied since and retried; overlapping edits are recorded as conflicts.
// It returns the operation as applied and the new revision.
func (s *Service) SubmitLinear(ctx context.Context, documentID string, op document.Operation) (document.Operation, uint64, error) {
	ld := s.linearDoc(documentID)
	for attempt := 0; attempt < maxRebaseAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return op, 0, err
		}
		rev, err := ld.doc.Apply(op)
		if err == nil {
			return op, rev, nil
		}
		if !errors.Is(err, document.ErrStaleRevision) {
			return op, rev, err
		}
		since, err := ld.doc.Since(op.Revision)
		if err != nil {
			return op, rev, err
		}
		for _, applied := range since {
			if _, err := ld.resolver.Resolve(op, applied); err != nil {
				s.logger.Warn("linear conflict not recorded", "doc", documentID, "err", err)
			}
		}
		if op, err = conflict.Rebase(op, since); err != nil {
			return op, rev, err
		}
	}
	return op, 0, fmt.Errorf("submit to %s: %w", documentID, ErrContention)
}

// LinearText returns the text of a server-ordered document and its
// revision.
func (s *Service) LinearText(documentID string) (string, uint64) {
	ld := s.linearDoc(documentID)
	return ld.doc.Text(), ld.doc.Revision()
}

// LinearConflicts lists conflicts recorded while rebasing submissions.
func (s *Service) LinearConflicts(documentID string) []conflict.Conflict {
	return s.linearDoc(documentID).resolver.Conflicts()
}

func (s *Service) linearDoc(documentID string) *linearDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	ld, ok := s.linear[documentID]
	if !ok {
		ld = &linearDoc{
			doc:      document.NewLinear(documentID, ""),
			resolver: conflict.New(conflict.Options{DocumentID: documentID, Strategy: s.strategy, Logger: s.logger}),
		}
		s.linear[documentID] = ld
	}
	return ld
}

// Readiness probes every registered check.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	s.checksMu.RLock()
	checks := make(map[string]Checker, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.checksMu.RUnlock()

	out := make(map[string]error, len(checks))
	for name, c := range checks {
		out[name] = c.Ping(ctx)
	}
	return out
}

// Ping reports the first failing readiness check.
func (s *Service) Ping(ctx context.Context) error {
	results := s.Readiness(ctx)
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := results[name]; err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Shutdown closes every open document and waits for background work.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	docs := s.docs
	s.docs = make(map[string]*hosted)
	s.mu.Unlock()

	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		if err := s.release(ctx, docs[id]); err != nil {
			s.logger.Warn("close document failed", "doc", id, "err", err)
			errs = append(errs, err)
		}
	}
	s.stop()
	s.wg.Wait()
	return errors.Join(errs...)
}
