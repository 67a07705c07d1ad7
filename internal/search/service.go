package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"collab/engine/internal/conflict"
	"collab/engine/internal/history"
)

// Service is the facade that tries Meilisearch first and falls back to a
// history scan.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured; fallback may be nil when no history is available.
func NewService(meili *Meili, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger.With("component", "search")}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to history scan", "err", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Warn("history scan error", "err", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSnapshot indexes a snapshot (fire-and-forget to Meilisearch).
func (s *Service) IndexSnapshot(_ context.Context, snap history.Snapshot) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := SnapshotRecordFrom(snap)
	go func() {
		if err := s.meili.IndexSnapshots([]SnapshotRecord{record}); err != nil {
			s.logger.Warn("index snapshot failed", "snapshot", snap.ShortID(), "err", err)
		}
	}()
}

// IndexConflict indexes a conflict record (fire-and-forget to Meilisearch).
func (s *Service) IndexConflict(c conflict.Conflict) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := ConflictRecordFrom(c)
	go func() {
		if err := s.meili.IndexConflicts([]ConflictRecord{record}); err != nil {
			s.logger.Warn("index conflict failed", "conflict", c.ID, "err", err)
		}
	}()
}

// Reindex pushes every stored snapshot of a document to Meilisearch.
func (s *Service) Reindex(ctx context.Context, m *history.Manager, documentID string) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	snaps, err := m.Snapshots(ctx, documentID)
	if err != nil {
		return fmt.Errorf("reindex %s: %w", documentID, err)
	}
	records := make([]SnapshotRecord, 0, len(snaps))
	for _, snap := range snaps {
		records = append(records, SnapshotRecordFrom(snap))
	}
	if err := s.meili.IndexSnapshots(records); err != nil {
		return fmt.Errorf("reindex %s: %w", documentID, err)
	}
	return nil
}

func SnapshotRecordFrom(snap history.Snapshot) SnapshotRecord {
	return SnapshotRecord{
		ID:         snap.ID,
		DocumentID: snap.DocumentID,
		Branch:     snap.Branch,
		Tag:        snap.Tag,
		Text:       snap.Text,
		Message:    snap.Message,
		CreatedBy:  string(snap.CreatedBy),
		CreatedAt:  snap.CreatedAt.Unix(),
	}
}

func ConflictRecordFrom(c conflict.Conflict) ConflictRecord {
	actors := make([]string, 0, len(c.Operations))
	seen := map[string]bool{}
	kinds := make([]string, 0, len(c.Operations))
	for _, op := range c.Operations {
		if !seen[string(op.Actor)] {
			seen[string(op.Actor)] = true
			actors = append(actors, string(op.Actor))
		}
		kinds = append(kinds, string(op.Kind))
	}
	return ConflictRecord{
		ID:         c.ID,
		DocumentID: c.DocumentID,
		Strategy:   string(c.Strategy),
		Detection:  c.Detection,
		Actors:     actors,
		Winner:     string(c.Winner),
		Resolved:   c.Resolved,
		Summary:    fmt.Sprintf("%s edited the same content (%s)", strings.Join(actors, " and "), strings.Join(kinds, "/")),
		CreatedAt:  c.CreatedAt.Unix(),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
