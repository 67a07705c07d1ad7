package history

import (
	"context"
	"fmt"
	"unicode/utf8"

	"collab/engine/internal/document"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff returns the operations that turn snapshot a's visible content into
// snapshot b's. Apply them with document.Document.Replay.
func (m *Manager) Diff(ctx context.Context, documentID, idA, idB string) ([]document.Operation, error) {
	a, err := m.Get(ctx, documentID, idA)
	if err != nil {
		return nil, err
	}
	b, err := m.Get(ctx, documentID, idB)
	if err != nil {
		return nil, err
	}
	from, err := a.State()
	if err != nil {
		return nil, err
	}
	to, err := b.State()
	if err != nil {
		return nil, err
	}
	return document.Diff(from, to), nil
}

// Revert brings live back to the visible content of a snapshot by applying
// corrective operations to it. History is not touched; the returned
// operations are meant for broadcast.
func (m *Manager) Revert(ctx context.Context, live *document.Document, toSnapshotID string) ([]document.Operation, error) {
	snap, err := m.Get(ctx, live.ID(), toSnapshotID)
	if err != nil {
		return nil, err
	}
	target, err := snap.State()
	if err != nil {
		return nil, err
	}
	ops := document.Diff(live.State(), target)
	if len(ops) == 0 {
		return nil, nil
	}
	applied, err := live.Replay(ops)
	if err != nil {
		return applied, fmt.Errorf("revert to %s: %w", snap.ShortID(), err)
	}
	m.logger.Info("document reverted", "doc", live.ID(), "snapshot", snap.ShortID(), "ops", len(applied))
	return applied, nil
}

// TextDiff renders the change between two snapshots as patch text.
func (m *Manager) TextDiff(ctx context.Context, documentID, idA, idB string) (string, error) {
	a, err := m.Get(ctx, documentID, idA)
	if err != nil {
		return "", err
	}
	b, err := m.Get(ctx, documentID, idB)
	if err != nil {
		return "", err
	}
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(a.Text, b.Text)
	return dmp.PatchToText(patches), nil
}

type ChangeKind int

const (
	Equal ChangeKind = iota
	Inserted
	Removed
)

type Change struct {
	Kind ChangeKind
	Text string
}

// Changes is a character diff of two texts, cleaned up for display.
func Changes(from, to string) []Change {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(from, to, false))
	out := make([]Change, 0, len(diffs))
	for _, d := range diffs {
		kind := Equal
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = Inserted
		case diffmatchpatch.DiffDelete:
			kind = Removed
		}
		out = append(out, Change{Kind: kind, Text: d.Text})
	}
	return out
}

// countChanges returns the number of runes added and removed going from one
// text to the other.
func countChanges(from, to string) (added, removed int) {
	if from == to {
		return 0, 0
	}
	dmp := diffmatchpatch.New()
	for _, d := range dmp.DiffMain(from, to, false) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += utf8.RuneCountInString(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += utf8.RuneCountInString(d.Text)
		}
	}
	return added, removed
}
