package history

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"collab/engine/internal/document"
	"golang.org/x/crypto/blake2b"
)

type SnapshotOptions struct {
	Branch  string
	Tag     string
	Message string
	Actor   document.ActorID
}

// contentID addresses a snapshot by the hash of its serialised state.
func contentID(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func encodeState(state document.State) ([]byte, error) {
	content, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return content, nil
}

// Snapshot captures doc onto a branch. Capturing a state that is already
// stored returns the existing snapshot unchanged, apart from creating the
// requested branch or tag when they are missing.
func (m *Manager) Snapshot(ctx context.Context, doc Source, opts SnapshotOptions) (Snapshot, error) {
	return m.capture(ctx, doc.State(), opts, nil)
}

func (m *Manager) capture(ctx context.Context, state document.State, opts SnapshotOptions, extraParents []string) (Snapshot, error) {
	branch := opts.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	if err := validName(branch); err != nil {
		return Snapshot{}, err
	}
	if opts.Tag != "" {
		if err := validName(opts.Tag); err != nil {
			return Snapshot{}, err
		}
	}
	content, err := encodeState(state)
	if err != nil {
		return Snapshot{}, err
	}
	id := contentID(content)
	documentID := state.DocumentID

	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.loadSnapshot(ctx, documentID, id)
	if err == nil {
		moved, err := m.adopt(ctx, documentID, branch, existing)
		if err != nil {
			return Snapshot{}, err
		}
		if moved && existing.Branch == branch {
			// Stored by an earlier capture whose branch write failed.
			m.logger.Info("snapshot recovered", "doc", documentID, "snapshot", existing.ShortID(), "branch", branch)
			m.publish(ctx, existing)
		}
		if opts.Tag != "" {
			if err := m.tag(ctx, documentID, id, opts.Tag); err != nil && !errors.Is(err, ErrTagExists) {
				return Snapshot{}, err
			}
		}
		m.logger.Debug("snapshot unchanged", "doc", documentID, "snapshot", existing.ShortID(), "branch", branch)
		return existing, nil
	}
	if !errors.Is(err, ErrSnapshotNotFound) {
		return Snapshot{}, err
	}

	now := m.now().UTC()
	b, err := m.loadBranch(ctx, documentID, branch)
	switch {
	case errors.Is(err, ErrBranchNotFound):
		b = Branch{DocumentID: documentID, Name: branch, Base: id, CreatedAt: now}
	case err != nil:
		return Snapshot{}, err
	}

	var parents []string
	parentText := ""
	if b.Head != "" {
		parents = append(parents, b.Head)
		parent, err := m.loadSnapshot(ctx, documentID, b.Head)
		if err != nil {
			return Snapshot{}, err
		}
		parentText = parent.Text
	}
	for _, p := range extraParents {
		if p != "" && p != b.Head {
			parents = append(parents, p)
		}
	}

	text := state.Text()
	added, removed := countChanges(parentText, text)
	snap := Snapshot{
		ID:         id,
		DocumentID: documentID,
		Branch:     branch,
		Parents:    parents,
		Vector:     state.Vector.Clone(),
		Revision:   state.Clock,
		Content:    content,
		Text:       text,
		Tag:        opts.Tag,
		Message:    opts.Message,
		CreatedAt:  now,
		CreatedBy:  opts.Actor,
		Added:      added,
		Removed:    removed,
	}
	if err := m.putJSON(ctx, snapshotKey(documentID, id), snap); err != nil {
		return Snapshot{}, fmt.Errorf("store snapshot: %w", err)
	}
	b.Head = id
	b.UpdatedAt = now
	if err := m.putJSON(ctx, branchKey(documentID, branch), b); err != nil {
		m.logger.Warn("snapshot stored without branch head", "doc", documentID, "snapshot", snap.ShortID(), "branch", branch, "err", err)
		return Snapshot{}, fmt.Errorf("advance branch %s: %w", branch, err)
	}
	m.logger.Info("snapshot stored", "doc", documentID, "snapshot", snap.ShortID(), "branch", branch, "added", added, "removed", removed)
	m.publish(ctx, snap)

	if opts.Tag != "" {
		if err := m.tag(ctx, documentID, id, opts.Tag); err != nil {
			return Snapshot{}, err
		}
	}
	return snap, nil
}

// adopt points branch at an existing snapshot: a missing branch is created
// there, an existing one is fast-forwarded when the snapshot descends from
// its head. It reports whether the branch moved.
func (m *Manager) adopt(ctx context.Context, documentID, branch string, snap Snapshot) (bool, error) {
	b, err := m.loadBranch(ctx, documentID, branch)
	if errors.Is(err, ErrBranchNotFound) {
		now := m.now().UTC()
		err := m.putJSON(ctx, branchKey(documentID, branch), Branch{
			DocumentID: documentID,
			Name:       branch,
			Head:       snap.ID,
			Base:       snap.ID,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		return err == nil, err
	}
	if err != nil {
		return false, err
	}
	if b.Head == snap.ID {
		return false, nil
	}
	if err := m.advance(ctx, b, snap.ID); err != nil {
		return false, err
	}
	return true, nil
}

// advance moves a branch head forward. The new head must descend from the
// current one.
func (m *Manager) advance(ctx context.Context, b Branch, id string) error {
	ok, err := m.isAncestor(ctx, b.DocumentID, b.Head, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("branch %s head %.12s to %.12s: %w", b.Name, b.Head, id, ErrNotDescendant)
	}
	b.Head = id
	b.UpdatedAt = m.now().UTC()
	return m.putJSON(ctx, branchKey(b.DocumentID, b.Name), b)
}

// isAncestor reports whether ancestor is reachable from descendant through
// parent links. A snapshot is its own ancestor.
func (m *Manager) isAncestor(ctx context.Context, documentID, ancestor, descendant string) (bool, error) {
	if ancestor == "" || ancestor == descendant {
		return true, nil
	}
	seen := map[string]bool{descendant: true}
	queue := []string{descendant}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		snap, err := m.loadSnapshot(ctx, documentID, id)
		if err != nil {
			return false, err
		}
		for _, p := range snap.Parents {
			if p == ancestor {
				return true, nil
			}
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}

func (m *Manager) publish(ctx context.Context, snap Snapshot) {
	if m.mirror != nil {
		if err := m.mirror.MirrorSnapshot(snap); err != nil {
			m.logger.Warn("snapshot mirror failed", "doc", snap.DocumentID, "snapshot", snap.ShortID(), "err", err)
		}
	}
	if m.indexer != nil {
		m.indexer.IndexSnapshot(ctx, snap)
	}
}

// Branch forks a new branch at an existing snapshot.
func (m *Manager) Branch(ctx context.Context, documentID, fromSnapshotID, name string) (Branch, error) {
	if err := validName(name); err != nil {
		return Branch{}, err
	}
	from, err := m.Get(ctx, documentID, fromSnapshotID)
	if err != nil {
		return Branch{}, err
	}

	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.loadBranch(ctx, documentID, name); err == nil {
		return Branch{}, fmt.Errorf("branch %s: %w", name, ErrBranchExists)
	} else if !errors.Is(err, ErrBranchNotFound) {
		return Branch{}, err
	}
	now := m.now().UTC()
	b := Branch{
		DocumentID: documentID,
		Name:       name,
		Head:       from.ID,
		Base:       from.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.putJSON(ctx, branchKey(documentID, name), b); err != nil {
		return Branch{}, fmt.Errorf("create branch %s: %w", name, err)
	}
	m.logger.Info("branch created", "doc", documentID, "branch", name, "snapshot", from.ShortID())
	return b, nil
}

// Tag names a snapshot. Re-tagging the same snapshot is a no-op; moving a
// tag to another snapshot fails with ErrTagExists.
func (m *Manager) Tag(ctx context.Context, documentID, snapshotID, name string) (Tag, error) {
	if err := validName(name); err != nil {
		return Tag{}, err
	}
	snap, err := m.Get(ctx, documentID, snapshotID)
	if err != nil {
		return Tag{}, err
	}

	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.tag(ctx, documentID, snap.ID, name); err != nil {
		return Tag{}, err
	}
	return m.loadTag(ctx, documentID, name)
}

func (m *Manager) tag(ctx context.Context, documentID, snapshotID, name string) error {
	existing, err := m.loadTag(ctx, documentID, name)
	if err == nil {
		if existing.SnapshotID == snapshotID {
			return nil
		}
		return fmt.Errorf("tag %s: %w", name, ErrTagExists)
	}
	if !errors.Is(err, ErrTagNotFound) {
		return err
	}
	t := Tag{DocumentID: documentID, Name: name, SnapshotID: snapshotID, CreatedAt: m.now().UTC()}
	if err := m.putJSON(ctx, tagKey(documentID, name), t); err != nil {
		return fmt.Errorf("store tag %s: %w", name, err)
	}
	if m.mirror != nil {
		if err := m.mirror.MirrorTag(documentID, snapshotID, name); err != nil {
			m.logger.Warn("tag mirror failed", "doc", documentID, "tag", name, "err", err)
		}
	}
	return nil
}

// Merge folds the head of source into target. The result is the CRDT merge
// of both heads, stored as a snapshot on target with both heads as parents.
// When source is already contained in target the target head is returned.
func (m *Manager) Merge(ctx context.Context, documentID, source, target string, actor document.ActorID) (Snapshot, error) {
	if target == "" {
		target = DefaultBranch
	}
	src, err := m.loadBranch(ctx, documentID, source)
	if err != nil {
		return Snapshot{}, err
	}
	dst, err := m.loadBranch(ctx, documentID, target)
	if err != nil {
		return Snapshot{}, err
	}
	contained, err := m.isAncestor(ctx, documentID, src.Head, dst.Head)
	if err != nil {
		return Snapshot{}, err
	}
	if contained {
		return m.loadSnapshot(ctx, documentID, dst.Head)
	}

	srcSnap, err := m.loadSnapshot(ctx, documentID, src.Head)
	if err != nil {
		return Snapshot{}, err
	}
	dstSnap, err := m.loadSnapshot(ctx, documentID, dst.Head)
	if err != nil {
		return Snapshot{}, err
	}
	srcState, err := srcSnap.State()
	if err != nil {
		return Snapshot{}, err
	}
	dstState, err := dstSnap.State()
	if err != nil {
		return Snapshot{}, err
	}

	merged := document.Restore(dstState, actor, document.WithLogger(m.logger))
	if err := merged.Merge(srcState); err != nil {
		return Snapshot{}, fmt.Errorf("merge %s into %s: %w", source, target, err)
	}
	snap, err := m.capture(ctx, merged.State(), SnapshotOptions{
		Branch:  target,
		Message: fmt.Sprintf("merge %s into %s", source, target),
		Actor:   actor,
	}, []string{src.Head})
	if err != nil {
		return Snapshot{}, err
	}
	m.logger.Info("branch merged", "doc", documentID, "source", source, "target", target, "snapshot", snap.ShortID())
	return snap, nil
}

func sortNewestFirst(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})
}
