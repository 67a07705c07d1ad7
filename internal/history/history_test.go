package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"collab/engine/internal/document"
	"collab/engine/internal/storage"
	"github.com/google/go-cmp/cmp"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeMirror struct {
	snapshots []string
	tags      []string
	err       error
}

func (f *fakeMirror) MirrorSnapshot(snap Snapshot) error {
	f.snapshots = append(f.snapshots, snap.Branch+"@"+snap.ShortID())
	return f.err
}

func (f *fakeMirror) MirrorTag(_, snapshotID, name string) error {
	f.tags = append(f.tags, name+"@"+snapshotID[:12])
	return f.err
}

type fakeIndexer struct {
	indexed []string
}

func (f *fakeIndexer) IndexSnapshot(_ context.Context, snap Snapshot) {
	f.indexed = append(f.indexed, snap.ID)
}

func newTestManager(opts Options) *Manager {
	if opts.Clock == nil {
		clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		opts.Clock = clock.Now
	}
	return NewManager(storage.NewMemory(), opts)
}

func newDoc(t *testing.T, actor document.ActorID, text string) *document.Document {
	t.Helper()
	doc := document.New("doc-1", actor)
	if text != "" {
		if _, err := doc.InsertText(0, text); err != nil {
			t.Fatalf("InsertText() error = %v", err)
		}
	}
	return doc
}

func mustSnapshot(t *testing.T, m *Manager, doc Source, opts SnapshotOptions) Snapshot {
	t.Helper()
	snap, err := m.Snapshot(context.Background(), doc, opts)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return snap
}

func TestSnapshotIsContentAddressed(t *testing.T) {
	mirror := &fakeMirror{}
	indexer := &fakeIndexer{}
	m := newTestManager(Options{Mirror: mirror, Indexer: indexer})
	doc := newDoc(t, "alice", "hello")

	first := mustSnapshot(t, m, doc, SnapshotOptions{Actor: "alice"})
	if len(first.ID) != 64 {
		t.Fatalf("snapshot id %q is not a 256-bit hex digest", first.ID)
	}
	if first.Text != "hello" || first.Branch != DefaultBranch || first.Added != 5 || first.Removed != 0 {
		t.Fatalf("unexpected snapshot: %+v", first)
	}
	if first.Revision != doc.Clock() {
		t.Fatalf("Revision = %d, want %d", first.Revision, doc.Clock())
	}

	again := mustSnapshot(t, m, doc, SnapshotOptions{Actor: "bob"})
	if again.ID != first.ID || again.CreatedBy != "alice" {
		t.Fatalf("duplicate capture returned %+v", again)
	}

	all, err := m.Snapshots(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Snapshots() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one stored snapshot, got %d", len(all))
	}
	if len(mirror.snapshots) != 1 || len(indexer.indexed) != 1 {
		t.Fatalf("mirror/indexer called %d/%d times, want 1/1", len(mirror.snapshots), len(indexer.indexed))
	}

	state, err := first.State()
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if diff := cmp.Diff(doc.State(), state); diff != "" {
		t.Fatalf("stored state mismatch (-live +stored):\n%s", diff)
	}
}

func TestHistoryIsNewestFirst(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()
	doc := newDoc(t, "alice", "hello")

	s1 := mustSnapshot(t, m, doc, SnapshotOptions{})
	if _, err := doc.DeleteRange(0, 1); err != nil {
		t.Fatalf("DeleteRange() error = %v", err)
	}
	if _, err := doc.InsertText(0, "J"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	s2 := mustSnapshot(t, m, doc, SnapshotOptions{})
	if _, err := doc.InsertText(doc.Len(), "!"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	s3 := mustSnapshot(t, m, doc, SnapshotOptions{})

	if s2.Added != 1 || s2.Removed != 1 {
		t.Fatalf("s2 added/removed = %d/%d, want 1/1", s2.Added, s2.Removed)
	}
	if diff := cmp.Diff([]string{s2.ID}, s3.Parents); diff != "" {
		t.Fatalf("s3 parents mismatch (-want +got):\n%s", diff)
	}

	hist, err := m.History(ctx, "doc-1", "", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	var ids []string
	for _, s := range hist {
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]string{s3.ID, s2.ID, s1.ID}, ids); diff != "" {
		t.Fatalf("History() mismatch (-want +got):\n%s", diff)
	}

	limited, err := m.History(ctx, "doc-1", DefaultBranch, 2)
	if err != nil {
		t.Fatalf("History(limit) error = %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("History(limit) returned %d entries", len(limited))
	}

	if _, err := m.History(ctx, "doc-1", "missing", 0); !errors.Is(err, ErrBranchNotFound) {
		t.Fatalf("History(missing) error = %v", err)
	}
}

func TestRevertImmediatelyAfterSnapshotIsNoop(t *testing.T) {
	m := newTestManager(Options{})
	doc := newDoc(t, "alice", "stable")
	snap := mustSnapshot(t, m, doc, SnapshotOptions{})

	ops, err := m.Revert(context.Background(), doc, snap.ID)
	if err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	if len(ops) != 0 || doc.Text() != "stable" {
		t.Fatalf("Revert() produced %d ops, text %q", len(ops), doc.Text())
	}
}

func TestRevertAppendsCorrectiveOperations(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()
	doc := newDoc(t, "alice", "abc")
	snap := mustSnapshot(t, m, doc, SnapshotOptions{})

	if _, err := doc.DeleteRange(0, 3); err != nil {
		t.Fatalf("DeleteRange() error = %v", err)
	}
	if _, err := doc.InsertText(0, "zz"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	before := doc.VersionVector()
	peer := document.Restore(doc.State(), "bob")

	ops, err := m.Revert(ctx, doc, snap.ID[:10])
	if err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	if doc.Text() != "abc" {
		t.Fatalf("Text() after revert = %q, want abc", doc.Text())
	}
	if len(ops) != 5 {
		t.Fatalf("expected 3 re-inserts and 2 deletes, got %d ops", len(ops))
	}
	if got := doc.VersionVector().Compare(before); got != document.After {
		t.Fatalf("revert must move the document forward, got %v", got)
	}

	// A peer that only sees the broadcast converges too.
	for _, op := range ops {
		if err := peer.ApplyRemote(op); err != nil {
			t.Fatalf("ApplyRemote() error = %v", err)
		}
	}
	if peer.Text() != "abc" {
		t.Fatalf("peer text = %q, want abc", peer.Text())
	}

	all, err := m.Snapshots(ctx, "doc-1")
	if err != nil || len(all) != 1 {
		t.Fatalf("revert must not touch history: %d snapshots, err %v", len(all), err)
	}
}

func TestDiffReproducesTarget(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()
	doc := newDoc(t, "alice", "abc")
	a := mustSnapshot(t, m, doc, SnapshotOptions{})
	if _, err := doc.DeleteAt(1); err != nil {
		t.Fatalf("DeleteAt() error = %v", err)
	}
	if _, err := doc.InsertText(doc.Len(), "XY"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	b := mustSnapshot(t, m, doc, SnapshotOptions{})

	tests := []struct {
		name     string
		from, to Snapshot
	}{
		{name: "forward", from: a, to: b},
		{name: "backward", from: b, to: a},
		{name: "identity", from: a, to: a},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, err := m.Diff(ctx, "doc-1", tt.from.ID, tt.to.ID)
			if err != nil {
				t.Fatalf("Diff() error = %v", err)
			}
			state, err := tt.from.State()
			if err != nil {
				t.Fatalf("State() error = %v", err)
			}
			replica := document.Restore(state, "zed")
			if _, err := replica.Replay(ops); err != nil {
				t.Fatalf("Replay() error = %v", err)
			}
			if replica.Text() != tt.to.Text {
				t.Fatalf("replayed text = %q, want %q", replica.Text(), tt.to.Text)
			}
		})
	}

	patch, err := m.TextDiff(ctx, "doc-1", a.ID, b.ID)
	if err != nil {
		t.Fatalf("TextDiff() error = %v", err)
	}
	if !strings.HasPrefix(patch, "@@") {
		t.Fatalf("TextDiff() = %q, want patch text", patch)
	}
}

func TestBranchAndMergeBack(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()
	trunk := newDoc(t, "alice", "hello")
	base := mustSnapshot(t, m, trunk, SnapshotOptions{})

	if _, err := m.Branch(ctx, "doc-1", base.ID, "draft"); err != nil {
		t.Fatalf("Branch() error = %v", err)
	}
	if _, err := m.Branch(ctx, "doc-1", base.ID, "draft"); !errors.Is(err, ErrBranchExists) {
		t.Fatalf("Branch(existing) error = %v, want ErrBranchExists", err)
	}
	if _, err := m.Branch(ctx, "doc-1", base.ID, "bad/name"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("Branch(bad name) error = %v, want ErrInvalidName", err)
	}
	if _, err := m.Branch(ctx, "doc-1", "ffffffffffff", "other"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("Branch(missing snapshot) error = %v", err)
	}

	baseState, _ := base.State()
	draft := document.Restore(baseState, "bob")
	if _, err := draft.InsertText(draft.Len(), " world"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	draftSnap := mustSnapshot(t, m, draft, SnapshotOptions{Branch: "draft", Actor: "bob"})
	if diff := cmp.Diff([]string{base.ID}, draftSnap.Parents); diff != "" {
		t.Fatalf("draft parents mismatch (-want +got):\n%s", diff)
	}

	if _, err := trunk.InsertText(0, ">> "); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	mainSnap := mustSnapshot(t, m, trunk, SnapshotOptions{})

	merged, err := m.Merge(ctx, "doc-1", "draft", DefaultBranch, "carol")
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if merged.Text != ">> hello world" {
		t.Fatalf("merged text = %q", merged.Text)
	}
	if diff := cmp.Diff([]string{mainSnap.ID, draftSnap.ID}, merged.Parents); diff != "" {
		t.Fatalf("merge parents mismatch (-want +got):\n%s", diff)
	}
	head, err := m.Head(ctx, "doc-1", DefaultBranch)
	if err != nil || head.ID != merged.ID {
		t.Fatalf("main head = %v, %v; want merge snapshot", head.ShortID(), err)
	}

	// Merging again changes nothing.
	again, err := m.Merge(ctx, "doc-1", "draft", DefaultBranch, "carol")
	if err != nil {
		t.Fatalf("second Merge() error = %v", err)
	}
	if again.ID != merged.ID {
		t.Fatal("second merge created a new snapshot")
	}

	branches, err := m.Branches(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Branches() error = %v", err)
	}
	if len(branches) != 2 || branches[0].Name != "draft" || branches[1].Name != DefaultBranch {
		t.Fatalf("unexpected branches: %+v", branches)
	}
	if branches[0].Head != draftSnap.ID || branches[0].Base != base.ID {
		t.Fatalf("draft branch moved: %+v", branches[0])
	}
}

func TestMergeFastForwards(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()
	trunk := newDoc(t, "alice", "one")
	base := mustSnapshot(t, m, trunk, SnapshotOptions{})
	if _, err := m.Branch(ctx, "doc-1", base.ID, "feature"); err != nil {
		t.Fatalf("Branch() error = %v", err)
	}
	if _, err := trunk.InsertText(trunk.Len(), " two"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	feature := mustSnapshot(t, m, trunk, SnapshotOptions{Branch: "feature"})

	merged, err := m.Merge(ctx, "doc-1", "feature", "", "alice")
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if merged.ID != feature.ID {
		t.Fatalf("expected fast-forward to %s, got %s", feature.ShortID(), merged.ShortID())
	}
	head, _ := m.Head(ctx, "doc-1", DefaultBranch)
	if head.ID != feature.ID {
		t.Fatal("main was not fast-forwarded")
	}
}

func TestBranchHeadsOnlyMoveForward(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()
	doc := newDoc(t, "alice", "a")
	first := mustSnapshot(t, m, doc, SnapshotOptions{})
	if _, err := doc.InsertText(1, "b"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	second := mustSnapshot(t, m, doc, SnapshotOptions{})

	b, err := m.loadBranch(ctx, "doc-1", DefaultBranch)
	if err != nil {
		t.Fatalf("loadBranch() error = %v", err)
	}
	if err := m.advance(ctx, b, first.ID); !errors.Is(err, ErrNotDescendant) {
		t.Fatalf("advance() backwards error = %v, want ErrNotDescendant", err)
	}
	head, _ := m.Head(ctx, "doc-1", DefaultBranch)
	if head.ID != second.ID {
		t.Fatal("head moved backwards")
	}
}

type flakyStore struct {
	storage.Store
	failBranches bool
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	if s.failBranches && strings.Contains(key, "/branches/") {
		return errors.New("branch write refused")
	}
	return s.Store.Put(ctx, key, value)
}

func TestSnapshotRetryAfterBranchWriteFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: storage.NewMemory()}
	mirror := &fakeMirror{}
	indexer := &fakeIndexer{}
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(store, Options{Mirror: mirror, Indexer: indexer, Clock: clock.Now})
	doc := newDoc(t, "alice", "a")
	first := mustSnapshot(t, m, doc, SnapshotOptions{})

	if _, err := doc.InsertText(1, "b"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	store.failBranches = true
	if _, err := m.Snapshot(ctx, doc, SnapshotOptions{}); err == nil {
		t.Fatal("expected error when the branch cannot be written")
	}
	head, err := m.Head(ctx, "doc-1", DefaultBranch)
	if err != nil || head.ID != first.ID {
		t.Fatalf("Head() = %.12s, %v; want %.12s", head.ID, err, first.ID)
	}
	if len(mirror.snapshots) != 1 || len(indexer.indexed) != 1 {
		t.Fatalf("mirror/indexer called %d/%d times, want 1/1", len(mirror.snapshots), len(indexer.indexed))
	}

	store.failBranches = false
	second := mustSnapshot(t, m, doc, SnapshotOptions{})
	if second.ID == first.ID || second.Text != "ab" {
		t.Fatalf("retry returned %+v", second)
	}
	head, err = m.Head(ctx, "doc-1", DefaultBranch)
	if err != nil || head.ID != second.ID {
		t.Fatalf("Head() = %.12s, %v; want %.12s", head.ID, err, second.ID)
	}
	if len(mirror.snapshots) != 2 || len(indexer.indexed) != 2 || indexer.indexed[1] != second.ID {
		t.Fatalf("mirror = %v, indexed = %v", mirror.snapshots, indexer.indexed)
	}

	mustSnapshot(t, m, doc, SnapshotOptions{})
	if len(mirror.snapshots) != 2 || len(indexer.indexed) != 2 {
		t.Fatalf("unchanged capture published again: mirror = %v", mirror.snapshots)
	}
}

func TestTags(t *testing.T) {
	mirror := &fakeMirror{}
	m := newTestManager(Options{Mirror: mirror})
	ctx := context.Background()
	doc := newDoc(t, "alice", "v1")
	s1 := mustSnapshot(t, m, doc, SnapshotOptions{Tag: "release-1"})
	if s1.Tag != "release-1" {
		t.Fatalf("Tag = %q", s1.Tag)
	}
	if _, err := doc.InsertText(2, "!"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	s2 := mustSnapshot(t, m, doc, SnapshotOptions{})

	if _, err := m.Tag(ctx, "doc-1", s2.ID, "release-1"); !errors.Is(err, ErrTagExists) {
		t.Fatalf("Tag(moved) error = %v, want ErrTagExists", err)
	}
	if _, err := m.Tag(ctx, "doc-1", s1.ID, "release-1"); err != nil {
		t.Fatalf("Tag(same) error = %v", err)
	}
	if _, err := m.Tag(ctx, "doc-1", s2.ID, "latest"); err != nil {
		t.Fatalf("Tag() error = %v", err)
	}

	got, err := m.Get(ctx, "doc-1", "release-1")
	if err != nil || got.ID != s1.ID {
		t.Fatalf("Get(tag) = %s, %v", got.ShortID(), err)
	}
	tags, err := m.Tags(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	if len(tags) != 2 || tags[0].Name != "latest" || tags[1].SnapshotID != s1.ID {
		t.Fatalf("unexpected tags: %+v", tags)
	}
	if len(mirror.tags) != 2 {
		t.Fatalf("mirrored tags = %v", mirror.tags)
	}
}

func TestGetResolvesPrefixes(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()
	doc := newDoc(t, "alice", "x")
	snap := mustSnapshot(t, m, doc, SnapshotOptions{})

	got, err := m.Get(ctx, "doc-1", snap.ID[:8])
	if err != nil || got.ID != snap.ID {
		t.Fatalf("Get(prefix) = %s, %v", got.ShortID(), err)
	}
	if _, err := m.Get(ctx, "doc-1", snap.ID[:2]); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("Get(short prefix) error = %v", err)
	}
	if _, err := m.Get(ctx, "doc-2", snap.ID); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("Get(other doc) error = %v", err)
	}
}

func TestSnapshotDuringConcurrentEdits(t *testing.T) {
	m := newTestManager(Options{})
	doc := newDoc(t, "alice", "start")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := doc.InsertAt(doc.Len(), "x"); err != nil {
				t.Errorf("InsertAt() error = %v", err)
				return
			}
		}
	}()
	var snaps []Snapshot
	for i := 0; i < 20; i++ {
		snap, err := m.Snapshot(context.Background(), doc, SnapshotOptions{})
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		snaps = append(snaps, snap)
	}
	wg.Wait()

	for _, snap := range snaps {
		state, err := snap.State()
		if err != nil {
			t.Fatalf("State() error = %v", err)
		}
		if state.Text() != snap.Text || !strings.HasPrefix(snap.Text, "start") {
			t.Fatalf("inconsistent snapshot %s: %q", snap.ShortID(), snap.Text)
		}
	}
}
