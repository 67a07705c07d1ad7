package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"collab/engine/internal/document"
	"collab/engine/internal/history"
	"collab/engine/internal/storage"

	git "github.com/go-git/go-git/v5"
)

func newMirroredManager(t *testing.T) (*history.Manager, *Service, string) {
	t.Helper()
	tempDir := t.TempDir()
	svc := New(tempDir)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	m := history.NewManager(storage.NewMemory(), history.Options{
		Mirror: svc,
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Minute)
			return clock
		},
	})
	return m, svc, tempDir
}

func TestMirrorLifecycle(t *testing.T) {
	m, svc, tempDir := newMirroredManager(t)
	ctx := context.Background()

	doc := document.New("doc-1", "avery")
	if _, err := doc.InsertText(0, "hello"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	first, err := m.Snapshot(ctx, doc, history.SnapshotOptions{Actor: "avery", Tag: "v1"})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1", ".git")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	if _, err := doc.InsertText(5, " world"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	second, err := m.Snapshot(ctx, doc, history.SnapshotOptions{Actor: "avery"})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	commits, err := svc.History("doc-1", history.DefaultBranch, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(commits) != 3 {
		t.Fatalf("expected baseline plus two snapshot commits, got %d", len(commits))
	}
	if commits[0].SnapshotID != second.ID || commits[1].SnapshotID != first.ID {
		t.Fatalf("unexpected commit order: %+v", commits)
	}
	if commits[0].Added != 6 || commits[0].Author != "avery" {
		t.Fatalf("unexpected head commit: %+v", commits[0])
	}

	text, err := svc.TextAt("doc-1", "v1")
	if err != nil {
		t.Fatalf("TextAt(tag) error = %v", err)
	}
	if text != "hello" {
		t.Fatalf("TextAt(tag) = %q, want hello", text)
	}
	head, err := svc.TextAt("doc-1", history.DefaultBranch)
	if err != nil {
		t.Fatalf("TextAt(branch) error = %v", err)
	}
	if head != "hello world" {
		t.Fatalf("TextAt(branch) = %q", head)
	}

	// Mirroring the same snapshot again adds nothing.
	if err := svc.MirrorSnapshot(second); err != nil {
		t.Fatalf("MirrorSnapshot() error = %v", err)
	}
	again, _ := svc.History("doc-1", history.DefaultBranch, 0)
	if len(again) != 3 {
		t.Fatalf("duplicate mirror added commits: %d", len(again))
	}
}

func TestMirrorBranchesAndMerges(t *testing.T) {
	m, svc, tempDir := newMirroredManager(t)
	ctx := context.Background()

	trunk := document.New("doc-1", "avery")
	if _, err := trunk.InsertText(0, "base"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	base, err := m.Snapshot(ctx, trunk, history.SnapshotOptions{})
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if _, err := m.Branch(ctx, "doc-1", base.ID, "draft"); err != nil {
		t.Fatalf("Branch() error = %v", err)
	}

	state, _ := base.State()
	draft := document.Restore(state, "blake")
	if _, err := draft.InsertText(draft.Len(), "+draft"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	if _, err := m.Snapshot(ctx, draft, history.SnapshotOptions{Branch: "draft", Actor: "blake"}); err != nil {
		t.Fatalf("Snapshot(draft) error = %v", err)
	}
	if _, err := trunk.InsertText(0, "main+"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	if _, err := m.Snapshot(ctx, trunk, history.SnapshotOptions{}); err != nil {
		t.Fatalf("Snapshot(main) error = %v", err)
	}

	draftLog, err := svc.History("doc-1", "draft", 0)
	if err != nil {
		t.Fatalf("History(draft) error = %v", err)
	}
	if len(draftLog) != 3 || draftLog[1].SnapshotID != base.ID {
		t.Fatalf("draft branch should fork from base commit: %+v", draftLog)
	}

	merged, err := m.Merge(ctx, "doc-1", "draft", history.DefaultBranch, "casey")
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	text, err := svc.TextAt("doc-1", history.DefaultBranch)
	if err != nil {
		t.Fatalf("TextAt() error = %v", err)
	}
	if text != merged.Text {
		t.Fatalf("mirrored text %q, want %q", text, merged.Text)
	}

	repo, err := git.PlainOpen(filepath.Join(tempDir, "doc-1"))
	if err != nil {
		t.Fatalf("PlainOpen() error = %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		t.Fatalf("CommitObject() error = %v", err)
	}
	if commit.NumParents() != 2 {
		t.Fatalf("merge snapshot should be a merge commit, got %d parents", commit.NumParents())
	}
}

func TestConcurrentMirrorsSameDocument(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			snap := history.Snapshot{
				ID:         fmt.Sprintf("%064d", idx),
				DocumentID: "doc-1",
				Branch:     history.DefaultBranch,
				Text:       fmt.Sprintf("text-%02d", idx),
				CreatedAt:  time.Now(),
			}
			if err := svc.MirrorSnapshot(snap); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("MirrorSnapshot() concurrent error = %v", err)
		}
	}

	commits, err := svc.History("doc-1", history.DefaultBranch, 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(commits) != writers+1 {
		t.Fatalf("expected %d commits in history, got %d", writers+1, len(commits))
	}
}

func TestSanitizeEmail(t *testing.T) {
	if got := sanitizeEmail("Avery Q_Smith!"); got != "Avery.Q.Smith" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
	if got := sanitizeEmail("!!"); got != "user" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
}
