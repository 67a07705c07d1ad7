// Package gitrepo mirrors document history into one git repository per
// document: every snapshot becomes a commit on its branch, tags become git
// tags, merge snapshots become merge commits.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"collab/engine/internal/history"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	contentFile  = "content.txt"
	metadataFile = "snapshot.json"
	snapshotRefs = "refs/snapshots/"
)

type CommitInfo struct {
	Hash       string
	SnapshotID string
	Message    string
	Author     string
	CreatedAt  time.Time
	Added      int
	Removed    int
}

// metadata is the snapshot minus its serialised state, which stays in the
// history store.
type metadata struct {
	ID        string    `json:"id"`
	Branch    string    `json:"branch"`
	Parents   []string  `json:"parents,omitempty"`
	Revision  uint64    `json:"revision"`
	Tag       string    `json:"tag,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// MirrorSnapshot commits snap onto its branch. Mirroring the same snapshot
// twice is a no-op.
func (s *Service) MirrorSnapshot(snap history.Snapshot) error {
	lock := s.documentLock(snap.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(snap.DocumentID)
	if err != nil {
		return err
	}
	if _, err := repo.Reference(snapshotRef(snap.ID), true); err == nil {
		return nil
	}
	if err := s.ensureBranch(repo, snap); err != nil {
		return err
	}
	if err := checkoutBranch(repo, snap.Branch); err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), []byte(snap.Text), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", contentFile, err)
	}
	payload, err := json.MarshalIndent(metadata{
		ID:        snap.ID,
		Branch:    snap.Branch,
		Parents:   snap.Parents,
		Revision:  snap.Revision,
		Tag:       snap.Tag,
		CreatedBy: string(snap.CreatedBy),
		CreatedAt: snap.CreatedAt,
		Added:     snap.Added,
		Removed:   snap.Removed,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, metadataFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", metadataFile, err)
	}
	for _, name := range []string{contentFile, metadataFile} {
		if _, err := worktree.Add(name); err != nil {
			return fmt.Errorf("git add %s: %w", name, err)
		}
	}

	opts := &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(string(snap.CreatedBy), snap.CreatedAt),
	}
	if len(snap.Parents) > 1 {
		head, err := repo.Head()
		if err != nil {
			return fmt.Errorf("resolve HEAD: %w", err)
		}
		opts.Parents = []plumbing.Hash{head.Hash()}
		for _, parent := range snap.Parents[1:] {
			ref, err := repo.Reference(snapshotRef(parent), true)
			if err != nil {
				continue
			}
			opts.Parents = append(opts.Parents, ref.Hash())
		}
	}
	hash, err := worktree.Commit(commitMessage(snap), opts)
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(snapshotRef(snap.ID), hash)); err != nil {
		return fmt.Errorf("set snapshot ref: %w", err)
	}
	return nil
}

// MirrorTag creates a git tag on the commit of a mirrored snapshot.
func (s *Service) MirrorTag(documentID, snapshotID, name string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(snapshotRef(snapshotID), true)
	if err != nil {
		return fmt.Errorf("resolve snapshot %.12s: %w", snapshotID, err)
	}

	_, err = repo.CreateTag(name, ref.Hash(), &git.CreateTagOptions{
		Tagger:  signature("collab", time.Now()),
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) History(documentID, branchName string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, max(limit, 0))
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// TextAt returns the mirrored text at a commit hash, tag or branch.
func (s *Service) TextAt(documentID, revision string) (string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	commitObj, err := resolveCommit(repo, revision)
	if err != nil {
		return "", err
	}
	file, err := commitObj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	return file.Contents()
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

// ensureRepo opens the document repository, creating it with an empty
// baseline commit on main the first time.
func (s *Service) ensureRepo(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, fmt.Errorf("open repo: %w", err)
		}
		return repo, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, contentFile), nil, 0o644); err != nil {
		return nil, fmt.Errorf("write baseline content: %w", err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return nil, fmt.Errorf("git add baseline content: %w", err)
	}
	hash, err := worktree.Commit("Initialize document history\n\ndocument: "+documentID, &git.CommitOptions{
		Author: signature("collab", time.Now()),
	})
	if err != nil {
		return nil, fmt.Errorf("commit baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(history.DefaultBranch), hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(history.DefaultBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

// ensureBranch creates the snapshot's branch at the commit of its first
// parent, falling back to main.
func (s *Service) ensureBranch(repo *git.Repository, snap history.Snapshot) error {
	branchRefName := plumbing.NewBranchReferenceName(snap.Branch)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}

	var from *plumbing.Reference
	if len(snap.Parents) > 0 {
		from, _ = repo.Reference(snapshotRef(snap.Parents[0]), true)
	}
	if from == nil {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(history.DefaultBranch), true)
		if err != nil {
			return fmt.Errorf("read main branch ref: %w", err)
		}
		from = ref
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, from.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branchName)
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func snapshotRef(id string) plumbing.ReferenceName {
	return plumbing.ReferenceName(snapshotRefs + id)
}

func commitMessage(snap history.Snapshot) string {
	title := snap.Message
	if title == "" {
		title = fmt.Sprintf("Snapshot %s", snap.ShortID())
	}
	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "snapshot: %s\n", snap.ID)
	fmt.Fprintf(&b, "branch: %s\n", snap.Branch)
	fmt.Fprintf(&b, "changes: +%d -%d\n", snap.Added, snap.Removed)
	return b.String()
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	info := CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.SplitN(commitObj.Message, "\n", 2)[0],
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	for _, line := range strings.Split(commitObj.Message, "\n") {
		switch {
		case strings.HasPrefix(line, "snapshot: "):
			info.SnapshotID = strings.TrimPrefix(line, "snapshot: ")
		case strings.HasPrefix(line, "changes: "):
			_, _ = fmt.Sscanf(strings.TrimPrefix(line, "changes: "), "+%d -%d", &info.Added, &info.Removed)
		}
	}
	return info
}

func signature(author string, when time.Time) *object.Signature {
	if author == "" {
		author = "collab"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.collab.dev", sanitizeEmail(author)),
		When:  when,
	}
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}

// resolveCommit accepts a branch, a tag or a (short) commit hash.
func resolveCommit(repo *git.Repository, revision string) (*object.Commit, error) {
	for _, name := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(revision),
		plumbing.NewTagReferenceName(revision),
	} {
		ref, err := repo.Reference(name, true)
		if err != nil {
			continue
		}
		if tag, err := repo.TagObject(ref.Hash()); err == nil {
			return tag.Commit()
		}
		return repo.CommitObject(ref.Hash())
	}
	resolvedHash, err := resolveHash(repo, revision)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", revision, err)
	}
	return commitObj, nil
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
