// Package history keeps immutable, content-addressed snapshots of documents
// in an append-only DAG with named branches and tags.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"collab/engine/internal/document"
	"collab/engine/internal/storage"
)

const DefaultBranch = "main"

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrAmbiguousID      = errors.New("snapshot id prefix is ambiguous")
	ErrBranchExists     = errors.New("branch already exists")
	ErrBranchNotFound   = errors.New("branch not found")
	ErrTagExists        = errors.New("tag already points at another snapshot")
	ErrTagNotFound      = errors.New("tag not found")
	ErrNotDescendant    = errors.New("snapshot does not descend from branch head")
	ErrInvalidName      = errors.New("invalid branch or tag name")
)

// Snapshot is an immutable capture of a document.
type Snapshot struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	Branch     string                 `json:"branch"`
	Parents    []string               `json:"parents,omitempty"`
	Vector     document.VersionVector `json:"vector"`
	Revision   uint64                 `json:"revision"`
	Content    json.RawMessage        `json:"content"`
	Text       string                 `json:"text"`
	Tag        string                 `json:"tag,omitempty"`
	Message    string                 `json:"message,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	CreatedBy  document.ActorID       `json:"created_by,omitempty"`
	Added      int                    `json:"added"`
	Removed    int                    `json:"removed"`
}

// State decodes the captured document state.
func (s Snapshot) State() (document.State, error) {
	var state document.State
	if err := json.Unmarshal(s.Content, &state); err != nil {
		return document.State{}, fmt.Errorf("decode snapshot %s: %w", s.ShortID(), err)
	}
	return state, nil
}

func (s Snapshot) ShortID() string {
	if len(s.ID) > 12 {
		return s.ID[:12]
	}
	return s.ID
}

// Branch is a named pointer to the newest snapshot on a line of history.
type Branch struct {
	DocumentID string    `json:"document_id"`
	Name       string    `json:"name"`
	Head       string    `json:"head"`
	Base       string    `json:"base"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Tag struct {
	DocumentID string    `json:"document_id"`
	Name       string    `json:"name"`
	SnapshotID string    `json:"snapshot_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Source is anything that can hand out a detached document state.
type Source interface {
	State() document.State
}

// Mirror receives every stored snapshot and tag, e.g. to keep a git
// repository of the history.
type Mirror interface {
	MirrorSnapshot(snap Snapshot) error
	MirrorTag(documentID, snapshotID, name string) error
}

// Indexer makes snapshots searchable.
type Indexer interface {
	IndexSnapshot(ctx context.Context, snap Snapshot)
}

type Options struct {
	Logger  *slog.Logger
	Clock   func() time.Time
	Mirror  Mirror
	Indexer Indexer
}

type Manager struct {
	store   storage.Store
	logger  *slog.Logger
	now     func() time.Time
	mirror  Mirror
	indexer Indexer

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewManager(store storage.Store, opts Options) *Manager {
	m := &Manager{
		store:   store,
		logger:  opts.Logger,
		now:     opts.Clock,
		mirror:  opts.Mirror,
		indexer: opts.Indexer,
		locks:   make(map[string]*sync.Mutex),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func snapshotKey(documentID, id string) string {
	return "history/" + documentID + "/snapshots/" + id
}

func snapshotPrefix(documentID string) string {
	return "history/" + documentID + "/snapshots/"
}

func branchKey(documentID, name string) string {
	return "history/" + documentID + "/branches/" + name
}

func branchPrefix(documentID string) string {
	return "history/" + documentID + "/branches/"
}

func tagKey(documentID, name string) string {
	return "history/" + documentID + "/tags/" + name
}

func tagPrefix(documentID string) string {
	return "history/" + documentID + "/tags/"
}

func (m *Manager) documentLock(documentID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	m.locks[documentID] = lock
	return lock
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/ \t\n") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

func (m *Manager) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return m.store.Put(ctx, key, data)
}

func (m *Manager) getJSON(ctx context.Context, key string, v any) error {
	data, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (m *Manager) loadSnapshot(ctx context.Context, documentID, id string) (Snapshot, error) {
	var snap Snapshot
	if err := m.getJSON(ctx, snapshotKey(documentID, id), &snap); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Snapshot{}, fmt.Errorf("snapshot %s: %w", id, ErrSnapshotNotFound)
		}
		return Snapshot{}, err
	}
	return snap, nil
}

func (m *Manager) loadBranch(ctx context.Context, documentID, name string) (Branch, error) {
	var b Branch
	if err := m.getJSON(ctx, branchKey(documentID, name), &b); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Branch{}, fmt.Errorf("branch %s: %w", name, ErrBranchNotFound)
		}
		return Branch{}, err
	}
	return b, nil
}

func (m *Manager) loadTag(ctx context.Context, documentID, name string) (Tag, error) {
	var t Tag
	if err := m.getJSON(ctx, tagKey(documentID, name), &t); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Tag{}, fmt.Errorf("tag %s: %w", name, ErrTagNotFound)
		}
		return Tag{}, err
	}
	return t, nil
}

// Get returns a snapshot by full id, unique id prefix, or tag name.
func (m *Manager) Get(ctx context.Context, documentID, ref string) (Snapshot, error) {
	snap, err := m.loadSnapshot(ctx, documentID, ref)
	if err == nil || !errors.Is(err, ErrSnapshotNotFound) {
		return snap, err
	}
	if tag, err := m.loadTag(ctx, documentID, ref); err == nil {
		return m.loadSnapshot(ctx, documentID, tag.SnapshotID)
	}
	if len(ref) < 4 {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", ref, ErrSnapshotNotFound)
	}
	keys, err := m.store.ListPrefix(ctx, snapshotKey(documentID, ref))
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve snapshot %s: %w", ref, err)
	}
	switch len(keys) {
	case 0:
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", ref, ErrSnapshotNotFound)
	case 1:
		return m.loadSnapshot(ctx, documentID, strings.TrimPrefix(keys[0], snapshotPrefix(documentID)))
	default:
		return Snapshot{}, fmt.Errorf("snapshot %s matches %d snapshots: %w", ref, len(keys), ErrAmbiguousID)
	}
}

// Snapshots returns every snapshot of a document, newest first.
func (m *Manager) Snapshots(ctx context.Context, documentID string) ([]Snapshot, error) {
	keys, err := m.store.ListPrefix(ctx, snapshotPrefix(documentID))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		var snap Snapshot
		if err := m.getJSON(ctx, key, &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	sortNewestFirst(out)
	return out, nil
}

// History walks the first-parent chain of a branch from its head, newest
// first. A limit of zero or less returns the whole chain.
func (m *Manager) History(ctx context.Context, documentID, branch string, limit int) ([]Snapshot, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	b, err := m.loadBranch(ctx, documentID, branch)
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for id := b.Head; id != ""; {
		snap, err := m.loadSnapshot(ctx, documentID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
		if limit > 0 && len(out) >= limit {
			break
		}
		id = ""
		if len(snap.Parents) > 0 {
			id = snap.Parents[0]
		}
	}
	return out, nil
}

func (m *Manager) Branches(ctx context.Context, documentID string) ([]Branch, error) {
	keys, err := m.store.ListPrefix(ctx, branchPrefix(documentID))
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	out := make([]Branch, 0, len(keys))
	for _, key := range keys {
		var b Branch
		if err := m.getJSON(ctx, key, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *Manager) Tags(ctx context.Context, documentID string) ([]Tag, error) {
	keys, err := m.store.ListPrefix(ctx, tagPrefix(documentID))
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	out := make([]Tag, 0, len(keys))
	for _, key := range keys {
		var t Tag
		if err := m.getJSON(ctx, key, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Head returns the snapshot a branch points at.
func (m *Manager) Head(ctx context.Context, documentID, branch string) (Snapshot, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	b, err := m.loadBranch(ctx, documentID, branch)
	if err != nil {
		return Snapshot{}, err
	}
	return m.loadSnapshot(ctx, documentID, b.Head)
}
