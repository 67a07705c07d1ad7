package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxSnapshots = "collab_snapshots"
	idxConflicts = "collab_conflicts"

	healthInterval = 10 * time.Second
	defaultLimit   = 20
)

var errUnhealthy = errors.New("meilisearch unhealthy")

type indexSpec struct {
	uid        string
	result     ResultType
	filterable []string
	searchable []string
	// snippet is the attribute shown as the hit's snippet.
	snippet    string
}

var indexSpecs = []indexSpec{
	{
		uid:        idxSnapshots,
		result:     ResultSnapshot,
		filterable: []string{"documentId", "branch", "tag"},
		searchable: []string{"text", "message", "tag"},
		snippet:    "text",
	},
	{
		uid:        idxConflicts,
		result:     ResultConflict,
		filterable: []string{"documentId", "strategy", "resolved"},
		searchable: []string{"summary", "actors"},
		snippet:    "summary",
	},
}

// Meili searches and indexes history records in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewMeili returns a client even when the server is down; a background loop
// keeps probing and configures the indexes once it answers.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.With("component", "search"),
		done:   make(chan struct{}),
	}
	if m.probe() {
		m.configureIndexes()
	} else {
		m.logger.Warn("meilisearch unavailable", "url", url)
	}
	go m.healthLoop()
	return m
}

func (m *Meili) probe() bool {
	_, err := m.client.Health()
	m.healthy.Store(err == nil)
	return err == nil
}

func (m *Meili) configureIndexes() {
	for _, ix := range indexSpecs {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: ix.uid, PrimaryKey: "id"}); err != nil {
			m.logger.Debug("create index", "index", ix.uid, "err", err)
		}
		index := m.client.Index(ix.uid)
		filterable := make([]interface{}, len(ix.filterable))
		for i, attr := range ix.filterable {
			filterable[i] = attr
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("update filterable attributes", "index", ix.uid, "err", err)
		}
		searchable := ix.searchable
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			m.logger.Warn("update searchable attributes", "index", ix.uid, "err", err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			was := m.healthy.Load()
			if m.probe() && !was {
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the health loop. It is safe to call more than once.
func (m *Meili) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs one multi-search over the indexes selected by q.FilterType.
// A transport failure marks the client unhealthy until the next probe.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = defaultLimit
	}

	var queries []*meili.SearchRequest
	for _, ix := range indexSpecs {
		if q.FilterType != "" && q.FilterType != ix.result {
			continue
		}
		req := &meili.SearchRequest{
			IndexUID:              ix.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{ix.snippet},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if q.DocumentID != "" {
			req.Filter = []string{fmt.Sprintf("documentId = %q", q.DocumentID)}
		}
		queries = append(queries, req)
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}
	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	for _, ix := range indexSpecs {
		if ix.uid == uid {
			return ix.result
		}
	}
	return ""
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{
		Type:       rtyp,
		ID:         hitField[string](hit, "id"),
		DocumentID: hitField[string](hit, "documentId"),
		CreatedAt:  hitField[int64](hit, "createdAt"),
	}
	snippetAttr := "summary"
	if rtyp == ResultSnapshot {
		r.Branch = hitField[string](hit, "branch")
		r.Tag = hitField[string](hit, "tag")
		snippetAttr = "text"
	}
	formatted := hitField[map[string]any](hit, "_formatted")
	if s, _ := formatted[snippetAttr].(string); strings.TrimSpace(s) != "" {
		r.Snippet = strings.TrimSpace(s)
	} else {
		r.Snippet = hitField[string](hit, snippetAttr)
	}
	return r
}

// hitField decodes one attribute of a hit, yielding the zero value when it
// is missing or has another type.
func hitField[T any](hit meili.Hit, key string) T {
	var v T
	if raw, ok := hit[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

func (m *Meili) IndexSnapshots(records []SnapshotRecord) error {
	return m.add(idxSnapshots, len(records), records)
}

func (m *Meili) IndexConflicts(records []ConflictRecord) error {
	return m.add(idxConflicts, len(records), records)
}

func (m *Meili) add(uid string, n int, records any) error {
	if n == 0 {
		return nil
	}
	if _, err := m.client.Index(uid).AddDocuments(records, nil); err != nil {
		return fmt.Errorf("index %d records into %s: %w", n, uid, err)
	}
	return nil
}
