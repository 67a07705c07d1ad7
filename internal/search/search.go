// Package search indexes version history snapshots and conflict records.
package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSnapshot ResultType = "snapshot"
	ResultConflict ResultType = "conflict"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	DocumentID string     `json:"documentId"`
	Branch     string     `json:"branch,omitempty"`
	Tag        string     `json:"tag,omitempty"`
	Snippet    string     `json:"snippet"`
	CreatedAt  int64      `json:"createdAt,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	DocumentID string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// SnapshotRecord is the data we index for a history snapshot.
type SnapshotRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Branch     string `json:"branch"`
	Tag        string `json:"tag,omitempty"`
	Text       string `json:"text"`
	Message    string `json:"message,omitempty"`
	CreatedBy  string `json:"createdBy,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

// ConflictRecord is the data we index for a detected conflict.
type ConflictRecord struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"documentId"`
	Strategy   string   `json:"strategy"`
	Detection  string   `json:"detection"`
	Actors     []string `json:"actors"`
	Winner     string   `json:"winner,omitempty"`
	Resolved   bool     `json:"resolved"`
	Summary    string   `json:"summary"`
	CreatedAt  int64    `json:"createdAt"`
}
