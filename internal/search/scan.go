package search

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"collab/engine/internal/history"
)

const snippetRadius = 40

// HistoryScan searches snapshot text by walking a document's history. It
// needs no external service and only serves queries scoped to a document.
type HistoryScan struct {
	history *history.Manager
}

func NewHistoryScan(m *history.Manager) *HistoryScan {
	return &HistoryScan{history: m}
}

// Healthy always returns true; the scan reads the history store directly.
func (h *HistoryScan) Healthy() bool {
	return true
}

func (h *HistoryScan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := foldRunes(strings.TrimSpace(q.Text))
	if len(needle) == 0 || q.DocumentID == "" {
		return nil, 0, nil
	}
	if q.FilterType != "" && q.FilterType != ResultSnapshot {
		return nil, 0, nil
	}

	snaps, err := h.history.Snapshots(ctx, q.DocumentID)
	if err != nil {
		return nil, 0, fmt.Errorf("scan history: %w", err)
	}
	var matches []Result
	for _, snap := range snaps {
		text := []rune(snap.Text)
		idx := indexFold(text, needle)
		if idx < 0 && indexFold([]rune(snap.Tag), needle) < 0 {
			continue
		}
		matches = append(matches, Result{
			Type:       ResultSnapshot,
			ID:         snap.ID,
			DocumentID: snap.DocumentID,
			Branch:     snap.Branch,
			Tag:        snap.Tag,
			Snippet:    snippet(text, idx, len(needle)),
			CreatedAt:  snap.CreatedAt.Unix(),
		})
	}

	total := len(matches)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return matches[offset:end], total, nil
}

func foldRunes(s string) []rune {
	out := []rune(s)
	for i, r := range out {
		out[i] = unicode.ToLower(r)
	}
	return out
}

// indexFold returns the rune offset of the first case-insensitive match of
// needle (already lowered) in hay, or -1.
func indexFold(hay, needle []rune) int {
	for i := 0; i+len(needle) <= len(hay); i++ {
		matched := true
		for j, r := range needle {
			if unicode.ToLower(hay[i+j]) != r {
				matched = false
				break
			}
		}
		if matched {
			return i
		}
	}
	return -1
}

// snippet cuts the text around a match and marks it the way Meilisearch
// highlights do.
func snippet(text []rune, idx, n int) string {
	if idx < 0 {
		return string(text[:min(len(text), 2*snippetRadius)])
	}
	start := max(idx-snippetRadius, 0)
	end := min(idx+n+snippetRadius, len(text))
	return strings.TrimSpace(string(text[start:idx]) + "<mark>" + string(text[idx:idx+n]) + "</mark>" + string(text[idx+n:end]))
}
