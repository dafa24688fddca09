package search

import (
	"context"
)

// SortMode selects how index query results are ordered.
type SortMode string

const (
	SortRelevance SortMode = "relevance"
	SortTime      SortMode = "time"
	SortHot       SortMode = "hot"
)

// ParseSortMode normalizes a sort parameter, defaulting to relevance.
func ParseSortMode(s string) SortMode {
	switch SortMode(s) {
	case SortTime:
		return SortTime
	case SortHot:
		return SortHot
	default:
		return SortRelevance
	}
}

// Request is a ranked/filtered video query against the index.
type Request struct {
	Term      string
	AuthorID  int64
	VideoID   int64
	Sort      SortMode
	StartTime int64
	EndTime   int64
	Page      int
	PageSize  int
}

// Hit is one ranked result: the video id plus any per-field highlight
// fragments.
type Hit struct {
	ID        int64
	Highlight map[string][]string
}

// Result is a page of hits in ranking order.
type Result struct {
	Hits  []Hit
	Total int64
}

// BulkResult reports per-item outcomes of a batched upsert.
type BulkResult struct {
	Succeeded int
	Failed    int
}

// Index is the secondary search/ranking index. All write operations are
// idempotent; callers on the primary write path invoke them strictly
// best-effort.
type Index interface {
	// EnsureIndex creates the index with its mapping if it does not exist.
	EnsureIndex(ctx context.Context) error

	// Upsert writes a full document keyed by video id.
	Upsert(ctx context.Context, doc *Document) error

	// Remove deletes a document; an already absent id is success.
	Remove(ctx context.Context, videoID int64) error

	// BulkUpsert writes many documents in one round trip. A partial failure
	// still applies the rest and is reported in the counts, not as an error.
	BulkUpsert(ctx context.Context, docs []*Document) (BulkResult, error)

	// UpdateHotScore applies a partial update touching only hot_score and
	// updated_at.
	UpdateHotScore(ctx context.Context, videoID int64, score float64) error

	// Query runs a ranked search and returns ordered ids plus highlights.
	Query(ctx context.Context, req *Request) (*Result, error)

	// Ping checks index availability.
	Ping(ctx context.Context) error
}
