package store

import (
	"context"
	"errors"
	"time"

	"github.com/user/shortvid-backend/internal/model"
)

// ErrLeaseHeld is returned by AcquireLease when another live owner holds the
// per-video transcode lease.
var ErrLeaseHeld = errors.New("transcode lease held by another owner")

// ErrInvalidTransition is returned when a status change would violate the
// video state machine.
var ErrInvalidTransition = errors.New("invalid video status transition")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// PublishResult carries the worker outputs applied when a video transitions
// to published.
type PublishResult struct {
	PlayURL  string
	CoverURL string
	FileSize int64
	Duration int
	Width    int
	Height   int
}

// FallbackQuery is the degraded search executed directly against the system
// of record when the index is unavailable.
type FallbackQuery struct {
	Term      string
	AuthorID  int64
	VideoID   int64
	Sort      string // "relevance" | "time" | "hot"
	StartTime int64
	EndTime   int64
	Offset    int
	Limit     int
}

// Store defines the interface for data persistence operations
type Store interface {
	// Video lifecycle
	CreateVideo(ctx context.Context, video *model.Video) error
	GetVideo(ctx context.Context, id int64) (*model.Video, error)
	GetVideosByIDs(ctx context.Context, ids []int64) ([]*model.Video, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkPublished(ctx context.Context, id int64, result PublishResult) error
	MarkFailed(ctx context.Context, id int64) error
	SoftDelete(ctx context.Context, id int64, authorID int64) error

	// Counters (atomic in-place increments)
	IncrementViewCount(ctx context.Context, id int64) error
	IncrementFavoriteCount(ctx context.Context, id int64, delta int64) error
	IncrementCommentCount(ctx context.Context, id int64, delta int64) error

	// Listing
	ListFeed(ctx context.Context, offset, limit int) ([]*model.Video, int64, error)
	ListByAuthor(ctx context.Context, authorID int64, status model.Status, offset, limit int) ([]*model.Video, int64, error)
	ListPublished(ctx context.Context, offset, limit int) ([]*model.Video, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Video, error)
	CountVideos(ctx context.Context, status model.Status) (int64, error)

	// Degraded search against the system of record
	SearchFallback(ctx context.Context, q FallbackQuery) ([]*model.Video, int64, error)

	// Authors
	AuthorNames(ctx context.Context, ids []int64) (map[int64]string, error)

	// Per-video transcode lease
	AcquireLease(ctx context.Context, videoID int64, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, videoID int64, owner string) error
	SweepExpiredLeases(ctx context.Context) (int64, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
