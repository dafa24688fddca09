package search

import (
	"time"

	"github.com/user/shortvid-backend/internal/model"
)

// Document is the denormalized index projection of a video. It deliberately
// excludes play_url and cover_url: those are resolved from the system of
// record at read time so a re-transcode never serves stale URLs.
type Document struct {
	ID            int64   `json:"id"`
	AuthorID      int64   `json:"author_id"`
	AuthorName    string  `json:"author_name"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Status        string  `json:"status"`
	PublishTime   int64   `json:"publish_time"`
	ViewCount     int64   `json:"view_count"`
	FavoriteCount int64   `json:"favorite_count"`
	CommentCount  int64   `json:"comment_count"`
	HotScore      float64 `json:"hot_score"`
	Duration      int     `json:"duration"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// HotScore blends engagement counters into the ranking signal:
// (views*0.5 + favorites*2.0 + comments*1.5) / 1000.
func HotScore(viewCount, favoriteCount, commentCount int64) float64 {
	return (float64(viewCount)*0.5 + float64(favoriteCount)*2.0 + float64(commentCount)*1.5) / 1000
}

// NewDocument builds the index document for a video. The same video and
// author name always produce the same document, which is what makes the
// upsert idempotent.
func NewDocument(video *model.Video, authorName string) *Document {
	return &Document{
		ID:            video.ID,
		AuthorID:      video.AuthorID,
		AuthorName:    authorName,
		Title:         video.Title,
		Description:   video.Description,
		Status:        string(video.Status),
		PublishTime:   video.PublishTime,
		ViewCount:     video.ViewCount,
		FavoriteCount: video.FavoriteCount,
		CommentCount:  video.CommentCount,
		HotScore:      HotScore(video.ViewCount, video.FavoriteCount, video.CommentCount),
		Duration:      video.Duration,
		CreatedAt:     formatTime(video.CreatedAt),
		UpdatedAt:     formatTime(video.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
