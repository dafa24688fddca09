package model

import (
	"time"
)

// Status is the lifecycle state of a video record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusDeleted    Status = "deleted"
)

// transitions describes the allowed state machine edges.
// pending -> processing -> {published, failed}
// published -> deleted, failed -> {processing, deleted}
// processing -> processing is allowed so that a redelivered job for a video
// already being processed is not treated as an error.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusDeleted},
	StatusProcessing: {StatusProcessing, StatusPublished, StatusFailed},
	StatusPublished:  {StatusDeleted},
	StatusFailed:     {StatusProcessing, StatusDeleted},
	StatusDeleted:    {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Video is the central entity of the ingestion pipeline.
// play_url and cover_url are set only by a completed worker run; the
// invariant is that play_url is non-empty exactly when status is published.
type Video struct {
	ID            int64  `gorm:"primaryKey"`
	AuthorID      int64  `gorm:"index;not null"`
	Title         string `gorm:"size:200;not null"`
	Description   string `gorm:"size:2000"`
	Duration      int    `gorm:"default:0"`
	FileSize      int64  `gorm:"default:0"`
	FileFormat    string `gorm:"size:10"`
	Width         int    `gorm:"default:0"`
	Height        int    `gorm:"default:0"`
	RawObjectKey  string `gorm:"size:500"`
	PlayURL       string `gorm:"size:500"`
	CoverURL      string `gorm:"size:500"`
	ViewCount     int64  `gorm:"default:0"`
	FavoriteCount int64  `gorm:"default:0"`
	CommentCount  int64  `gorm:"default:0"`
	Status        Status `gorm:"size:20;index;default:pending"`
	PublishTime   int64  `gorm:"index;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName returns the table name for Video
func (Video) TableName() string {
	return "videos"
}

// Published reports whether the video is publicly playable.
func (v *Video) Published() bool {
	return v.Status == StatusPublished
}

// TranscodeLease gives a single worker exclusive ownership of a video while
// it is being transcoded. Queue redelivery alone cannot prevent two workers
// from picking up the same video concurrently.
type TranscodeLease struct {
	VideoID   int64  `gorm:"primaryKey"`
	Owner     string `gorm:"size:100;not null"`
	ExpiresAt time.Time
}

// TableName returns the table name for TranscodeLease
func (TranscodeLease) TableName() string {
	return "transcode_leases"
}

// Expired reports whether the lease is past its expiry at the given instant.
func (l *TranscodeLease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
