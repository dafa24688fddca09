package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObjectStore is the blob storage capability surface the pipeline depends
// on: a private container for raw uploads and a public container for
// transcoded outputs.
type ObjectStore interface {
	// Raw (private) container
	PutRaw(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	DownloadRaw(ctx context.Context, key, destPath string) error
	RemoveRaw(ctx context.Context, key string) error
	PresignRaw(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Public container
	PublishFile(ctx context.Context, key, localPath, contentType string) (publicURL string, err error)
	RemovePublic(ctx context.Context, key string) error
	PublicURL(key string) string

	EnsureBuckets(ctx context.Context) error
	Close() error
}

// RawKey builds the collision-resistant private key for an upload:
// user_{id}/{unix}_{rand8}_{filename}. The filename is flattened to its base
// so a client-supplied path cannot escape the author's prefix.
func RawKey(authorID int64, filename string, now time.Time) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	return fmt.Sprintf("user_%d/%d_%s_%s", authorID, now.Unix(), uuid.NewString()[:8], base)
}

// PlayKey builds the public object key for a transcoded video. It is
// deterministic per video so a redelivered job overwrites the previous
// attempt's output instead of duplicating it.
func PlayKey(videoID int64, format string) string {
	return fmt.Sprintf("video_%d.%s", videoID, format)
}

// CoverKey builds the public object key for a video cover, co-located with
// the video object by naming convention.
func CoverKey(videoID int64) string {
	return fmt.Sprintf("video_%d.jpg", videoID)
}
