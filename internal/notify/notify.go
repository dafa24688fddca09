package notify

import (
	"context"

	"github.com/user/shortvid-backend/internal/model"
)

// Notifier delivers operator-facing pipeline events. Implementations are
// invoked strictly best-effort; a notification failure never affects the
// pipeline.
type Notifier interface {
	VideoPublished(ctx context.Context, video *model.Video) error
	VideoFailed(ctx context.Context, videoID int64, reason string) error
}

// Noop is the notifier used when notifications are not configured.
type Noop struct{}

// VideoPublished does nothing.
func (Noop) VideoPublished(context.Context, *model.Video) error { return nil }

// VideoFailed does nothing.
func (Noop) VideoFailed(context.Context, int64, string) error { return nil }
