package ingest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/user/shortvid-backend/internal/besteffort"
	"github.com/user/shortvid-backend/internal/config"
	"github.com/user/shortvid-backend/internal/model"
	"github.com/user/shortvid-backend/internal/objectstore"
	"github.com/user/shortvid-backend/internal/queue"
	"github.com/user/shortvid-backend/internal/search"
)

// ValidationError rejects an upload before any state is created. The field
// names which part of the request was bad.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Store is the persistence slice the ingestion path uses.
type Store interface {
	CreateVideo(ctx context.Context, video *model.Video) error
	GetVideo(ctx context.Context, id int64) (*model.Video, error)
	SoftDelete(ctx context.Context, id int64, authorID int64) error
	IncrementViewCount(ctx context.Context, id int64) error
	ListFeed(ctx context.Context, offset, limit int) ([]*model.Video, int64, error)
	ListByAuthor(ctx context.Context, authorID int64, status model.Status, offset, limit int) ([]*model.Video, int64, error)
	AuthorNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// ObjectStore is the blob slice the ingestion path uses.
type ObjectStore interface {
	PutRaw(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	RemoveRaw(ctx context.Context, key string) error
	PresignRaw(ctx context.Context, key string, expiry time.Duration) (string, error)
	RemovePublic(ctx context.Context, key string) error
}

// Index is the best-effort search surface the ingestion path touches.
type Index interface {
	Upsert(ctx context.Context, doc *search.Document) error
	Remove(ctx context.Context, videoID int64) error
}

// UploadRequest carries one raw video upload.
type UploadRequest struct {
	AuthorID    int64
	Filename    string
	Size        int64
	Body        io.Reader
	Title       string
	Description string
}

// UploadResult is returned to the client immediately; the video publishes
// asynchronously.
type UploadResult struct {
	VideoID    int64  `json:"video_id"`
	ObjectName string `json:"object_name"`
	UploadURL  string `json:"upload_url,omitempty"`
	Status     string `json:"status"`
}

// Service accepts uploads, records them as pending videos and hands them to
// the transcode queue. It is the only producer of transcode jobs.
type Service struct {
	store    Store
	objects  ObjectStore
	producer queue.Producer
	index    Index
	cfg      *config.UploadConfig
}

// NewService creates an ingestion service.
func NewService(st Store, objects ObjectStore, producer queue.Producer, index Index, cfg *config.UploadConfig) *Service {
	return &Service{
		store:    st,
		objects:  objects,
		producer: producer,
		index:    index,
		cfg:      cfg,
	}
}

// Upload validates and stores a raw video, creates the pending record and
// enqueues the transcode job. The record is created before the enqueue so a
// broker outage leaves a pending video the reconciliation sweep can resubmit.
func (s *Service) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	now := time.Now()
	key := objectstore.RawKey(req.AuthorID, req.Filename, now)

	if err := s.objects.PutRaw(ctx, key, req.Body, req.Size, "application/octet-stream"); err != nil {
		return nil, fmt.Errorf("failed to store raw upload: %w", err)
	}

	title := req.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(req.Filename), filepath.Ext(req.Filename))
	}

	video := &model.Video{
		AuthorID:     req.AuthorID,
		Title:        title,
		Description:  req.Description,
		FileSize:     req.Size,
		FileFormat:   s.cfg.OutputFormat,
		RawObjectKey: key,
		Status:       model.StatusPending,
	}
	if err := s.store.CreateVideo(ctx, video); err != nil {
		// Orphaned raw objects are cheaper than lost uploads; clean up
		// anyway since nothing references this one yet.
		besteffort.Do(log.Logger, "objectstore.remove_raw", func() error {
			return s.objects.RemoveRaw(ctx, key)
		})
		return nil, fmt.Errorf("failed to create video record: %w", err)
	}

	logger := log.With().Int64("videoID", video.ID).Int64("authorID", req.AuthorID).Logger()

	taskID, err := s.submit(ctx, video)
	if err != nil {
		// The video stays pending; the sweep resubmits it. Failing the
		// upload here would throw away a perfectly stored file.
		logger.Error().Err(err).Msg("Failed to enqueue transcode job, leaving video pending")
	} else {
		logger.Info().Str("taskID", taskID).Msg("Upload accepted and queued for transcoding")
	}

	besteffort.Do(logger, "index.upsert_pending", func() error {
		return s.index.Upsert(ctx, search.NewDocument(video, ""))
	})

	uploadURL := ""
	if url, err := s.objects.PresignRaw(ctx, key, s.cfg.URLExpiry); err != nil {
		logger.Warn().Err(err).Msg("Failed to presign raw object")
	} else {
		uploadURL = url
	}

	return &UploadResult{
		VideoID:    video.ID,
		ObjectName: key,
		UploadURL:  uploadURL,
		Status:     string(video.Status),
	}, nil
}

// Resubmit re-enqueues the transcode job for a video that is still pending,
// typically because the original enqueue failed.
func (s *Service) Resubmit(ctx context.Context, video *model.Video) (string, error) {
	return s.submit(ctx, video)
}

func (s *Service) submit(ctx context.Context, video *model.Video) (string, error) {
	job := &model.TranscodeJob{
		VideoID:       video.ID,
		RawFilePath:   video.RawObjectKey,
		UserID:        video.AuthorID,
		Title:         video.Title,
		Description:   video.Description,
		Quality:       s.cfg.Quality,
		Format:        s.cfg.OutputFormat,
		GenerateCover: s.cfg.GenerateCover,
		CreatedAt:     time.Now().Unix(),
		Status:        "pending",
	}
	return s.producer.Submit(ctx, job)
}

// Get returns a video by id, optionally counting the access as a view.
// The view counter is best-effort; a failed increment never blocks playback.
func (s *Service) Get(ctx context.Context, id int64, countView bool) (*model.Video, string, error) {
	video, err := s.store.GetVideo(ctx, id)
	if err != nil {
		return nil, "", err
	}

	if countView && video.Status == model.StatusPublished {
		besteffort.Do(log.With().Int64("videoID", id).Logger(), "store.increment_view", func() error {
			return s.store.IncrementViewCount(ctx, id)
		})
		video.ViewCount++
	}

	name := ""
	if names, err := s.store.AuthorNames(ctx, []int64{video.AuthorID}); err == nil {
		name = names[video.AuthorID]
	}
	return video, name, nil
}

// Delete soft-deletes a video on behalf of its author and cleans up the
// derived artifacts. Cleanup is best-effort: the soft delete is the source
// of truth, orphaned objects and index entries just age out.
func (s *Service) Delete(ctx context.Context, id int64, authorID int64) error {
	video, err := s.store.GetVideo(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.SoftDelete(ctx, id, authorID); err != nil {
		return err
	}

	logger := log.With().Int64("videoID", id).Logger()
	besteffort.Do(logger, "index.remove", func() error {
		return s.index.Remove(ctx, id)
	})
	besteffort.Do(logger, "objectstore.remove_play", func() error {
		return s.objects.RemovePublic(ctx, objectstore.PlayKey(id, video.FileFormat))
	})
	besteffort.Do(logger, "objectstore.remove_cover", func() error {
		return s.objects.RemovePublic(ctx, objectstore.CoverKey(id))
	})
	if video.RawObjectKey != "" {
		besteffort.Do(logger, "objectstore.remove_raw", func() error {
			return s.objects.RemoveRaw(ctx, video.RawObjectKey)
		})
	}

	logger.Info().Int64("authorID", authorID).Msg("Video deleted")
	return nil
}

// Feed returns published videos in reverse publish order along with their
// author display names.
func (s *Service) Feed(ctx context.Context, offset, limit int) ([]*model.Video, map[int64]string, int64, error) {
	videos, total, err := s.store.ListFeed(ctx, offset, limit)
	if err != nil {
		return nil, nil, 0, err
	}
	names := s.authorNames(ctx, videos)
	return videos, names, total, nil
}

// ListByAuthor returns an author's own videos, any status except deleted.
func (s *Service) ListByAuthor(ctx context.Context, authorID int64, offset, limit int) ([]*model.Video, map[int64]string, int64, error) {
	videos, total, err := s.store.ListByAuthor(ctx, authorID, "", offset, limit)
	if err != nil {
		return nil, nil, 0, err
	}
	names := s.authorNames(ctx, videos)
	return videos, names, total, nil
}

func (s *Service) authorNames(ctx context.Context, videos []*model.Video) map[int64]string {
	ids := make([]int64, 0, len(videos))
	seen := make(map[int64]bool, len(videos))
	for _, v := range videos {
		if !seen[v.AuthorID] {
			seen[v.AuthorID] = true
			ids = append(ids, v.AuthorID)
		}
	}
	if len(ids) == 0 {
		return map[int64]string{}
	}
	names, err := s.store.AuthorNames(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to resolve author names")
		return map[int64]string{}
	}
	return names
}

// validate applies the upload gate: size bounds and container allow-list.
func (s *Service) validate(req *UploadRequest) error {
	if req.AuthorID <= 0 {
		return &ValidationError{Field: "author_id", Message: "must be positive"}
	}
	if req.Filename == "" {
		return &ValidationError{Field: "filename", Message: "must not be empty"}
	}
	if req.Size <= 0 {
		return &ValidationError{Field: "file", Message: "must not be empty"}
	}
	if req.Size > s.cfg.MaxSize {
		return &ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", s.cfg.MaxSize),
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.Filename), "."))
	for _, allowed := range s.cfg.AllowedFormats {
		if ext == strings.ToLower(allowed) {
			return nil
		}
	}
	return &ValidationError{
		Field:   "filename",
		Message: fmt.Sprintf("format %q not allowed (allowed: %s)", ext, strings.Join(s.cfg.AllowedFormats, ", ")),
	}
}
