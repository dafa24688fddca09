package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/shortvid-backend/internal/config"
	"github.com/user/shortvid-backend/internal/model"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// MySQLStore implements Store interface using MySQL database
type MySQLStore struct {
	db *gorm.DB
}

// NewMySQLStore creates a new MySQL store instance
func NewMySQLStore(cfg *config.DBConfig) (*MySQLStore, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.MaxConns)
	sqlDB.SetMaxIdleConns(cfg.MaxConns / 2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Auto migrate tables
	if err := db.AutoMigrate(&model.Video{}, &model.User{}, &model.TranscodeLease{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &MySQLStore{db: db}, nil
}

// CreateVideo inserts a new video record. New records always start in the
// pending state with empty storage pointers.
func (s *MySQLStore) CreateVideo(ctx context.Context, video *model.Video) error {
	video.Status = model.StatusPending
	video.PlayURL = ""
	video.CoverURL = ""
	video.PublishTime = 0

	if err := s.db.WithContext(ctx).Create(video).Error; err != nil {
		return fmt.Errorf("failed to create video: %w", err)
	}
	return nil
}

// GetVideo retrieves a video by id.
func (s *MySQLStore) GetVideo(ctx context.Context, id int64) (*model.Video, error) {
	var video model.Video
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&video)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get video: %w", result.Error)
	}
	return &video, nil
}

// GetVideosByIDs retrieves videos by id. The returned slice is in database
// order; callers that need index ranking order must reorder it themselves.
func (s *MySQLStore) GetVideosByIDs(ctx context.Context, ids []int64) ([]*model.Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var videos []*model.Video
	result := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&videos)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get videos by ids: %w", result.Error)
	}
	return videos, nil
}

// MarkProcessing moves a video into the processing state. Calling it for a
// video already in processing is a no-op, so queue redeliveries converge.
func (s *MySQLStore) MarkProcessing(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).
		Model(&model.Video{}).
		Where("id = ? AND status IN ?", id, []model.Status{
			model.StatusPending, model.StatusFailed, model.StatusProcessing,
		}).
		Update("status", model.StatusProcessing)
	if result.Error != nil {
		return fmt.Errorf("failed to mark video processing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.transitionConflict(ctx, id)
	}
	return nil
}

// MarkPublished applies the worker outputs and moves a video to published.
// publish_time is set only the first time the video is published; a
// republication after redelivery keeps the original timestamp.
func (s *MySQLStore) MarkPublished(ctx context.Context, id int64, res PublishResult) error {
	now := time.Now().Unix()
	result := s.db.WithContext(ctx).
		Model(&model.Video{}).
		Where("id = ? AND status = ?", id, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":       model.StatusPublished,
			"play_url":     res.PlayURL,
			"cover_url":    res.CoverURL,
			"file_size":    res.FileSize,
			"duration":     res.Duration,
			"width":        res.Width,
			"height":       res.Height,
			"publish_time": gorm.Expr("IF(publish_time = 0, ?, publish_time)", now),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark video published: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.transitionConflict(ctx, id)
	}
	return nil
}

// MarkFailed moves a video to the failed state and clears the playable URL,
// preserving the invariant that play_url is set only for published videos.
func (s *MySQLStore) MarkFailed(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).
		Model(&model.Video{}).
		Where("id = ? AND status = ?", id, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":   model.StatusFailed,
			"play_url": "",
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark video failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.transitionConflict(ctx, id)
	}
	return nil
}

// SoftDelete marks a video as deleted. Deleting an already deleted video is
// a no-op; a video mid-transcode cannot be deleted until the worker settles
// it. authorID 0 bypasses the ownership check (admin path).
func (s *MySQLStore) SoftDelete(ctx context.Context, id int64, authorID int64) error {
	query := s.db.WithContext(ctx).
		Model(&model.Video{}).
		Where("id = ? AND status NOT IN ?", id, []model.Status{model.StatusDeleted, model.StatusProcessing})
	if authorID > 0 {
		query = query.Where("author_id = ?", authorID)
	}
	result := query.Update("status", model.StatusDeleted)
	if result.Error != nil {
		return fmt.Errorf("failed to delete video: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Absent, already deleted, mid-transcode, or owned by someone else.
		var video model.Video
		err := s.db.WithContext(ctx).Where("id = ?", id).First(&video).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to delete video: %w", err)
		}
		if authorID > 0 && video.AuthorID != authorID {
			return ErrNotFound
		}
		if video.Status == model.StatusProcessing {
			return fmt.Errorf("%w: video %d is %s", ErrInvalidTransition, id, video.Status)
		}
	}
	return nil
}

// transitionConflict distinguishes a missing record from a state machine
// violation after a guarded update matched zero rows.
func (s *MySQLStore) transitionConflict(ctx context.Context, id int64) error {
	var video model.Video
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&video).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check video status: %w", err)
	}
	return fmt.Errorf("%w: video %d is %s", ErrInvalidTransition, id, video.Status)
}

// IncrementViewCount atomically bumps view_count by one.
func (s *MySQLStore) IncrementViewCount(ctx context.Context, id int64) error {
	return s.increment(ctx, id, "view_count", 1)
}

// IncrementFavoriteCount atomically adjusts favorite_count.
func (s *MySQLStore) IncrementFavoriteCount(ctx context.Context, id int64, delta int64) error {
	return s.increment(ctx, id, "favorite_count", delta)
}

// IncrementCommentCount atomically adjusts comment_count.
func (s *MySQLStore) IncrementCommentCount(ctx context.Context, id int64, delta int64) error {
	return s.increment(ctx, id, "comment_count", delta)
}

func (s *MySQLStore) increment(ctx context.Context, id int64, column string, delta int64) error {
	result := s.db.WithContext(ctx).
		Model(&model.Video{}).
		Where("id = ?", id).
		Update(column, gorm.Expr(column+" + ?", delta))
	if result.Error != nil {
		return fmt.Errorf("failed to increment %s: %w", column, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFeed returns published videos ordered by publish time, newest first.
func (s *MySQLStore) ListFeed(ctx context.Context, offset, limit int) ([]*model.Video, int64, error) {
	var videos []*model.Video
	result := s.db.WithContext(ctx).
		Where("status = ?", model.StatusPublished).
		Order("publish_time DESC").
		Offset(offset).
		Limit(limit).
		Find(&videos)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to list feed: %w", result.Error)
	}
	total, err := s.CountVideos(ctx, model.StatusPublished)
	if err != nil {
		return nil, 0, err
	}
	return videos, total, nil
}

// ListByAuthor returns an author's videos, optionally filtered by status.
func (s *MySQLStore) ListByAuthor(ctx context.Context, authorID int64, status model.Status, offset, limit int) ([]*model.Video, int64, error) {
	query := s.db.WithContext(ctx).Model(&model.Video{}).Where("author_id = ?", authorID)
	if status != "" {
		query = query.Where("status = ?", status)
	} else {
		query = query.Where("status <> ?", model.StatusDeleted)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count author videos: %w", err)
	}

	var videos []*model.Video
	result := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&videos)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to list author videos: %w", result.Error)
	}
	return videos, total, nil
}

// ListPublished pages through all published videos, oldest id first, for the
// hot-score refresher and full resync.
func (s *MySQLStore) ListPublished(ctx context.Context, offset, limit int) ([]*model.Video, error) {
	var videos []*model.Video
	result := s.db.WithContext(ctx).
		Where("status = ?", model.StatusPublished).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&videos)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list published videos: %w", result.Error)
	}
	return videos, nil
}

// ListStalePending returns videos stuck in pending longer than the given
// threshold, candidates for job resubmission by the reconciliation sweep.
func (s *MySQLStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Video, error) {
	var videos []*model.Video
	result := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ? AND raw_object_key <> ''", model.StatusPending, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&videos)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list stale pending videos: %w", result.Error)
	}
	return videos, nil
}

// CountVideos returns the number of videos in the given status, or all
// non-deleted videos when status is empty.
func (s *MySQLStore) CountVideos(ctx context.Context, status model.Status) (int64, error) {
	query := s.db.WithContext(ctx).Model(&model.Video{})
	if status != "" {
		query = query.Where("status = ?", status)
	} else {
		query = query.Where("status <> ?", model.StatusDeleted)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count videos: %w", err)
	}
	return count, nil
}

// SearchFallback runs the degraded search directly against MySQL: substring
// match instead of full text, view_count + 2*favorite_count as the hot-sort
// proxy, no highlighting. Only published videos are visible.
func (s *MySQLStore) SearchFallback(ctx context.Context, q FallbackQuery) ([]*model.Video, int64, error) {
	query := s.db.WithContext(ctx).Model(&model.Video{}).Where("status = ?", model.StatusPublished)

	if q.Term != "" {
		pattern := "%" + q.Term + "%"
		query = query.Where("title LIKE ? OR description LIKE ?", pattern, pattern)
	}
	if q.AuthorID > 0 {
		query = query.Where("author_id = ?", q.AuthorID)
	}
	if q.VideoID > 0 {
		query = query.Where("id = ?", q.VideoID)
	}
	if q.StartTime > 0 {
		query = query.Where("publish_time >= ?", q.StartTime)
	}
	if q.EndTime > 0 {
		query = query.Where("publish_time <= ?", q.EndTime)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count fallback search: %w", err)
	}

	switch q.Sort {
	case "time":
		query = query.Order("publish_time DESC")
	case "hot":
		query = query.Order("(view_count + favorite_count * 2) DESC")
	default:
		query = query.Order("created_at DESC")
	}

	var videos []*model.Video
	result := query.Offset(q.Offset).Limit(q.Limit).Find(&videos)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to run fallback search: %w", result.Error)
	}
	return videos, total, nil
}

// AuthorNames resolves user ids to display names.
func (s *MySQLStore) AuthorNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	var users []*model.User
	result := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load author names: %w", result.Error)
	}
	for _, u := range users {
		names[u.ID] = u.Username
	}
	return names, nil
}

// AcquireLease takes the per-video transcode lease for owner. An expired
// lease is taken over; a live lease held by a different owner returns
// ErrLeaseHeld. Re-acquiring an owned lease extends it.
func (s *MySQLStore) AcquireLease(ctx context.Context, videoID int64, owner string, ttl time.Duration) error {
	now := time.Now()
	lease := &model.TranscodeLease{
		VideoID:   videoID,
		Owner:     owner,
		ExpiresAt: now.Add(ttl),
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "video_id"}},
		DoNothing: true,
	}).Create(lease)
	if result.Error != nil {
		return fmt.Errorf("failed to acquire lease: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	// Row exists: take over only if expired or already ours.
	takeover := s.db.WithContext(ctx).
		Model(&model.TranscodeLease{}).
		Where("video_id = ? AND (owner = ? OR expires_at < ?)", videoID, owner, now).
		Updates(map[string]interface{}{
			"owner":      owner,
			"expires_at": now.Add(ttl),
		})
	if takeover.Error != nil {
		return fmt.Errorf("failed to acquire lease: %w", takeover.Error)
	}
	if takeover.RowsAffected == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *MySQLStore) ReleaseLease(ctx context.Context, videoID int64, owner string) error {
	result := s.db.WithContext(ctx).
		Where("video_id = ? AND owner = ?", videoID, owner).
		Delete(&model.TranscodeLease{})
	if result.Error != nil {
		return fmt.Errorf("failed to release lease: %w", result.Error)
	}
	return nil
}

// SweepExpiredLeases removes leases abandoned by crashed workers.
func (s *MySQLStore) SweepExpiredLeases(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&model.TranscodeLease{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to sweep expired leases: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ping checks database connectivity
func (s *MySQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying db: %w", err)
	}
	return sqlDB.Close()
}

// DB returns the underlying gorm.DB instance (for testing purposes)
func (s *MySQLStore) DB() *gorm.DB {
	return s.db
}
