package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/user/shortvid-backend/internal/config"
	"github.com/user/shortvid-backend/internal/model"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestStore creates a store against a real MySQL database, skipping
// the test when none is reachable.
func setupTestStore(t *testing.T) (*MySQLStore, func()) {
	t.Helper()

	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		host = "localhost"
	}
	user := os.Getenv("TEST_DB_USER")
	if user == "" {
		user = "root"
	}
	password := os.Getenv("TEST_DB_PASSWORD")
	if password == "" {
		password = "root"
	}
	database := os.Getenv("TEST_DB_NAME")
	if database == "" {
		database = "shortvid_test"
	}

	rootDSN := fmt.Sprintf("%s:%s@tcp(%s:3306)/?charset=utf8mb4&parseTime=True", user, password, host)
	rootDB, err := gorm.Open(mysql.Open(rootDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := rootDB.Exec("CREATE DATABASE IF NOT EXISTS " + database).Error; err != nil {
		t.Skipf("cannot create test database: %v", err)
	}
	if sqlDB, err := rootDB.DB(); err == nil {
		sqlDB.Close()
	}

	cfg := &config.DBConfig{
		Host:     host,
		Port:     3306,
		User:     user,
		Password: password,
		Database: database,
		MaxConns: 5,
	}
	store, err := NewMySQLStore(cfg)
	if err != nil {
		t.Skipf("cannot connect to test database: %v", err)
	}

	cleanup := func() {
		store.DB().Exec("DELETE FROM videos")
		store.DB().Exec("DELETE FROM users")
		store.DB().Exec("DELETE FROM transcode_leases")
		store.Close()
	}
	store.DB().Exec("DELETE FROM videos")
	store.DB().Exec("DELETE FROM users")
	store.DB().Exec("DELETE FROM transcode_leases")

	return store, cleanup
}

func createTestVideo(t *testing.T, s *MySQLStore, authorID int64) *model.Video {
	t.Helper()
	video := &model.Video{
		AuthorID:     authorID,
		Title:        "test clip",
		RawObjectKey: "user_1/1700000000_abcd1234_clip.mp4",
		FileFormat:   "mp4",
	}
	if err := s.CreateVideo(context.Background(), video); err != nil {
		t.Fatalf("CreateVideo() error = %v", err)
	}
	return video
}

func TestVideoLifecycle(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	video := createTestVideo(t, s, 1)
	if video.Status != model.StatusPending {
		t.Fatalf("new video status = %s, want pending", video.Status)
	}

	if err := s.MarkProcessing(ctx, video.ID); err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}

	result := PublishResult{
		PlayURL:  "http://cdn.example/video_1.mp4",
		CoverURL: "http://cdn.example/video_1.jpg",
		Duration: 30,
		Width:    1280,
		Height:   720,
		FileSize: 12345,
	}
	if err := s.MarkPublished(ctx, video.ID, result); err != nil {
		t.Fatalf("MarkPublished() error = %v", err)
	}

	got, err := s.GetVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("GetVideo() error = %v", err)
	}
	if got.Status != model.StatusPublished {
		t.Errorf("status = %s, want published", got.Status)
	}
	if got.PlayURL != result.PlayURL {
		t.Errorf("play_url = %q", got.PlayURL)
	}
	if got.PublishTime == 0 {
		t.Error("publish_time not set on first publication")
	}
}

func TestMarkPublished_KeepsOriginalPublishTime(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	video := createTestVideo(t, s, 1)
	if err := s.MarkProcessing(ctx, video.ID); err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}

	// A video that already carries a publish time keeps it; only the first
	// publication stamps the clock.
	original := time.Now().Add(-24 * time.Hour).Unix()
	s.DB().Model(&model.Video{}).Where("id = ?", video.ID).Update("publish_time", original)

	if err := s.MarkPublished(ctx, video.ID, PublishResult{PlayURL: "http://cdn.example/a.mp4"}); err != nil {
		t.Fatalf("MarkPublished() error = %v", err)
	}

	got, _ := s.GetVideo(ctx, video.ID)
	if got.PublishTime != original {
		t.Errorf("publish_time = %d, want original %d", got.PublishTime, original)
	}

	// Once published, a redelivered job cannot drag the video back.
	if err := s.MarkProcessing(ctx, video.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkProcessing() on published = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitions_Guarded(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	video := createTestVideo(t, s, 1)

	// Publishing straight from pending skips processing and must fail.
	err := s.MarkPublished(ctx, video.ID, PublishResult{PlayURL: "http://x/y.mp4"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkPublished() from pending = %v, want ErrInvalidTransition", err)
	}

	// Failing straight from pending is equally forbidden.
	if err := s.MarkFailed(ctx, video.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkFailed() from pending = %v, want ErrInvalidTransition", err)
	}

	if err := s.MarkProcessing(ctx, video.ID); err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}
	// Redelivery while processing is a no-op, not a conflict.
	if err := s.MarkProcessing(ctx, video.ID); err != nil {
		t.Errorf("MarkProcessing() on processing = %v, want nil", err)
	}

	if err := s.MarkFailed(ctx, video.ID); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	got, _ := s.GetVideo(ctx, video.ID)
	if got.PlayURL != "" {
		t.Errorf("failed video has play_url %q, want empty", got.PlayURL)
	}

	// Failed videos can be retried.
	if err := s.MarkProcessing(ctx, video.ID); err != nil {
		t.Errorf("MarkProcessing() on failed = %v, want nil", err)
	}
}

func TestTransitions_MissingVideo(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.MarkProcessing(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkProcessing(absent) = %v, want ErrNotFound", err)
	}
	if err := s.MarkPublished(ctx, 99999, PublishResult{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkPublished(absent) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetVideo(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetVideo(absent) = %v, want ErrNotFound", err)
	}
}

func TestSoftDelete_OwnershipEnforced(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	video := createTestVideo(t, s, 1)

	if err := s.SoftDelete(ctx, video.ID, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("SoftDelete() by wrong author = %v, want ErrNotFound", err)
	}

	if err := s.SoftDelete(ctx, video.ID, 1); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	got, _ := s.GetVideo(ctx, video.ID)
	if got.Status != model.StatusDeleted {
		t.Errorf("status = %s, want deleted", got.Status)
	}

	// Deleting again converges.
	if err := s.SoftDelete(ctx, video.ID, 1); err != nil {
		t.Errorf("second SoftDelete() = %v, want nil", err)
	}

	// Deleted is terminal for the worker paths.
	if err := s.MarkProcessing(ctx, video.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkProcessing() on deleted = %v, want ErrInvalidTransition", err)
	}
}

func TestSoftDelete_RejectedWhileProcessing(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	video := createTestVideo(t, s, 1)
	if err := s.MarkProcessing(ctx, video.ID); err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}

	if err := s.SoftDelete(ctx, video.ID, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("SoftDelete() while processing = %v, want ErrInvalidTransition", err)
	}
	got, _ := s.GetVideo(ctx, video.ID)
	if got.Status != model.StatusProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}

	// Once the worker settles the video, the delete goes through.
	if err := s.MarkFailed(ctx, video.ID); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if err := s.SoftDelete(ctx, video.ID, 1); err != nil {
		t.Errorf("SoftDelete() after failure = %v, want nil", err)
	}
}

func TestIncrements(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	video := createTestVideo(t, s, 1)

	for i := 0; i < 3; i++ {
		if err := s.IncrementViewCount(ctx, video.ID); err != nil {
			t.Fatalf("IncrementViewCount() error = %v", err)
		}
	}
	if err := s.IncrementFavoriteCount(ctx, video.ID, 2); err != nil {
		t.Fatalf("IncrementFavoriteCount() error = %v", err)
	}
	if err := s.IncrementFavoriteCount(ctx, video.ID, -1); err != nil {
		t.Fatalf("IncrementFavoriteCount(-1) error = %v", err)
	}

	got, _ := s.GetVideo(ctx, video.ID)
	if got.ViewCount != 3 {
		t.Errorf("view_count = %d, want 3", got.ViewCount)
	}
	if got.FavoriteCount != 1 {
		t.Errorf("favorite_count = %d, want 1", got.FavoriteCount)
	}

	if err := s.IncrementViewCount(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementViewCount(absent) = %v, want ErrNotFound", err)
	}
}

func TestLease_MutualExclusion(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.AcquireLease(ctx, 42, "worker-a", time.Minute); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	if err := s.AcquireLease(ctx, 42, "worker-b", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("AcquireLease() by second owner = %v, want ErrLeaseHeld", err)
	}

	// The holder can re-acquire to extend.
	if err := s.AcquireLease(ctx, 42, "worker-a", time.Minute); err != nil {
		t.Errorf("AcquireLease() re-entry = %v, want nil", err)
	}

	// A different video is independent.
	if err := s.AcquireLease(ctx, 43, "worker-b", time.Minute); err != nil {
		t.Errorf("AcquireLease() on other video = %v, want nil", err)
	}

	if err := s.ReleaseLease(ctx, 42, "worker-b"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	// Non-owner release is a no-op; the lease is still held.
	if err := s.AcquireLease(ctx, 42, "worker-b", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("lease lost to non-owner release: %v", err)
	}

	if err := s.ReleaseLease(ctx, 42, "worker-a"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	if err := s.AcquireLease(ctx, 42, "worker-b", time.Minute); err != nil {
		t.Errorf("AcquireLease() after release = %v, want nil", err)
	}
}

func TestLease_ExpiredTakeover(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.AcquireLease(ctx, 42, "worker-a", -time.Second); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	if err := s.AcquireLease(ctx, 42, "worker-b", time.Minute); err != nil {
		t.Errorf("AcquireLease() on expired lease = %v, want takeover", err)
	}
}

func TestSweepExpiredLeases(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.AcquireLease(ctx, 1, "worker-a", -time.Second); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if err := s.AcquireLease(ctx, 2, "worker-a", time.Minute); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	swept, err := s.SweepExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredLeases() error = %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}
}

func TestSearchFallback(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	publish := func(title string, views, favs int64) *model.Video {
		v := createTestVideo(t, s, 1)
		if err := s.MarkProcessing(ctx, v.ID); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkPublished(ctx, v.ID, PublishResult{PlayURL: "http://x/y.mp4"}); err != nil {
			t.Fatal(err)
		}
		s.DB().Model(&model.Video{}).Where("id = ?", v.ID).
			Updates(map[string]interface{}{"title": title, "view_count": views, "favorite_count": favs})
		return v
	}

	cold := publish("cat compilation", 100, 0)
	hot := publish("cat tricks", 0, 100) // proxy 200, beats 100
	publish("dog tricks", 1000, 1000)
	pendingCat := createTestVideo(t, s, 1)
	s.DB().Model(&model.Video{}).Where("id = ?", pendingCat.ID).Update("title", "cat pending")

	videos, total, err := s.SearchFallback(ctx, FallbackQuery{Term: "cat", Sort: "hot", Limit: 10})
	if err != nil {
		t.Fatalf("SearchFallback() error = %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2 (pending video must be invisible)", total)
	}
	if len(videos) != 2 || videos[0].ID != hot.ID || videos[1].ID != cold.ID {
		t.Errorf("hot ordering wrong: got %v", []int64{videos[0].ID, videos[1].ID})
	}
}

func TestListStalePending(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	stale := createTestVideo(t, s, 1)
	s.DB().Model(&model.Video{}).Where("id = ?", stale.ID).
		Update("created_at", time.Now().Add(-2*time.Hour))

	fresh := createTestVideo(t, s, 1)
	_ = fresh

	noKey := createTestVideo(t, s, 1)
	s.DB().Model(&model.Video{}).Where("id = ?", noKey.ID).
		Updates(map[string]interface{}{"created_at": time.Now().Add(-2 * time.Hour), "raw_object_key": ""})

	videos, err := s.ListStalePending(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListStalePending() error = %v", err)
	}
	if len(videos) != 1 || videos[0].ID != stale.ID {
		t.Errorf("stale pending = %v, want only the old video with a raw key", videos)
	}
}

func TestAuthorNames(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	s.DB().Create(&model.User{ID: 1, Username: "alice"})
	s.DB().Create(&model.User{ID: 2, Username: "bob"})

	names, err := s.AuthorNames(ctx, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("AuthorNames() error = %v", err)
	}
	if names[1] != "alice" || names[2] != "bob" {
		t.Errorf("names = %v", names)
	}
	if _, ok := names[3]; ok {
		t.Error("unknown author should be absent, not empty")
	}
}
