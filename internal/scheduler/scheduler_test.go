package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/shortvid-backend/internal/config"
	"github.com/user/shortvid-backend/internal/model"
)

type mockStore struct {
	mu        sync.Mutex
	published []*model.Video
	stale     []*model.Video
	listDelay time.Duration

	concurrent    int32
	maxConcurrent int32
	sweptLeases   int64
}

func (m *mockStore) ListPublished(ctx context.Context, offset, limit int) ([]*model.Video, error) {
	current := atomic.AddInt32(&m.concurrent, 1)
	defer atomic.AddInt32(&m.concurrent, -1)

	m.mu.Lock()
	if current > m.maxConcurrent {
		m.maxConcurrent = current
	}
	m.mu.Unlock()

	time.Sleep(m.listDelay)

	if offset >= len(m.published) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.published) {
		end = len(m.published)
	}
	return m.published[offset:end], nil
}

func (m *mockStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Video, error) {
	return m.stale, nil
}

func (m *mockStore) CountVideos(ctx context.Context, status model.Status) (int64, error) {
	return int64(len(m.published)), nil
}

func (m *mockStore) SweepExpiredLeases(ctx context.Context) (int64, error) {
	return m.sweptLeases, nil
}

type mockIndex struct {
	mu      sync.Mutex
	updates map[int64]float64
	failIDs map[int64]bool
}

func (m *mockIndex) UpdateHotScore(ctx context.Context, videoID int64, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIDs[videoID] {
		return errors.New("index write rejected")
	}
	if m.updates == nil {
		m.updates = make(map[int64]float64)
	}
	m.updates[videoID] = score
	return nil
}

type mockResubmitter struct {
	resubmitted []int64
	err         error
}

func (m *mockResubmitter) Resubmit(ctx context.Context, video *model.Video) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.resubmitted = append(m.resubmitted, video.ID)
	return "task-resub", nil
}

func refreshConfig() *config.RefreshConfig {
	return &config.RefreshConfig{
		Enabled:       true,
		Interval:      time.Hour,
		BatchSize:     2,
		RateLimit:     10000,
		SweepEnabled:  true,
		SweepInterval: time.Hour,
		PendingMaxAge: 30 * time.Minute,
	}
}

func publishedVideos(n int) []*model.Video {
	videos := make([]*model.Video, 0, n)
	for i := 1; i <= n; i++ {
		videos = append(videos, &model.Video{
			ID:        int64(i),
			Status:    model.StatusPublished,
			ViewCount: int64(i * 1000),
		})
	}
	return videos
}

func TestRefreshOnce_UpdatesAllBatches(t *testing.T) {
	store := &mockStore{published: publishedVideos(5)}
	index := &mockIndex{}
	s := NewScheduler(store, index, &mockResubmitter{}, refreshConfig())

	updated, failed, err := s.RefreshOnce(context.Background())
	if err != nil {
		t.Fatalf("RefreshOnce() error = %v", err)
	}
	if updated != 5 || failed != 0 {
		t.Errorf("RefreshOnce() = (%d, %d), want (5, 0)", updated, failed)
	}

	// Scores must come from the formula, not be carried over stale.
	if got := index.updates[2]; got != 1.0 {
		t.Errorf("hot score for video 2 = %v, want 1.0", got)
	}
}

func TestRefreshOnce_CountsFailuresWithoutAborting(t *testing.T) {
	store := &mockStore{published: publishedVideos(4)}
	index := &mockIndex{failIDs: map[int64]bool{2: true, 3: true}}
	s := NewScheduler(store, index, &mockResubmitter{}, refreshConfig())

	updated, failed, err := s.RefreshOnce(context.Background())
	if err != nil {
		t.Fatalf("RefreshOnce() error = %v", err)
	}
	if updated != 2 || failed != 2 {
		t.Errorf("RefreshOnce() = (%d, %d), want (2, 2)", updated, failed)
	}
	if _, ok := index.updates[4]; !ok {
		t.Error("videos after a failed one must still be refreshed")
	}
}

func TestExecuteRefresh_SkipsOverlappingTrigger(t *testing.T) {
	store := &mockStore{published: publishedVideos(3), listDelay: 50 * time.Millisecond}
	s := NewScheduler(store, &mockIndex{}, &mockResubmitter{}, refreshConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.executeRefresh(context.Background())
		}()
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.maxConcurrent > 1 {
		t.Errorf("max concurrent refresh passes = %d, want 1", store.maxConcurrent)
	}
}

func TestSweepOnce_ResubmitsStalePending(t *testing.T) {
	store := &mockStore{
		stale: []*model.Video{
			{ID: 11, Status: model.StatusPending},
			{ID: 12, Status: model.StatusPending},
		},
		sweptLeases: 3,
	}
	resub := &mockResubmitter{}
	s := NewScheduler(store, &mockIndex{}, resub, refreshConfig())

	count, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}
	if count != 2 {
		t.Errorf("SweepOnce() = %d, want 2", count)
	}
	if len(resub.resubmitted) != 2 {
		t.Errorf("resubmitted = %v, want both stale videos", resub.resubmitted)
	}
}

func TestSweepOnce_ResubmitFailureDoesNotAbort(t *testing.T) {
	store := &mockStore{stale: []*model.Video{{ID: 11}, {ID: 12}}}
	resub := &mockResubmitter{err: errors.New("broker unreachable")}
	s := NewScheduler(store, &mockIndex{}, resub, refreshConfig())

	count, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}
	if count != 0 {
		t.Errorf("SweepOnce() = %d, want 0 when every resubmit fails", count)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	cfg := refreshConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond

	store := &mockStore{published: publishedVideos(1)}
	s := NewScheduler(store, &mockIndex{}, &mockResubmitter{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	time.Sleep(35 * time.Millisecond)
	s.Stop()

	if s.IsRunning() {
		t.Error("scheduler reports running after Stop")
	}
}

func TestScheduler_DisabledLoopsDoNotStart(t *testing.T) {
	cfg := refreshConfig()
	cfg.Enabled = false
	cfg.SweepEnabled = false

	s := NewScheduler(&mockStore{}, &mockIndex{}, &mockResubmitter{}, cfg)
	s.Start(context.Background())
	s.Stop()
}
