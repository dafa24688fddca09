package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/user/shortvid-backend/internal/config"
	"github.com/user/shortvid-backend/internal/model"
	"github.com/user/shortvid-backend/internal/search"
)

// Store is the persistence slice the background jobs read from.
type Store interface {
	ListPublished(ctx context.Context, offset, limit int) ([]*model.Video, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Video, error)
	CountVideos(ctx context.Context, status model.Status) (int64, error)
	SweepExpiredLeases(ctx context.Context) (int64, error)
}

// Index is the hot-score update surface.
type Index interface {
	UpdateHotScore(ctx context.Context, videoID int64, score float64) error
}

// Resubmitter re-enqueues the transcode job for a stuck pending video.
type Resubmitter interface {
	Resubmit(ctx context.Context, video *model.Video) (string, error)
}

// Scheduler runs the periodic background jobs: the hot-score refresh that
// keeps index ranking signals close to the counters in the system of
// record, and the reconciliation sweep that resubmits pending videos whose
// transcode job was lost.
type Scheduler struct {
	store     Store
	index     Index
	resubmit  Resubmitter
	config    *config.RefreshConfig
	limiter   *rate.Limiter
	running   atomic.Bool
	refreshMu sync.Mutex
	sweepMu   sync.Mutex
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler instance.
func NewScheduler(store Store, index Index, resubmit Resubmitter, cfg *config.RefreshConfig) *Scheduler {
	return &Scheduler{
		store:    store,
		index:    index,
		resubmit: resubmit,
		config:   cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the enabled background loops.
func (s *Scheduler) Start(ctx context.Context) {
	if s.config.Enabled {
		s.wg.Add(1)
		go s.runRefresh(ctx)
	} else {
		log.Info().Msg("Hot score refresh is disabled")
	}

	if s.config.SweepEnabled {
		s.wg.Add(1)
		go s.runSweep(ctx)
	} else {
		log.Info().Msg("Reconciliation sweep is disabled")
	}
}

func (s *Scheduler) runRefresh(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.config.Interval).Msg("Hot score refresh started")

	for {
		select {
		case <-ticker.C:
			s.executeRefresh(ctx)
		case <-s.stopCh:
			log.Info().Msg("Hot score refresh stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Hot score refresh context cancelled")
			return
		}
	}
}

// executeRefresh runs a single refresh pass with overlap protection: a pass
// still running when the next tick fires wins, the tick is skipped.
func (s *Scheduler) executeRefresh(ctx context.Context) {
	if !s.refreshMu.TryLock() {
		log.Warn().Msg("Hot score refresh already running, skipping this trigger")
		return
	}
	defer s.refreshMu.Unlock()

	s.running.Store(true)
	defer s.running.Store(false)

	startTime := time.Now()
	updated, failed, err := s.RefreshOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Hot score refresh failed")
		return
	}

	log.Info().
		Int("updated", updated).
		Int("failed", failed).
		Dur("duration", time.Since(startTime)).
		Msg("Hot score refresh completed")
}

// RefreshOnce walks all published videos in batches and pushes their
// recomputed hot scores into the index. Individual update failures are
// counted, not fatal: the next pass recomputes from the counters anyway.
func (s *Scheduler) RefreshOnce(ctx context.Context) (updated, failed int, err error) {
	offset := 0
	for {
		videos, listErr := s.store.ListPublished(ctx, offset, s.config.BatchSize)
		if listErr != nil {
			return updated, failed, listErr
		}
		if len(videos) == 0 {
			return updated, failed, nil
		}

		for _, v := range videos {
			if waitErr := s.limiter.Wait(ctx); waitErr != nil {
				return updated, failed, waitErr
			}
			score := search.HotScore(v.ViewCount, v.FavoriteCount, v.CommentCount)
			if updErr := s.index.UpdateHotScore(ctx, v.ID, score); updErr != nil {
				log.Warn().Err(updErr).Int64("videoID", v.ID).Msg("Hot score update failed")
				failed++
			} else {
				updated++
			}
		}

		if len(videos) < s.config.BatchSize {
			return updated, failed, nil
		}
		offset += len(videos)
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.config.SweepInterval).Msg("Reconciliation sweep started")

	for {
		select {
		case <-ticker.C:
			s.executeSweep(ctx)
		case <-s.stopCh:
			log.Info().Msg("Reconciliation sweep stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Reconciliation sweep context cancelled")
			return
		}
	}
}

func (s *Scheduler) executeSweep(ctx context.Context) {
	if !s.sweepMu.TryLock() {
		log.Warn().Msg("Reconciliation sweep already running, skipping this trigger")
		return
	}
	defer s.sweepMu.Unlock()

	startTime := time.Now()
	resubmitted, err := s.SweepOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Reconciliation sweep failed")
		return
	}

	log.Info().
		Int("resubmitted", resubmitted).
		Dur("duration", time.Since(startTime)).
		Msg("Reconciliation sweep completed")
}

// SweepOnce clears expired transcode leases and resubmits pending videos
// older than the configured age, whose jobs were presumably lost to a
// broker outage.
func (s *Scheduler) SweepOnce(ctx context.Context) (int, error) {
	if reclaimed, err := s.store.SweepExpiredLeases(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to sweep expired leases")
	} else if reclaimed > 0 {
		log.Info().Int64("reclaimed", reclaimed).Msg("Expired transcode leases reclaimed")
	}

	cutoff := time.Now().Add(-s.config.PendingMaxAge)
	videos, err := s.store.ListStalePending(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	resubmitted := 0
	for _, v := range videos {
		taskID, err := s.resubmit.Resubmit(ctx, v)
		if err != nil {
			log.Error().Err(err).Int64("videoID", v.ID).Msg("Failed to resubmit stale pending video")
			continue
		}
		log.Info().Int64("videoID", v.ID).Str("taskID", taskID).Msg("Stale pending video resubmitted")
		resubmitted++
	}
	return resubmitted, nil
}

// Stop gracefully stops the scheduler loops.
func (s *Scheduler) Stop() {
	log.Info().Msg("Stopping scheduler...")
	close(s.stopCh)
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

// IsRunning returns true if a refresh pass is currently running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}
