package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/user/shortvid-backend/internal/besteffort"
	"github.com/user/shortvid-backend/internal/config"
	"github.com/user/shortvid-backend/internal/media"
	"github.com/user/shortvid-backend/internal/model"
	"github.com/user/shortvid-backend/internal/notify"
	"github.com/user/shortvid-backend/internal/objectstore"
	"github.com/user/shortvid-backend/internal/queue"
	"github.com/user/shortvid-backend/internal/search"
	"github.com/user/shortvid-backend/internal/server"
	"github.com/user/shortvid-backend/internal/store"
)

// Store is the slice of the system of record the worker mutates.
type Store interface {
	GetVideo(ctx context.Context, id int64) (*model.Video, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkPublished(ctx context.Context, id int64, result store.PublishResult) error
	MarkFailed(ctx context.Context, id int64) error
	AuthorNames(ctx context.Context, ids []int64) (map[int64]string, error)
	AcquireLease(ctx context.Context, videoID int64, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, videoID int64, owner string) error
}

// ObjectStore is the blob capability the worker needs.
type ObjectStore interface {
	DownloadRaw(ctx context.Context, key, destPath string) error
	PublishFile(ctx context.Context, key, localPath, contentType string) (string, error)
}

// Processor runs the actual media work.
type Processor interface {
	Transcode(ctx context.Context, input, output string, tier media.QualityTier, format string) error
	ExtractCover(ctx context.Context, input, output string) error
	Probe(ctx context.Context, input string) (*media.ProbeResult, error)
}

// Index is the best-effort search index surface the worker touches.
type Index interface {
	Upsert(ctx context.Context, doc *search.Document) error
	Remove(ctx context.Context, videoID int64) error
}

// Pool consumes transcode jobs and drives them to a terminal published or
// failed state.
type Pool struct {
	store    Store
	objects  ObjectStore
	proc     Processor
	index    Index
	notifier notify.Notifier
	consumer queue.Consumer

	owner       string
	concurrency int
	jobTimeout  time.Duration
	leaseTTL    time.Duration
	root        string
	staleMax    time.Duration
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	wg sync.WaitGroup
}

// NewPool creates a transcode worker pool.
func NewPool(
	st Store,
	objects ObjectStore,
	proc Processor,
	index Index,
	notifier notify.Notifier,
	consumer queue.Consumer,
	workerCfg *config.WorkerConfig,
	queueCfg *config.QueueConfig,
) *Pool {
	return &Pool{
		store:       st,
		objects:     objects,
		proc:        proc,
		index:       index,
		notifier:    notifier,
		consumer:    consumer,
		owner:       workerOwner(),
		concurrency: workerCfg.Concurrency,
		jobTimeout:  workerCfg.JobTimeout,
		leaseTTL:    workerCfg.LeaseTTL,
		root:        workerCfg.WorkspaceRoot,
		staleMax:    workerCfg.StaleWorkMax,
		maxAttempts: queueCfg.MaxAttempts,
		baseBackoff: queueCfg.BaseBackoff,
		maxBackoff:  queueCfg.MaxBackoff,
	}
}

func workerOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Run starts the pool and blocks until ctx is cancelled and all in-flight
// jobs have settled. Stale workspaces from a previous crash are reclaimed
// before consuming.
func (p *Pool) Run(ctx context.Context) error {
	media.SweepStale(p.root, p.staleMax)

	deliveries, err := p.consumer.Consume(ctx, p.concurrency)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	log.Info().
		Int("concurrency", p.concurrency).
		Str("owner", p.owner).
		Msg("Transcode worker pool started")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			for d := range deliveries {
				p.handle(ctx, d)
			}
			log.Debug().Int("slot", slot).Msg("Worker slot drained")
		}(i)
	}

	p.wg.Wait()
	return nil
}

// handle processes a single delivery end to end. Exactly one of Ack, Retry
// or Fail is called; workspace and lease cleanup run on every exit path.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery) {
	job := d.Job
	logger := log.With().
		Str("taskID", job.TaskID).
		Int64("videoID", job.VideoID).
		Int("attempt", d.Attempt).
		Logger()

	start := time.Now()
	logger.Info().Str("quality", job.Quality).Msg("Transcode job picked up")

	// Unknown tiers are a configuration error, not a retry condition.
	tier, err := media.ParseQuality(job.Quality)
	if err != nil {
		p.failTerminal(ctx, d, logger, err)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	// The lease, not queue ordering, guarantees at most one in-flight
	// transcode per video.
	if err := p.store.AcquireLease(jobCtx, job.VideoID, p.owner, p.leaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			p.deferToLeaseHolder(ctx, d, logger)
			return
		}
		p.retryOrFail(ctx, d, logger, fmt.Errorf("lease acquisition: %w", err))
		return
	}
	defer func() {
		// Release with a fresh context: the job context may already be
		// past its deadline.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer releaseCancel()
		if err := p.store.ReleaseLease(releaseCtx, job.VideoID, p.owner); err != nil {
			logger.Warn().Err(err).Msg("Failed to release transcode lease")
		}
	}()

	if !p.markProcessing(ctx, d, logger) {
		return
	}

	outcome, err := p.process(jobCtx, &job, tier, logger)
	if err != nil {
		p.retryOrFail(ctx, d, logger, err)
		return
	}

	if err := p.store.MarkPublished(jobCtx, job.VideoID, *outcome); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			// Settled by another worker or vanished; nothing to publish.
			logger.Warn().Err(err).Msg("Video no longer publishable, dropping job")
			p.settle(d.Fail, logger)
			return
		}
		p.retryOrFail(ctx, d, logger, fmt.Errorf("publish transition: %w", err))
		return
	}

	p.syncPublished(jobCtx, job.VideoID, logger)

	server.RecordTranscode("published")
	server.ObserveTranscodeDuration(time.Since(start))
	logger.Info().Dur("duration", time.Since(start)).Msg("Video published")
	p.settle(d.Ack, logger)
}

// markProcessing transitions the video into processing. Returns false when
// the delivery has already been settled.
func (p *Pool) markProcessing(ctx context.Context, d *queue.Delivery, logger zerolog.Logger) bool {
	err := p.store.MarkProcessing(ctx, d.Job.VideoID)
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		// Deleted or already terminal; the job has nothing left to do.
		logger.Warn().Err(err).Msg("Video not processable, dropping job")
		p.settle(d.Fail, logger)
		return false
	}
	p.retryOrFail(ctx, d, logger, fmt.Errorf("processing transition: %w", err))
	return false
}

// process executes the media steps and returns the publish payload.
func (p *Pool) process(ctx context.Context, job *model.TranscodeJob, tier media.QualityTier, logger zerolog.Logger) (*store.PublishResult, error) {
	ws, err := media.NewWorkspace(p.root, job.VideoID)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	rawPath := ws.Path("raw")
	if err := p.objects.DownloadRaw(ctx, job.RawFilePath, rawPath); err != nil {
		return nil, fmt.Errorf("raw download: %w", err)
	}
	info, err := os.Stat(rawPath)
	if err != nil {
		return nil, fmt.Errorf("raw download: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("raw object %s is empty", job.RawFilePath)
	}

	outPath := ws.Path("output." + job.Format)
	if err := p.proc.Transcode(ctx, rawPath, outPath, tier, job.Format); err != nil {
		return nil, err
	}

	result := &store.PublishResult{}

	// Cover extraction is optional and non-fatal; the video publishes
	// without a cover if it fails.
	if job.GenerateCover {
		coverPath := ws.Path("cover.jpg")
		if err := p.proc.ExtractCover(ctx, rawPath, coverPath); err != nil {
			logger.Warn().Err(err).Msg("Cover extraction failed, publishing without cover")
		} else {
			coverURL, err := p.objects.PublishFile(ctx, objectstore.CoverKey(job.VideoID), coverPath, "image/jpeg")
			if err != nil {
				logger.Warn().Err(err).Msg("Cover upload failed, publishing without cover")
			} else {
				result.CoverURL = coverURL
			}
		}
	}

	if probe, err := p.proc.Probe(ctx, rawPath); err != nil {
		logger.Warn().Err(err).Msg("Probe failed, publishing without stream metadata")
	} else {
		result.Duration = probe.Duration
		result.Width = probe.Width
		result.Height = probe.Height
	}

	playURL, err := p.objects.PublishFile(ctx, objectstore.PlayKey(job.VideoID, job.Format), outPath, "video/"+job.Format)
	if err != nil {
		return nil, fmt.Errorf("output upload: %w", err)
	}
	result.PlayURL = playURL

	if out, err := os.Stat(outPath); err == nil {
		result.FileSize = out.Size()
	}
	return result, nil
}

// retryOrFail schedules a redelivery with backoff, or fails the video
// terminally once attempts are exhausted.
func (p *Pool) retryOrFail(ctx context.Context, d *queue.Delivery, logger zerolog.Logger, cause error) {
	if d.Attempt < p.maxAttempts {
		delay := queue.RetryBackoff(d.Attempt, p.baseBackoff, p.maxBackoff)
		logger.Warn().Err(cause).Dur("delay", delay).Msg("Transcode attempt failed, scheduling retry")
		server.RecordTranscode("retried")
		if err := d.Retry(ctx, delay); err != nil {
			logger.Error().Err(err).Msg("Failed to schedule retry")
		}
		return
	}
	logger.Error().Err(cause).Msg("Transcode attempts exhausted")
	p.failTerminal(ctx, d, logger, cause)
}

// failTerminal drives the video to failed and settles the delivery.
func (p *Pool) failTerminal(ctx context.Context, d *queue.Delivery, logger zerolog.Logger, cause error) {
	videoID := d.Job.VideoID

	// The state machine has no pending -> failed edge; a job that never
	// started processing passes through it on the way down.
	if err := p.store.MarkProcessing(ctx, videoID); err != nil {
		logger.Warn().Err(err).Msg("Could not move video to processing before failing")
	}
	if err := p.store.MarkFailed(ctx, videoID); err != nil {
		logger.Error().Err(err).Msg("Failed to mark video failed")
	}

	besteffort.Do(logger, "index.remove", func() error {
		return p.index.Remove(ctx, videoID)
	})
	besteffort.Do(logger, "notify.failed", func() error {
		return p.notifier.VideoFailed(ctx, videoID, cause.Error())
	})

	server.RecordTranscode("failed")
	p.settle(d.Fail, logger)
}

// deferToLeaseHolder handles a delivery for a video another worker owns.
// The holder drives the state; this delivery just comes back later, or goes
// away once out of attempts.
func (p *Pool) deferToLeaseHolder(ctx context.Context, d *queue.Delivery, logger zerolog.Logger) {
	if d.Attempt >= p.maxAttempts {
		logger.Info().Msg("Video leased elsewhere and attempts exhausted, dropping duplicate job")
		p.settle(d.Fail, logger)
		return
	}
	delay := queue.RetryBackoff(d.Attempt, p.baseBackoff, p.maxBackoff)
	logger.Info().Dur("delay", delay).Msg("Video leased by another worker, retrying later")
	if err := d.Retry(ctx, delay); err != nil {
		logger.Error().Err(err).Msg("Failed to schedule retry")
	}
}

// syncPublished pushes the freshly published state into the search index
// and notifies the operator channel, both best-effort.
func (p *Pool) syncPublished(ctx context.Context, videoID int64, logger zerolog.Logger) {
	video, err := p.store.GetVideo(ctx, videoID)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not reload video for index sync")
		return
	}

	authorName := ""
	if names, err := p.store.AuthorNames(ctx, []int64{video.AuthorID}); err == nil {
		authorName = names[video.AuthorID]
	}

	ok := besteffort.Do(logger, "index.upsert", func() error {
		return p.index.Upsert(ctx, search.NewDocument(video, authorName))
	})
	server.RecordIndexSync("upsert", ok)

	besteffort.Do(logger, "notify.published", func() error {
		return p.notifier.VideoPublished(ctx, video)
	})
}

func (p *Pool) settle(settle func() error, logger zerolog.Logger) {
	if err := settle(); err != nil {
		logger.Error().Err(err).Msg("Failed to settle delivery")
	}
}
