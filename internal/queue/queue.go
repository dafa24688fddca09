package queue

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/user/shortvid-backend/internal/model"
)

// Producer is the single authoritative submission path for transcode jobs.
// Everything that wants a video transcoded goes through Submit; there is no
// in-process dispatch alternative.
type Producer interface {
	Submit(ctx context.Context, job *model.TranscodeJob) (taskID string, err error)
	Close() error
}

// Delivery is one received transcode job plus its queue controls. Exactly
// one of Ack, Retry or Fail must be called per delivery.
type Delivery struct {
	Job     model.TranscodeJob
	Attempt int // 1-based

	ack   func() error
	retry func(ctx context.Context, after time.Duration) error
	fail  func() error
}

// Ack marks the job as successfully processed.
func (d *Delivery) Ack() error {
	return d.ack()
}

// Retry schedules a redelivery of the job after the given delay with the
// attempt counter incremented, then settles the current delivery.
func (d *Delivery) Retry(ctx context.Context, after time.Duration) error {
	return d.retry(ctx, after)
}

// Fail settles the delivery terminally; the job will not be redelivered.
func (d *Delivery) Fail() error {
	return d.fail()
}

// NewDelivery builds a delivery with explicit settle callbacks. Consumers
// construct these internally; it is exported so worker code can be tested
// against a fake queue.
func NewDelivery(job model.TranscodeJob, attempt int, ack func() error, retry func(ctx context.Context, after time.Duration) error, fail func() error) *Delivery {
	return &Delivery{Job: job, Attempt: attempt, ack: ack, retry: retry, fail: fail}
}

// Consumer yields transcode job deliveries to the worker pool.
type Consumer interface {
	// Consume starts delivering jobs with at most prefetch unacknowledged
	// deliveries in flight. The channel closes when ctx is cancelled or the
	// broker connection drops.
	Consume(ctx context.Context, prefetch int) (<-chan *Delivery, error)
	Close() error
}

// RetryBackoff computes the redelivery delay before the given attempt:
// exponential growth from base, capped at max, with up to 25% jitter so
// that simultaneously failing jobs do not retry in lockstep.
func RetryBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(base) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 1 + rand.Float64()*0.25
	d := time.Duration(backoff * jitter)
	if d > max {
		d = max
	}
	return d
}
