package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/user/shortvid-backend/internal/config"
	"github.com/user/shortvid-backend/internal/model"
)

const attemptHeader = "x-attempt"

// AMQPQueue implements Producer and Consumer over a durable RabbitMQ queue.
// Delayed redelivery uses a companion retry queue whose dead-letter target
// is the main queue: Retry publishes there with a per-message TTL, so the
// broker feeds the job back after the backoff without a sleeping consumer.
type AMQPQueue struct {
	conn  *amqp.Connection
	pubCh *amqp.Channel
	cfg   *config.QueueConfig
}

// NewAMQPQueue dials the broker and declares the work and retry queues.
func NewAMQPQueue(cfg *config.QueueConfig) (*AMQPQueue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to queue broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareQueues(ch, cfg.Queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPQueue{conn: conn, pubCh: ch, cfg: cfg}, nil
}

func declareQueues(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	}
	if _, err := ch.QueueDeclare(name+".retry", true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}
	return nil
}

// Submit publishes a transcode job. A task id is assigned if the job does
// not carry one; the message is persistent and keyed by video id.
func (q *AMQPQueue) Submit(ctx context.Context, job *model.TranscodeJob) (string, error) {
	if job.TaskID == "" {
		job.TaskID = uuid.NewString()
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = time.Now().Unix()
	}
	job.Status = string(model.StatusPending)

	if err := job.Validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transcode job: %w", err)
	}

	err = q.pubCh.PublishWithContext(ctx, "", q.cfg.Queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     job.TaskID,
		CorrelationId: strconv.FormatInt(job.VideoID, 10),
		Headers:       amqp.Table{attemptHeader: int32(1)},
		Body:          body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish transcode job: %w", err)
	}

	log.Info().
		Str("taskID", job.TaskID).
		Int64("videoID", job.VideoID).
		Msg("Transcode job submitted")
	return job.TaskID, nil
}

// Consume opens a dedicated channel with the given prefetch and converts
// broker deliveries into Delivery values for the worker pool.
func (q *AMQPQueue) Consume(ctx context.Context, prefetch int) (<-chan *Delivery, error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := ch.Consume(q.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				d, err := q.toDelivery(ch, msg)
				if err != nil {
					log.Error().Err(err).Str("messageID", msg.MessageId).Msg("Dropping malformed queue message")
					if nackErr := msg.Nack(false, false); nackErr != nil {
						log.Error().Err(nackErr).Msg("Failed to reject malformed message")
					}
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					// Unacked delivery returns to the queue when the
					// channel closes.
					return
				}
			}
		}
	}()

	return out, nil
}

func (q *AMQPQueue) toDelivery(ch *amqp.Channel, msg amqp.Delivery) (*Delivery, error) {
	var job model.TranscodeJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcode job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	attempt := headerAttempt(msg.Headers)

	return &Delivery{
		Job:     job,
		Attempt: attempt,
		ack: func() error {
			return msg.Ack(false)
		},
		retry: func(ctx context.Context, after time.Duration) error {
			if err := q.republish(ctx, ch, msg, attempt+1, after); err != nil {
				return err
			}
			return msg.Ack(false)
		},
		fail: func() error {
			return msg.Ack(false)
		},
	}, nil
}

// republish sends the message to the retry queue with the backoff as its
// TTL; expiry dead-letters it back onto the work queue.
//
// RabbitMQ only expires the message at the head of a queue, so a message
// with a long TTL holds back shorter-TTL messages queued behind it; with
// the backoff cap that means a redelivery can arrive up to the cap late.
// Per-delay retry queues would remove the skew if the cap ever grows.
func (q *AMQPQueue) republish(ctx context.Context, ch *amqp.Channel, msg amqp.Delivery, attempt int, after time.Duration) error {
	err := ch.PublishWithContext(ctx, "", q.cfg.Queue+".retry", false, false, amqp.Publishing{
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageId,
		CorrelationId: msg.CorrelationId,
		Expiration:    strconv.FormatInt(after.Milliseconds(), 10),
		Headers:       amqp.Table{attemptHeader: int32(attempt)},
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

func headerAttempt(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

// Close shuts down the publisher channel and the broker connection.
func (q *AMQPQueue) Close() error {
	if err := q.pubCh.Close(); err != nil && !q.conn.IsClosed() {
		q.conn.Close()
		return fmt.Errorf("failed to close publish channel: %w", err)
	}
	if err := q.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue connection: %w", err)
	}
	return nil
}
