package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PromptJob is a prompt accepted over HTTP and billed by a worker.
type PromptJob struct {
	JobID         string    `json:"job_id"`
	WalletAddress string    `json:"wallet_address"`
	Prompt        string    `json:"prompt"`
	Model         string    `json:"model,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      int       `json:"attempts"`
}

type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	logger   zerolog.Logger
}

type Message struct {
	ID  string
	Job PromptJob
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration, logger zerolog.Logger) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
		logger:   logger,
	}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

// Enqueue adds job to the stream and returns its job id.
func (q *StreamQueue) Enqueue(ctx context.Context, job PromptJob) (string, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	if err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Err(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return job.JobID, nil
}

// Read blocks for up to the configured duration. Entries that cannot be
// decoded are acked and dropped so they do not stay pending forever.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]Message, 0)
	for _, s := range res {
		for _, m := range s.Messages {
			job, err := decodeJob(m.Values["payload"])
			if err != nil {
				q.logger.Warn().Err(err).Str("message_id", m.ID).Msg("dropping undecodable job")
				if ackErr := q.Ack(ctx, m.ID); ackErr != nil {
					q.logger.Warn().Err(ackErr).Str("message_id", m.ID).Msg("ack undecodable job")
				}
				continue
			}
			out = append(out, Message{ID: m.ID, Job: job})
		}
	}

	return out, nil
}

func decodeJob(raw any) (PromptJob, error) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	case nil:
		return PromptJob{}, errors.New("missing payload")
	default:
		return PromptJob{}, fmt.Errorf("unexpected payload type %T", raw)
	}
	var job PromptJob
	if err := json.Unmarshal(b, &job); err != nil {
		return PromptJob{}, fmt.Errorf("decode payload: %w", err)
	}
	return job, nil
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}
