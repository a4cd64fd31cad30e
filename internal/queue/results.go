package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrJobNotFound = errors.New("job not found")

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobResult is what a client sees when polling an async prompt.
type JobResult struct {
	JobID         string          `json:"jobId"`
	Status        JobStatus       `json:"status"`
	WalletAddress string          `json:"walletAddress"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"errorKind,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type ResultStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewResultStore(rdb *redis.Client, ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ResultStore{redis: rdb, ttl: ttl}
}

func (s *ResultStore) Put(ctx context.Context, r JobResult) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	if err := s.redis.Set(ctx, resultKey(r.JobID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("store job result: %w", err)
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, jobID string) (JobResult, error) {
	b, err := s.redis.Get(ctx, resultKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return JobResult{}, ErrJobNotFound
		}
		return JobResult{}, fmt.Errorf("load job result: %w", err)
	}
	var r JobResult
	if err := json.Unmarshal(b, &r); err != nil {
		return JobResult{}, fmt.Errorf("decode job result: %w", err)
	}
	return r, nil
}

func resultKey(jobID string) string {
	return "payprompt:job:" + jobID
}
