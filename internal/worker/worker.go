package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"payprompt/internal/billing"
	"payprompt/internal/metrics"
	"payprompt/internal/queue"
)

type PromptRunner interface {
	Run(ctx context.Context, req billing.Request) (billing.Response, error)
}

type Worker struct {
	queue         *queue.StreamQueue
	results       *queue.ResultStore
	pipeline      PromptRunner
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         *queue.StreamQueue
	Results       *queue.ResultStore
	Pipeline      PromptRunner
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		results:       cfg.Results,
		pipeline:      cfg.Pipeline,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	w.store(ctx, log, queue.JobResult{
		JobID:         msg.Job.JobID,
		Status:        queue.JobFailed,
		WalletAddress: msg.Job.WalletAddress,
		Error:         "job could not be started, please retry",
		ErrorKind:     "error",
	})
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

// processJob returns an error only when the job can safely run again, which
// is never the case once the pipeline has been entered.
func (w *Worker) processJob(ctx context.Context, job queue.PromptJob) error {
	if err := w.results.Put(ctx, queue.JobResult{
		JobID:         job.JobID,
		Status:        queue.JobPending,
		WalletAddress: job.WalletAddress,
	}); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	resp, err := w.pipeline.Run(ctx, billing.Request{
		WalletAddress: job.WalletAddress,
		Prompt:        job.Prompt,
		Model:         job.Model,
		SessionID:     job.SessionID,
	})

	out := queue.JobResult{
		JobID:         job.JobID,
		WalletAddress: job.WalletAddress,
	}
	if err != nil {
		out.Status = queue.JobFailed
		out.Error = err.Error()
		out.ErrorKind = billing.ErrorKind(err)
	} else {
		b, mErr := json.Marshal(resp)
		if mErr != nil {
			out.Status = queue.JobFailed
			out.Error = "encode result: " + mErr.Error()
			out.ErrorKind = "error"
		} else {
			out.Status = queue.JobSucceeded
			out.Result = b
		}
	}

	w.store(ctx, w.logger.With().Str("job_id", job.JobID).Logger(), out)
	return nil
}

func (w *Worker) store(ctx context.Context, log zerolog.Logger, r queue.JobResult) {
	if err := w.results.Put(ctx, r); err != nil {
		log.Error().Err(err).Str("status", string(r.Status)).Msg("failed to store job result")
	}
}
