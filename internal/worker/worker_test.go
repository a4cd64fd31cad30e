package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"payprompt/internal/billing"
	"payprompt/internal/ledger"
	"payprompt/internal/metrics"
	"payprompt/internal/queue"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	resp  billing.Response
	err   error
}

func (f *fakeRunner) Run(_ context.Context, _ billing.Request) (billing.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.resp, f.err
}

func setup(t *testing.T, runner PromptRunner) (*Worker, *queue.StreamQueue, *queue.ResultStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	// Results live on their own server so tests can fail them independently.
	resultsMR, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(resultsMR.Close)
	resultsRDB := redis.NewClient(&redis.Options{Addr: resultsMR.Addr()})
	t.Cleanup(func() { _ = resultsRDB.Close() })

	q := queue.NewStreamQueue(rdb, "prompts", "workers", "w1", 10*time.Millisecond, zerolog.Nop())
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	results := queue.NewResultStore(resultsRDB, time.Hour)
	w := New(Config{
		Queue:         q,
		Results:       results,
		Pipeline:      runner,
		MaxJobRetries: 2,
		Logger:        zerolog.Nop(),
		Metrics:       metrics.New(),
	})
	return w, q, results, resultsMR
}

func readOne(t *testing.T, q *queue.StreamQueue) queue.Message {
	t.Helper()
	msgs, err := q.Read(context.Background(), 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	return msgs[0]
}

func TestHandleStoresSuccess(t *testing.T) {
	runner := &fakeRunner{resp: billing.Response{
		Success:        true,
		Response:       "hello",
		Cost:           decimal.RequireFromString("0.03276"),
		NewBalance:     decimal.RequireFromString("0.96724"),
		ExecutionModel: "groq-llama-70b",
		IsFallback:     true,
	}}
	w, q, results, _ := setup(t, runner)

	jobID, err := q.Enqueue(context.Background(), queue.PromptJob{WalletAddress: "0xabc", Prompt: "hi", Model: "claude-opus-4"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.handle(context.Background(), zerolog.Nop(), readOne(t, q))

	got, err := results.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if got.Status != queue.JobSucceeded {
		t.Fatalf("expected succeeded, got %+v", got)
	}
	var resp billing.Response
	if err := json.Unmarshal(got.Result, &resp); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if resp.Response != "hello" || resp.Cost.String() != "0.03276" || !resp.IsFallback {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestHandlePipelineErrorIsTerminal(t *testing.T) {
	runner := &fakeRunner{err: &ledger.InsufficientFundsError{
		Required:  decimal.RequireFromString("0.0468"),
		Available: decimal.Zero,
	}}
	w, q, results, _ := setup(t, runner)

	jobID, err := q.Enqueue(context.Background(), queue.PromptJob{WalletAddress: "0xabc", Prompt: "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.handle(context.Background(), zerolog.Nop(), readOne(t, q))

	got, err := results.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if got.Status != queue.JobFailed || got.ErrorKind != "insufficient_funds" {
		t.Fatalf("unexpected result %+v", got)
	}
	if runner.calls != 1 {
		t.Fatalf("pipeline must run exactly once, ran %d", runner.calls)
	}
	msgs, err := q.Read(context.Background(), 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("terminal failure must not be re-enqueued")
	}
}

func TestHandleRetriesWhenResultStoreDown(t *testing.T) {
	runner := &fakeRunner{}
	w, q, _, mr := setup(t, runner)

	if _, err := q.Enqueue(context.Background(), queue.PromptJob{WalletAddress: "0xabc", Prompt: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg := readOne(t, q)

	mr.SetError("ERR results unavailable")
	w.handle(context.Background(), zerolog.Nop(), msg)
	mr.SetError("")

	if runner.calls != 0 {
		t.Fatalf("pipeline must not run when the job cannot be tracked")
	}
	again := readOne(t, q)
	if again.Job.JobID != msg.Job.JobID || again.Job.Attempts != 1 {
		t.Fatalf("expected job re-enqueued with attempt 1, got %+v", again.Job)
	}
}

func TestStartConsumesUntilCancelled(t *testing.T) {
	runner := &fakeRunner{resp: billing.Response{Success: true, Response: "ok"}}
	w, q, results, _ := setup(t, runner)

	jobID, err := q.Enqueue(context.Background(), queue.PromptJob{WalletAddress: "0xabc", Prompt: "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, 2) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := results.Get(context.Background(), jobID)
		if err == nil && got.Status == queue.JobSucceeded {
			break
		}
		if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			t.Fatalf("get result: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not processed in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}
