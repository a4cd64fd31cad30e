// Package api exposes the deposit relay, the billing pipeline and wallet
// sign-in over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"payprompt/internal/billing"
	"payprompt/internal/catalog"
	"payprompt/internal/ledger"
	"payprompt/internal/metrics"
	"payprompt/internal/queue"
	"payprompt/internal/relay"
	"payprompt/internal/siwe"
)

const (
	DefaultHealthPath  = "/healthz"
	DefaultMetricsPath = "/metrics"

	maxBodyBytes = 1 << 20
)

type Depositor interface {
	Deposit(ctx context.Context, req relay.PermitRequest) (relay.Result, error)
}

type PromptRunner interface {
	Run(ctx context.Context, req billing.Request) (billing.Response, error)
}

type SignInVerifier interface {
	SignIn(ctx context.Context, req siwe.Request) (siwe.Result, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, job queue.PromptJob) (string, error)
}

type JobResults interface {
	Put(ctx context.Context, r queue.JobResult) error
	Get(ctx context.Context, jobID string) (queue.JobResult, error)
}

// Config wires the server. Queue and Results may be nil, in which case the
// async endpoints answer 503.
type Config struct {
	Relay       Depositor
	Pipeline    PromptRunner
	SignIn      SignInVerifier
	Ledger      ledger.Store
	Catalog     *catalog.Catalog
	Queue       JobQueue
	Results     JobResults
	RateLimiter *queue.RateLimiter
	Idempotency *queue.IdempotencyGuard
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	CORSOrigin  string
	HealthPath  string
	MetricsPath string
	Ready       func(ctx context.Context) error
	Now         func() time.Time
}

type Server struct {
	relay       Depositor
	pipeline    PromptRunner
	signIn      SignInVerifier
	ledger      ledger.Store
	catalog     *catalog.Catalog
	queue       JobQueue
	results     JobResults
	limiter     *queue.RateLimiter
	idempotency *queue.IdempotencyGuard
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	corsOrigin  string
	healthPath  string
	metricsPath string
	ready       func(ctx context.Context) error
	now         func() time.Time
}

func New(cfg Config) *Server {
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = DefaultMetricsPath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		relay:       cfg.Relay,
		pipeline:    cfg.Pipeline,
		signIn:      cfg.SignIn,
		ledger:      cfg.Ledger,
		catalog:     cfg.Catalog,
		queue:       cfg.Queue,
		results:     cfg.Results,
		limiter:     cfg.RateLimiter,
		idempotency: cfg.Idempotency,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		corsOrigin:  cfg.CORSOrigin,
		healthPath:  cfg.HealthPath,
		metricsPath: cfg.MetricsPath,
		ready:       cfg.Ready,
		now:         cfg.Now,
	}
}

// Handler returns the routed handler with CORS and request metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/deposits/permit", s.handleDeposit)
	mux.HandleFunc("POST /v1/prompts", s.handlePrompt)
	mux.HandleFunc("POST /v1/prompts/async", s.handlePromptAsync)
	mux.HandleFunc("GET /v1/prompts/jobs/{id}", s.handleJob)
	mux.HandleFunc("POST /v1/auth/siwe", s.handleSignIn)
	mux.HandleFunc("GET /v1/accounts/{address}/balance", s.handleBalance)
	mux.HandleFunc("GET /v1/accounts/{address}/transactions", s.handleTransactions)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	mux.HandleFunc("GET "+s.healthPath, s.handleHealth)
	mux.Handle("GET "+s.metricsPath, promhttp.Handler())

	return s.withCORS(s.withMetrics(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
