// Package billing runs a prompt against a model and charges the wallet for
// the tokens it actually consumed.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"payprompt/internal/catalog"
	"payprompt/internal/ledger"
	"payprompt/internal/metrics"
	"payprompt/internal/providers"
)

var (
	ErrMalformedInput = errors.New("malformed input")
	ErrUnauthorized   = errors.New("unauthorized")
)

type Request struct {
	WalletAddress string `json:"walletAddress"`
	Prompt        string `json:"prompt"`
	Model         string `json:"modelId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
}

type Usage struct {
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	Model        string `json:"model"`
}

type Response struct {
	Success        bool            `json:"success"`
	Response       string          `json:"response"`
	NewBalance     decimal.Decimal `json:"newBalance"`
	Cost           decimal.Decimal `json:"cost"`
	Usage          Usage           `json:"usage"`
	IsFallback     bool            `json:"isFallback"`
	ExecutionModel string          `json:"executionModel"`
}

type Completer interface {
	Complete(ctx context.Context, m catalog.Model, prompt string) (providers.Completion, error)
}

type SessionVerifier interface {
	Verify(ctx context.Context, id, address string) error
}

type Config struct {
	Ledger   ledger.Store
	Catalog  *catalog.Catalog
	Sessions SessionVerifier
	Provider Completer
	// ForceExecutionModel routes every request to this model while billing
	// at the requested model's prices. Empty disables substitution.
	ForceExecutionModel string
	Logger              zerolog.Logger
	Metrics             *metrics.Metrics
}

type Pipeline struct {
	ledger   ledger.Store
	catalog  *catalog.Catalog
	sessions SessionVerifier
	provider Completer
	forced   *catalog.Model
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Ledger == nil || cfg.Catalog == nil || cfg.Provider == nil {
		return nil, errors.New("billing: ledger, catalog and provider are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	p := &Pipeline{
		ledger:   cfg.Ledger,
		catalog:  cfg.Catalog,
		sessions: cfg.Sessions,
		provider: cfg.Provider,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if id := strings.TrimSpace(cfg.ForceExecutionModel); id != "" {
		m, err := cfg.Catalog.Get(id)
		if err != nil {
			return nil, fmt.Errorf("force execution model: %w", err)
		}
		p.forced = &m
	}
	return p, nil
}

// Catalog exposes the model table the pipeline bills against.
func (p *Pipeline) Catalog() *catalog.Catalog {
	return p.catalog
}

// Run executes one prompt. Nothing is written to the ledger unless the
// provider call succeeds.
func (p *Pipeline) Run(ctx context.Context, req Request) (Response, error) {
	resp, err := p.run(ctx, req)
	p.metrics.Prompts.WithLabelValues(ErrorKind(err)).Inc()
	return resp, err
}

func (p *Pipeline) run(ctx context.Context, req Request) (Response, error) {
	wallet, billingModel, err := p.validate(req)
	if err != nil {
		return Response{}, err
	}
	if err := p.authorize(ctx, req.SessionID, wallet); err != nil {
		return Response{}, err
	}
	if err := p.checkBalance(ctx, wallet, billingModel); err != nil {
		return Response{}, err
	}

	execModel := p.executionModel(billingModel)
	isFallback := execModel.ID != billingModel.ID
	log := p.logger.With().
		Str("wallet", wallet).
		Str("billing_model", billingModel.ID).
		Str("execution_model", execModel.ID).
		Logger()
	if isFallback {
		log.Info().Msg("execution substituted")
	}

	completion, err := p.provider.Complete(ctx, execModel, req.Prompt)
	if err != nil {
		p.metrics.ProviderErrors.WithLabelValues(string(execModel.Provider)).Inc()
		log.Warn().Err(err).Msg("provider call failed")
		if !errors.Is(err, providers.ErrProvider) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", providers.ErrProvider, err)
		}
		return Response{}, err
	}

	cost := billingModel.Cost(completion.InputTokens, completion.OutputTokens)
	newBalance, err := p.reconcile(ctx, wallet, cost, billingModel, execModel, completion)
	if err != nil {
		log.Warn().Err(err).Str("cost", cost.String()).Msg("reconcile failed")
		return Response{}, err
	}
	log.Info().
		Str("cost", cost.String()).
		Int64("input_tokens", completion.InputTokens).
		Int64("output_tokens", completion.OutputTokens).
		Bool("usage_estimated", completion.UsageEstimated).
		Msg("prompt billed")

	return Response{
		Success:    true,
		Response:   completion.Text,
		NewBalance: newBalance,
		Cost:       cost,
		Usage: Usage{
			InputTokens:  completion.InputTokens,
			OutputTokens: completion.OutputTokens,
			Model:        billingModel.ID,
		},
		IsFallback:     isFallback,
		ExecutionModel: execModel.ID,
	}, nil
}

func (p *Pipeline) validate(req Request) (string, catalog.Model, error) {
	wallet := ledger.NormalizeAddress(req.WalletAddress)
	if wallet == "" {
		return "", catalog.Model{}, fmt.Errorf("%w: walletAddress is required", ErrMalformedInput)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", catalog.Model{}, fmt.Errorf("%w: prompt is required", ErrMalformedInput)
	}
	m, err := p.catalog.Resolve(strings.TrimSpace(req.Model))
	if err != nil {
		return "", catalog.Model{}, err
	}
	return wallet, m, nil
}

func (p *Pipeline) authorize(ctx context.Context, sessionID, wallet string) error {
	if sessionID == "" {
		return nil
	}
	if p.sessions == nil {
		return fmt.Errorf("%w: sessions are not available", ErrUnauthorized)
	}
	if err := p.sessions.Verify(ctx, sessionID, wallet); err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return nil
}

func (p *Pipeline) checkBalance(ctx context.Context, wallet string, m catalog.Model) error {
	minimum := m.EstimateMinimum()
	balance, err := p.ledger.Balance(ctx, wallet)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if balance.LessThan(minimum) {
		return &ledger.InsufficientFundsError{Required: minimum, Available: balance}
	}
	return nil
}

// executionModel applies substitution only across providers; a request
// already served by the forced model's provider runs as asked.
func (p *Pipeline) executionModel(billing catalog.Model) catalog.Model {
	if p.forced == nil || p.forced.Provider == billing.Provider {
		return billing
	}
	return *p.forced
}

func (p *Pipeline) reconcile(ctx context.Context, wallet string, cost decimal.Decimal, billing, exec catalog.Model, c providers.Completion) (decimal.Decimal, error) {
	balance, err := p.ledger.Balance(ctx, wallet)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	if balance.LessThan(cost) {
		return decimal.Zero, &ledger.InsufficientFundsError{Required: cost, Available: balance}
	}
	if !cost.IsPositive() {
		return balance, nil
	}

	memo := fmt.Sprintf("prompt %s (%d in / %d out)", billing.ID, c.InputTokens, c.OutputTokens)
	if exec.ID != billing.ID {
		memo = fmt.Sprintf("prompt %s via %s (%d in / %d out)", billing.ID, exec.ID, c.InputTokens, c.OutputTokens)
	}
	res, err := p.ledger.Deduct(ctx, wallet, cost, memo)
	if err != nil {
		return decimal.Zero, fmt.Errorf("deduct: %w", err)
	}
	metrics.AddCredits(p.metrics.CreditsDeducted, cost)
	return res.NewBalance, nil
}

// ErrorKind names the class of a pipeline error for metrics and async job
// results. A nil error is "ok".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedInput):
		return "malformed"
	case errors.Is(err, catalog.ErrUnknownModel):
		return "unknown_model"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, providers.ErrProvider):
		return "provider_error"
	default:
		return "error"
	}
}
