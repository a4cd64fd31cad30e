package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payprompt/internal/billing"
	"payprompt/internal/catalog"
	"payprompt/internal/ledger"
	"payprompt/internal/queue"
	"payprompt/internal/relay"
	"payprompt/internal/siwe"
)

const idempotencyHeader = "Idempotency-Key"

var errQueueDisabled = errors.New("async prompts are not enabled")

func money(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

type depositResponse struct {
	Success    bool        `json:"success"`
	TxHash     string      `json:"txHash"`
	NewBalance json.Number `json:"newBalance"`
	OnChain    bool        `json:"onChain"`
	Message    string      `json:"message"`
	Replayed   bool        `json:"replayed,omitempty"`
}

type promptResponse struct {
	Success        bool          `json:"success"`
	Response       string        `json:"response"`
	NewBalance     json.Number   `json:"newBalance"`
	Cost           json.Number   `json:"cost"`
	Usage          billing.Usage `json:"usage"`
	IsFallback     bool          `json:"isFallback"`
	ExecutionModel string        `json:"executionModel"`
}

func renderPrompt(r billing.Response) promptResponse {
	return promptResponse{
		Success:        r.Success,
		Response:       r.Response,
		NewBalance:     money(r.NewBalance),
		Cost:           money(r.Cost),
		Usage:          r.Usage,
		IsFallback:     r.IsFallback,
		ExecutionModel: r.ExecutionModel,
	}
}

type jobResponse struct {
	Success   bool            `json:"success"`
	JobID     string          `json:"jobId"`
	Status    queue.JobStatus `json:"status"`
	Result    *promptResponse `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode int             `json:"errorCode,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type modelResponse struct {
	ID                    string      `json:"id"`
	Name                  string      `json:"name"`
	Description           string      `json:"description"`
	Provider              string      `json:"provider"`
	InputPricePerMillion  json.Number `json:"inputPricePerMillion"`
	OutputPricePerMillion json.Number `json:"outputPricePerMillion"`
	MaxOutputTokens       int         `json:"maxOutputTokens"`
	ContextWindow         int         `json:"contextWindow"`
	Tier                  string      `json:"tier"`
	EstimatedMinimumCost  json.Number `json:"estimatedMinimumCost"`
}

type entryResponse struct {
	ID           string      `json:"id"`
	Kind         ledger.Kind `json:"kind"`
	Amount       json.Number `json:"amount"`
	BalanceAfter json.Number `json:"balanceAfter"`
	ExternalRef  *string     `json:"externalRef,omitempty"`
	Memo         string      `json:"memo,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", errBadRequest)
		}
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req relay.PermitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if err := s.idempotency.Claim(r.Context(), "deposit", key); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.relay.Deposit(r.Context(), req)
	if err != nil {
		s.release(r, "deposit", key)
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, depositResponse{
		Success:    res.Success,
		TxHash:     res.TxHash,
		NewBalance: money(res.NewBalance),
		OnChain:    res.OnChain,
		Message:    res.Message,
		Replayed:   res.Replayed,
	})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req billing.Request
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.admitPrompt(r, req); err != nil {
		s.writeError(w, r, err)
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if err := s.idempotency.Claim(r.Context(), "prompt", key); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		// The ledger is only touched as the last step, so a failed run left
		// no charge behind and the key may be reused.
		s.release(r, "prompt", key)
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPrompt(res))
}

func (s *Server) handlePromptAsync(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil || s.results == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errQueueDisabled.Error()})
		return
	}

	var req billing.Request
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validatePrompt(s.catalog, req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.admitPrompt(r, req); err != nil {
		s.writeError(w, r, err)
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if err := s.idempotency.Claim(r.Context(), "prompt-async", key); err != nil {
		s.writeError(w, r, err)
		return
	}

	wallet := ledger.NormalizeAddress(req.WalletAddress)
	jobID := uuid.NewString()
	if err := s.results.Put(r.Context(), queue.JobResult{
		JobID:         jobID,
		Status:        queue.JobPending,
		WalletAddress: wallet,
		UpdatedAt:     s.now().UTC(),
	}); err != nil {
		s.release(r, "prompt-async", key)
		s.writeError(w, r, fmt.Errorf("store pending job: %w", err))
		return
	}

	if _, err := s.queue.Enqueue(r.Context(), queue.PromptJob{
		JobID:         jobID,
		WalletAddress: wallet,
		Prompt:        req.Prompt,
		Model:         req.Model,
		SessionID:     req.SessionID,
		EnqueuedAt:    s.now().UTC(),
	}); err != nil {
		s.release(r, "prompt-async", key)
		s.writeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.EnqueuedJobs.Inc()
	}

	writeJSON(w, http.StatusAccepted, jobResponse{
		Success:   true,
		JobID:     jobID,
		Status:    queue.JobPending,
		UpdatedAt: s.now().UTC(),
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errQueueDisabled.Error()})
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if _, err := uuid.Parse(id); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid job id", errBadRequest))
		return
	}

	res, err := s.results.Get(r.Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := jobResponse{
		Success:   res.Status != queue.JobFailed,
		JobID:     res.JobID,
		Status:    res.Status,
		Error:     res.Error,
		UpdatedAt: res.UpdatedAt,
	}
	switch res.Status {
	case queue.JobSucceeded:
		var br billing.Response
		if err := json.Unmarshal(res.Result, &br); err != nil {
			s.writeError(w, r, fmt.Errorf("decode job result: %w", err))
			return
		}
		rendered := renderPrompt(br)
		out.Result = &rendered
	case queue.JobFailed:
		out.ErrorCode = statusForKind(res.ErrorKind)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req siwe.Request
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.signIn.SignIn(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := ledger.NormalizeAddress(r.PathValue("address"))
	if address == "" {
		s.writeError(w, r, ledger.ErrInvalidAddress)
		return
	}
	bal, err := s.ledger.Balance(r.Context(), address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"address": address,
		"balance": money(bal),
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	address := ledger.NormalizeAddress(r.PathValue("address"))
	if address == "" {
		s.writeError(w, r, ledger.ErrInvalidAddress)
		return
	}
	limit := parseIntParam(r.URL.Query().Get("limit"), ledger.DefaultEntriesLimit)
	if limit < 1 || limit > 100 {
		s.writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 100", errBadRequest))
		return
	}

	entries, err := s.ledger.Entries(r.Context(), address, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:           e.ID,
			Kind:         e.Kind,
			Amount:       money(e.Amount),
			BalanceAfter: money(e.BalanceAfter),
			ExternalRef:  e.ExternalRef,
			Memo:         e.Memo,
			CreatedAt:    e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"address":      address,
		"transactions": out,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	models := s.catalog.List()
	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, modelResponse{
			ID:                    m.ID,
			Name:                  m.Name,
			Description:           m.Description,
			Provider:              string(m.Provider),
			InputPricePerMillion:  money(m.InputPricePerMillion),
			OutputPricePerMillion: money(m.OutputPricePerMillion),
			MaxOutputTokens:       m.MaxOutputTokens,
			ContextWindow:         m.ContextWindow,
			Tier:                  string(m.Tier),
			EstimatedMinimumCost:  money(m.EstimateMinimum()),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"default": s.catalog.DefaultID(),
		"models":  out,
	})
}

// admitPrompt applies the per-wallet hourly limit.
func (s *Server) admitPrompt(r *http.Request, req billing.Request) error {
	wallet := ledger.NormalizeAddress(req.WalletAddress)
	if wallet == "" {
		return fmt.Errorf("%w: walletAddress is required", billing.ErrMalformedInput)
	}
	_, err := s.limiter.Allow(r.Context(), wallet, s.now())
	return err
}

// validatePrompt rejects async jobs that could never run before they are queued.
func validatePrompt(c *catalog.Catalog, req billing.Request) error {
	if ledger.NormalizeAddress(req.WalletAddress) == "" {
		return fmt.Errorf("%w: walletAddress is required", billing.ErrMalformedInput)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", billing.ErrMalformedInput)
	}
	if _, err := c.Resolve(req.Model); err != nil {
		return err
	}
	return nil
}

func (s *Server) release(r *http.Request, scope, key string) {
	if err := s.idempotency.Release(context.WithoutCancel(r.Context()), scope, key); err != nil {
		s.logger.Warn().Err(err).Str("scope", scope).Msg("failed to release idempotency key")
	}
}

func parseIntParam(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return v
}
