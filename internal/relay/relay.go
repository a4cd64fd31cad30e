// Package relay turns signed token permits into ledger credit.
package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"payprompt/internal/chain"
	"payprompt/internal/ledger"
	"payprompt/internal/metrics"
)

const (
	MessageOnChain   = "Deposit confirmed on-chain"
	MessageDemo      = "Demo deposit processed (configure RELAYER_PRIVATE_KEY for on-chain)"
	MessageFallback  = "Deposit credited; on-chain settlement failed and is pending review"
	MessageReplayed  = "Deposit already processed"
	demoRefPrefix    = "0xdemo_"
	demoRefHexDigits = 56

	onChainMemoPrefix = "settled in tx "
	creditTimeout     = 10 * time.Second
)

// Alert describes a deposit that was credited without on-chain settlement.
type Alert struct {
	Wallet    string
	Amount    decimal.Decimal
	Reference string
	Reason    string
}

type Alerter interface {
	DepositAlert(ctx context.Context, a Alert) error
}

type Result struct {
	Success    bool            `json:"success"`
	TxHash     string          `json:"txHash"`
	NewBalance decimal.Decimal `json:"newBalance"`
	OnChain    bool            `json:"onChain"`
	Message    string          `json:"message"`
	Replayed   bool            `json:"replayed,omitempty"`
}

type Config struct {
	Ledger ledger.Store
	// Submitter is nil in demo mode.
	Submitter chain.Submitter
	Token     common.Address
	Vault     common.Address
	ChainID   uint64
	Alerter   Alerter
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Relay struct {
	ledger    ledger.Store
	submitter chain.Submitter
	token     common.Address
	spender   common.Address
	chainID   uint64
	alerter   Alerter
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(cfg Config) *Relay {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if (cfg.Token == common.Address{}) {
		cfg.Token = common.HexToAddress(chain.DefaultTokenContract)
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = chain.DefaultChainID
	}
	spender := cfg.Vault
	if (spender == common.Address{}) {
		spender = cfg.Token
	}
	return &Relay{
		ledger:    cfg.Ledger,
		submitter: cfg.Submitter,
		token:     cfg.Token,
		spender:   spender,
		chainID:   cfg.ChainID,
		alerter:   cfg.Alerter,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
}

// OnChain reports whether deposits are settled through a chain submitter.
func (r *Relay) OnChain() bool {
	return r.submitter != nil
}

// Deposit validates the permit, settles it on-chain when a submitter is
// configured, and credits the wallet. A chain failure never fails the
// deposit: the wallet is credited provisionally instead. Chain-mode entries
// are keyed on the permit fingerprint, so a resubmitted permit is a replay
// whichever way it settled the first time.
func (r *Relay) Deposit(ctx context.Context, req PermitRequest) (Result, error) {
	p, wallet, err := parsePermit(req, r.spender, r.now())
	if err != nil {
		return Result{}, err
	}
	amount := decimal.NewFromBigInt(p.Value, -chain.TokenDecimals)
	fp := chain.Fingerprint(r.chainID, r.token, p)
	log := r.logger.With().Str("wallet", wallet).Str("amount", amount.String()).Logger()

	ref := fp.Hex()
	txHash := ref
	var (
		memo    string
		onChain bool
		message string
		failure error
	)
	settled := "provisional"
	switch {
	case r.submitter == nil:
		ref = demoRefPrefix + hex.EncodeToString(fp.Bytes())[:demoRefHexDigits]
		txHash = ref
		message = MessageDemo
	default:
		prev, lerr := r.ledger.DepositByRef(ctx, ref)
		switch {
		case lerr == nil:
			dep, err := ledger.CheckReplay(prev, wallet, amount)
			if err != nil {
				return Result{}, fmt.Errorf("credit deposit: %w", err)
			}
			log.Info().Str("ref", ref).Msg("permit already credited")
			return replayResult(dep), nil
		case !errors.Is(lerr, ledger.ErrUnknownReference):
			return Result{}, fmt.Errorf("look up deposit: %w", lerr)
		}

		rc, serr := r.submitter.SubmitPermit(ctx, p)
		if serr == nil {
			txHash = rc.TxHash.Hex()
			memo = onChainMemoPrefix + txHash
			onChain = true
			message = MessageOnChain
			settled = "on_chain"
			log.Info().Str("tx_hash", txHash).Uint64("block", rc.BlockNumber).Msg("permit settled on-chain")
			break
		}
		failure = serr
		memo = "provisional: " + serr.Error()
		message = MessageFallback
		log.Warn().Err(serr).Str("ref", ref).Msg("permit relay failed, crediting provisionally")
	}

	// Once submission has been attempted the credit must land even if the
	// caller has gone away.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), creditTimeout)
	defer cancel()

	dep, err := r.ledger.Deposit(cctx, wallet, amount, ref, memo)
	if err != nil {
		return Result{}, fmt.Errorf("credit deposit: %w", err)
	}
	if dep.Replayed {
		return replayResult(dep), nil
	}

	r.metrics.Deposits.WithLabelValues(settled).Inc()
	metrics.AddCredits(r.metrics.CreditsDeposited, amount)
	if failure != nil {
		r.alert(cctx, Alert{Wallet: wallet, Amount: amount, Reference: ref, Reason: failure.Error()})
	}

	return Result{
		Success:    true,
		TxHash:     txHash,
		NewBalance: dep.NewBalance,
		OnChain:    onChain,
		Message:    message,
	}, nil
}

// replayResult reports an already-applied deposit with the settlement the
// original entry recorded.
func replayResult(dep ledger.DepositResult) Result {
	res := Result{
		Success:    true,
		NewBalance: dep.NewBalance,
		Message:    MessageReplayed,
		Replayed:   true,
	}
	if dep.Entry.ExternalRef != nil {
		res.TxHash = *dep.Entry.ExternalRef
	}
	if tx, ok := strings.CutPrefix(dep.Entry.Memo, onChainMemoPrefix); ok {
		res.TxHash = tx
		res.OnChain = true
	}
	return res
}

func (r *Relay) alert(ctx context.Context, a Alert) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.DepositAlert(ctx, a); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn().Err(err).Str("wallet", a.Wallet).Msg("deposit alert failed")
	}
}
