package siwe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"payprompt/internal/chain"
	"payprompt/internal/ledger"
	"payprompt/internal/session"
)

type AccountEnsurer interface {
	EnsureAccount(ctx context.Context, address string) error
}

type SessionCreator interface {
	Create(ctx context.Context, address, signature string) (session.Session, error)
}

type Request struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

type Result struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"sessionId"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Config struct {
	Accounts AccountEnsurer
	Sessions SessionCreator
	// VerifySignatures requires the signature to recover to the claimed address.
	VerifySignatures bool
	Logger           zerolog.Logger
	Now              func() time.Time
}

type Verifier struct {
	accounts         AccountEnsurer
	sessions         SessionCreator
	verifySignatures bool
	logger           zerolog.Logger
	now              func() time.Time
}

func NewVerifier(cfg Config) *Verifier {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{
		accounts:         cfg.Accounts,
		sessions:         cfg.Sessions,
		verifySignatures: cfg.VerifySignatures,
		logger:           cfg.Logger,
		now:              cfg.Now,
	}
}

func (v *Verifier) SignIn(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.Signature) == "" || strings.TrimSpace(req.Address) == "" {
		return Result{}, fmt.Errorf("%w: missing message, signature, or address", ErrMalformedMessage)
	}
	msg, err := ParseMessage(req.Message)
	if err != nil {
		return Result{}, err
	}
	if !strings.EqualFold(msg.Address, strings.TrimSpace(req.Address)) {
		return Result{}, ErrAddressMismatch
	}
	if !msg.ExpirationTime.After(v.now()) {
		return Result{}, ErrMessageExpired
	}
	if v.verifySignatures {
		signer, err := RecoverPersonalSign(req.Message, req.Signature)
		if err != nil {
			return Result{}, err
		}
		if !strings.EqualFold(signer, msg.Address) {
			return Result{}, ErrBadSignature
		}
	}

	address := ledger.NormalizeAddress(req.Address)
	if err := v.accounts.EnsureAccount(ctx, address); err != nil {
		return Result{}, fmt.Errorf("ensure account: %w", err)
	}

	s, err := v.sessions.Create(ctx, address, req.Signature)
	if err != nil {
		// Create still hands back a usable session when only persistence failed.
		if s.ID == "" {
			return Result{}, err
		}
		v.logger.Warn().Err(err).Str("wallet", address).Msg("session not persisted")
	}
	v.logger.Info().Str("wallet", address).Str("domain", msg.Domain).Msg("wallet signed in")

	return Result{
		Success:   true,
		SessionID: s.ID,
		Address:   address,
		ExpiresAt: s.ExpiresAt,
	}, nil
}

// RecoverPersonalSign returns the address that produced an EIP-191
// personal_sign signature over message.
func RecoverPersonalSign(message, signature string) (string, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil || len(sig) != 65 {
		return "", fmt.Errorf("%w: signature must be 65 bytes of hex", ErrBadSignature)
	}
	recID := sig[64]
	if recID >= 27 {
		recID -= 27
	}
	if recID > 1 {
		return "", fmt.Errorf("%w: invalid recovery id", ErrBadSignature)
	}

	compact := make([]byte, 65)
	compact[0] = 27 + recID
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, personalHash(message))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return chain.PubkeyAddress(pub).Hex(), nil
}

func personalHash(message string) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message))
	return crypto.Keccak256([]byte(prefix), []byte(message))
}
