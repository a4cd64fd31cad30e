package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Simulated is an in-process Submitter. It rejects a permit it has already
// accepted, the way the token contract does once the permit nonce is spent.
type Simulated struct {
	// Err, when set, is returned from every submission.
	Err error

	mu    sync.Mutex
	seen  map[common.Hash]bool
	block uint64
	calls []Permit
}

var _ Submitter = (*Simulated)(nil)

func NewSimulated() *Simulated {
	return &Simulated{seen: map[common.Hash]bool{}}
}

func (s *Simulated) SubmitPermit(ctx context.Context, p Permit) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p)
	if s.Err != nil {
		return Receipt{}, s.Err
	}
	hash := crypto.Keccak256Hash(PermitCalldata(p))
	if s.seen[hash] {
		return Receipt{}, ErrRelayFailure
	}
	s.seen[hash] = true
	s.block++
	return Receipt{TxHash: hash, BlockNumber: s.block, GasUsed: 60_000}, nil
}

// Calls returns every permit submitted so far.
func (s *Simulated) Calls() []Permit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Permit(nil), s.calls...)
}
