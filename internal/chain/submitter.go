package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// ErrRelayFailure covers every way a permit can fail to land on-chain.
var ErrRelayFailure = errors.New("relay failure")

const (
	DefaultReceiptAttempts = 30
	DefaultReceiptInterval = 2 * time.Second
)

// 1.5 gwei, used when the node does not answer eth_maxPriorityFeePerGas.
var defaultPriorityFee = big.NewInt(1_500_000_000)

type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Submitter sends a permit to the token contract and waits for it to succeed.
type Submitter interface {
	SubmitPermit(ctx context.Context, p Permit) (Receipt, error)
}

type RPCConfig struct {
	URL             string
	ChainID         uint64
	Token           common.Address
	Relayer         common.Address
	ReceiptAttempts int
	ReceiptInterval time.Duration
	Logger          zerolog.Logger
}

// RPCSubmitter relays through a node that holds the relayer account unlocked.
type RPCSubmitter struct {
	client *rpc.Client
	cfg    RPCConfig
}

var _ Submitter = (*RPCSubmitter)(nil)

func DialRPC(ctx context.Context, cfg RPCConfig) (*RPCSubmitter, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultRPCURL
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultChainID
	}
	if cfg.ReceiptAttempts <= 0 {
		cfg.ReceiptAttempts = DefaultReceiptAttempts
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = DefaultReceiptInterval
	}
	if (cfg.Token == common.Address{}) {
		cfg.Token = common.HexToAddress(DefaultTokenContract)
	}
	client, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &RPCSubmitter{client: client, cfg: cfg}, nil
}

func (s *RPCSubmitter) Close() {
	s.client.Close()
}

type callArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

type txArgs struct {
	From                 common.Address `json:"from"`
	To                   common.Address `json:"to"`
	Data                 hexutil.Bytes  `json:"data"`
	Gas                  hexutil.Uint64 `json:"gas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	Nonce                hexutil.Uint64 `json:"nonce"`
	ChainID              *hexutil.Big   `json:"chainId"`
	Type                 hexutil.Uint64 `json:"type"`
}

type rpcReceipt struct {
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
}

func (s *RPCSubmitter) SubmitPermit(ctx context.Context, p Permit) (Receipt, error) {
	from := s.cfg.Relayer
	data := PermitCalldata(p)
	log := s.cfg.Logger.With().Str("owner", p.Owner.Hex()).Logger()

	var nonce hexutil.Uint64
	if err := s.client.CallContext(ctx, &nonce, "eth_getTransactionCount", from, "latest"); err != nil {
		return Receipt{}, fmt.Errorf("%w: nonce: %w", ErrRelayFailure, err)
	}
	var gasPrice hexutil.Big
	if err := s.client.CallContext(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		return Receipt{}, fmt.Errorf("%w: gas price: %w", ErrRelayFailure, err)
	}
	tip := (*hexutil.Big)(new(big.Int).Set(defaultPriorityFee))
	var nodeTip hexutil.Big
	if err := s.client.CallContext(ctx, &nodeTip, "eth_maxPriorityFeePerGas"); err == nil {
		tip = &nodeTip
	} else {
		log.Debug().Err(err).Msg("priority fee unavailable, using default")
	}
	var gas hexutil.Uint64
	if err := s.client.CallContext(ctx, &gas, "eth_estimateGas", callArgs{From: from, To: s.cfg.Token, Data: data}); err != nil {
		return Receipt{}, fmt.Errorf("%w: estimate gas: %w", ErrRelayFailure, err)
	}

	tx := txArgs{
		From:                 from,
		To:                   s.cfg.Token,
		Data:                 data,
		Gas:                  gas,
		MaxFeePerGas:         &gasPrice,
		MaxPriorityFeePerGas: tip,
		Nonce:                nonce,
		ChainID:              (*hexutil.Big)(new(big.Int).SetUint64(s.cfg.ChainID)),
		Type:                 2,
	}
	var hash common.Hash
	if err := s.client.CallContext(ctx, &hash, "eth_sendTransaction", tx); err != nil {
		return Receipt{}, fmt.Errorf("%w: send: %w", ErrRelayFailure, err)
	}
	log.Info().Str("tx", hash.Hex()).Uint64("nonce", uint64(nonce)).Msg("permit submitted")

	return s.waitReceipt(ctx, hash)
}

func (s *RPCSubmitter) waitReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	for attempt := 0; attempt < s.cfg.ReceiptAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Receipt{}, fmt.Errorf("%w: %w", ErrRelayFailure, ctx.Err())
			case <-time.After(s.cfg.ReceiptInterval):
			}
		}
		var r *rpcReceipt
		if err := s.client.CallContext(ctx, &r, "eth_getTransactionReceipt", hash); err != nil {
			s.cfg.Logger.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt poll failed")
			continue
		}
		if r == nil {
			continue
		}
		if r.Status != 1 {
			return Receipt{}, fmt.Errorf("%w: transaction %s reverted", ErrRelayFailure, hash.Hex())
		}
		return Receipt{TxHash: hash, BlockNumber: uint64(r.BlockNumber), GasUsed: uint64(r.GasUsed)}, nil
	}
	return Receipt{}, fmt.Errorf("%w: no receipt for %s after %d attempts", ErrRelayFailure, hash.Hex(), s.cfg.ReceiptAttempts)
}
