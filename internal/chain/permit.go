// Package chain submits EIP-2612 permits to the token contract over JSON-RPC.
package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	TokenDecimals = 18

	// MNEE on Base mainnet.
	DefaultTokenContract = "0x8ccedbAe4916b79da7F3F612EfB2EB93A2bFB6cF"
	DefaultRPCURL        = "https://mainnet.base.org"
	DefaultChainID       = 8453
)

var (
	permitSelector       = common.FromHex("0xd505accf")
	transferFromSelector = common.FromHex("0x23b872dd")
)

// Permit is a signed EIP-2612 authorization. V is normalized to 27 or 28.
type Permit struct {
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int
	Deadline *big.Int
	V        uint8
	R        common.Hash
	S        common.Hash
}

// PermitCalldata encodes permit(owner, spender, value, deadline, v, r, s).
func PermitCalldata(p Permit) []byte {
	out := make([]byte, 0, 4+7*32)
	out = append(out, permitSelector...)
	out = append(out, common.LeftPadBytes(p.Owner.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(p.Spender.Bytes(), 32)...)
	out = append(out, word(p.Value)...)
	out = append(out, word(p.Deadline)...)
	out = append(out, word(new(big.Int).SetUint64(uint64(p.V)))...)
	out = append(out, p.R.Bytes()...)
	out = append(out, p.S.Bytes()...)
	return out
}

// TransferFromCalldata encodes transferFrom(from, to, amount).
func TransferFromCalldata(from, to common.Address, amount *big.Int) []byte {
	out := make([]byte, 0, 4+3*32)
	out = append(out, transferFromSelector...)
	out = append(out, common.LeftPadBytes(from.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(to.Bytes(), 32)...)
	out = append(out, word(amount)...)
	return out
}

// Fingerprint identifies a permit independent of how it is later settled.
func Fingerprint(chainID uint64, token common.Address, p Permit) common.Hash {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(new(big.Int).SetUint64(chainID).Bytes(), 32),
		token.Bytes(),
		PermitCalldata(p),
	)
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}
