package chain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RelayerKey holds the relayer's signing key. Only its address is used on the
// unlocked-node path; raw transaction signing is not wired.
type RelayerKey struct {
	priv    *secp256k1.PrivateKey
	address common.Address
}

// ParseRelayerKey accepts a 32-byte hex private key with or without 0x.
func ParseRelayerKey(raw string) (*RelayerKey, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(s) != 64 {
		return nil, fmt.Errorf("relayer key must be 32 bytes of hex")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode relayer key: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("relayer key is zero")
	}
	return &RelayerKey{priv: priv, address: PubkeyAddress(priv.PubKey())}, nil
}

func (k *RelayerKey) Address() common.Address {
	return k.address
}

// PubkeyAddress derives the Ethereum address of a secp256k1 public key.
func PubkeyAddress(pub *secp256k1.PublicKey) common.Address {
	uncompressed := pub.SerializeUncompressed()
	return common.BytesToAddress(crypto.Keccak256(uncompressed[1:])[12:])
}
