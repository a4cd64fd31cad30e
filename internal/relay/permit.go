package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"payprompt/internal/chain"
)

var ErrMalformedPermit = errors.New("malformed permit")

// Numeric accepts a JSON string or a JSON number and keeps its literal text,
// so 18-decimal token values never pass through float64.
type Numeric string

func (n *Numeric) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Numeric(s)
		return nil
	}
	*n = Numeric(b)
	return nil
}

// PermitRequest is the deposit request as received from the client.
type PermitRequest struct {
	Owner         string  `json:"owner"`
	Spender       string  `json:"spender,omitempty"`
	Value         Numeric `json:"value"`
	Deadline      Numeric `json:"deadline"`
	V             *int    `json:"v"`
	R             string  `json:"r"`
	S             string  `json:"s"`
	WalletAddress string  `json:"walletAddress,omitempty"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPermit, fmt.Sprintf(format, args...))
}

// parsePermit validates req and returns the permit plus the wallet to credit.
// defaultSpender fills in a missing spender.
func parsePermit(req PermitRequest, defaultSpender common.Address, now time.Time) (chain.Permit, string, error) {
	var p chain.Permit

	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return p, "", malformed("owner is required")
	}
	if !common.IsHexAddress(owner) {
		return p, "", malformed("owner is not an address")
	}
	p.Owner = common.HexToAddress(owner)

	p.Spender = defaultSpender
	if s := strings.TrimSpace(req.Spender); s != "" {
		if !common.IsHexAddress(s) {
			return p, "", malformed("spender is not an address")
		}
		p.Spender = common.HexToAddress(s)
	}

	value, err := parseUint(string(req.Value), "value")
	if err != nil {
		return p, "", err
	}
	if value.Sign() == 0 {
		return p, "", malformed("value must be positive")
	}
	p.Value = value

	deadline, err := parseUint(string(req.Deadline), "deadline")
	if err != nil {
		return p, "", err
	}
	if deadline.Cmp(big.NewInt(now.Unix())) < 0 {
		return p, "", malformed("permit deadline has passed")
	}
	p.Deadline = deadline

	if req.V == nil {
		return p, "", malformed("v is required")
	}
	switch v := *req.V; v {
	case 0, 1:
		p.V = uint8(v + 27)
	case 27, 28:
		p.V = uint8(v)
	default:
		return p, "", malformed("v must be 27 or 28")
	}

	if p.R, err = parseWord(req.R, "r"); err != nil {
		return p, "", err
	}
	if p.S, err = parseWord(req.S, "s"); err != nil {
		return p, "", err
	}

	wallet := strings.ToLower(p.Owner.Hex())
	if w := strings.TrimSpace(req.WalletAddress); w != "" {
		if !strings.EqualFold(w, owner) {
			return p, "", malformed("walletAddress does not match owner")
		}
	}
	return p, wallet, nil
}

func parseUint(raw, field string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, malformed("%s is required", field)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok && strings.HasPrefix(raw, "0x") {
		v, ok = new(big.Int).SetString(raw[2:], 16)
	}
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, malformed("%s must be an unsigned integer", field)
	}
	return v, nil
}

func parseWord(raw, field string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != 32 {
		return common.Hash{}, malformed("%s must be 32 bytes of hex", field)
	}
	return common.BytesToHash(b), nil
}
