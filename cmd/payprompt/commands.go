package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"payprompt/internal/chain"
	"payprompt/internal/config"
	"payprompt/internal/crypto"
)

// runCommand handles the offline helpers:
//
//	seal-key    reads a relayer private key on stdin and prints the sealed envelope
//	reseal-key  reads a sealed envelope on stdin and prints it sealed under the current master key
func runCommand(name string, cfg *config.Config, in io.Reader, out io.Writer) error {
	switch name {
	case "seal-key":
		sealer, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return fmt.Errorf("master keys: %w", err)
		}
		raw, err := readLine(in)
		if err != nil {
			return err
		}
		key, err := chain.ParseRelayerKey(raw)
		if err != nil {
			return err
		}
		sealed, err := sealer.Seal(crypto.PurposeRelayerKey, raw)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "# relayer %s\nRELAYER_PRIVATE_KEY_SEALED=%s\n", key.Address().Hex(), sealed)
		return err

	case "reseal-key":
		sealer, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return fmt.Errorf("master keys: %w", err)
		}
		raw, err := readLine(in)
		if err != nil {
			return err
		}
		sealed, err := sealer.Reseal(crypto.PurposeRelayerKey, raw)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "RELAYER_PRIVATE_KEY_SEALED=%s\n", sealed)
		return err

	default:
		return fmt.Errorf("unknown command %q (want seal-key or reseal-key)", name)
	}
}

func readLine(in io.Reader) (string, error) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return "", fmt.Errorf("no input on stdin")
	}
	line := strings.TrimSpace(sc.Text())
	if line == "" {
		return "", fmt.Errorf("no input on stdin")
	}
	return line, nil
}
