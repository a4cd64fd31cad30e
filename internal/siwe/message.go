// Package siwe verifies Sign-In with Ethereum messages and opens sessions.
package siwe

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrMalformedMessage = errors.New("malformed sign-in message")
	ErrAddressMismatch  = errors.New("address mismatch in sign-in message")
	ErrMessageExpired   = errors.New("sign-in message expired")
	ErrBadSignature     = errors.New("signature does not match address")
)

var addressPattern = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)

// Message holds the fields of an EIP-4361 message that sign-in relies on.
type Message struct {
	Domain         string
	Address        string
	URI            string
	Version        string
	ChainID        string
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime time.Time
}

var fieldPrefixes = []string{"URI:", "Version:", "Chain ID:", "Nonce:", "Issued At:", "Expiration Time:"}

// ParseMessage extracts the sign-in fields. The domain is the first line and
// the address is the first 0x-prefixed 40 hex digit run anywhere in the text.
func ParseMessage(text string) (Message, error) {
	var m Message
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	m.Domain = strings.TrimSpace(lines[0])
	m.Address = addressPattern.FindString(text)

	fields := map[string]string{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		for _, prefix := range fieldPrefixes {
			if strings.HasPrefix(line, prefix) {
				fields[prefix] = strings.TrimSpace(line[len(prefix):])
			}
		}
	}
	m.URI = fields["URI:"]
	m.Version = fields["Version:"]
	m.ChainID = fields["Chain ID:"]
	m.Nonce = fields["Nonce:"]

	switch {
	case m.Domain == "":
		return m, fmt.Errorf("%w: missing domain", ErrMalformedMessage)
	case m.Address == "":
		return m, fmt.Errorf("%w: missing address", ErrMalformedMessage)
	case m.Nonce == "":
		return m, fmt.Errorf("%w: missing nonce", ErrMalformedMessage)
	}

	var err error
	if m.IssuedAt, err = parseTime(fields["Issued At:"], "Issued At"); err != nil {
		return m, err
	}
	if m.ExpirationTime, err = parseTime(fields["Expiration Time:"], "Expiration Time"); err != nil {
		return m, err
	}
	return m, nil
}

func parseTime(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: missing %s", ErrMalformedMessage, field)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, field, err)
	}
	return t, nil
}
