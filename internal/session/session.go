// Package session maps opaque session ids to a wallet and an expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"payprompt/internal/ledger"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

const DefaultTTL = 24 * time.Hour

type Session struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Signature string    `json:"signature,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Repository is the persistent side. Get returns ErrNotFound for unknown ids.
type Repository interface {
	InsertSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
}

// Cache sits in front of the repository. A miss returns ErrNotFound.
type Cache interface {
	Get(ctx context.Context, id string) (Session, error)
	Put(ctx context.Context, s Session) error
}

type Directory struct {
	repo   Repository
	cache  Cache
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

type Config struct {
	Repo   Repository
	Cache  Cache
	TTL    time.Duration
	Now    func() time.Time
	Logger zerolog.Logger
}

func NewDirectory(cfg Config) *Directory {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Directory{
		repo:   cfg.Repo,
		cache:  cfg.Cache,
		ttl:    cfg.TTL,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// Create issues a new session for address. The returned session is valid even
// if persisting it fails; the error is returned alongside so callers can log it.
func (d *Directory) Create(ctx context.Context, address, signature string) (Session, error) {
	now := d.now()
	s := Session{
		ID:        uuid.NewString(),
		Address:   ledger.NormalizeAddress(address),
		Signature: signature,
		IssuedAt:  now,
		ExpiresAt: now.Add(d.ttl),
	}
	persistErr := d.repo.InsertSession(ctx, s)
	if d.cache != nil {
		if err := d.cache.Put(ctx, s); err != nil {
			d.logger.Warn().Err(err).Str("session_id", s.ID).Msg("failed to cache session")
		}
	}
	if persistErr != nil {
		return s, fmt.Errorf("persist session: %w", persistErr)
	}
	return s, nil
}

// Verify fails with ErrNotFound when no session matches both id and address,
// and ErrExpired once now is past ExpiresAt.
func (d *Directory) Verify(ctx context.Context, id, address string) error {
	s, err := d.lookup(ctx, id)
	if err != nil {
		return err
	}
	if s.Address != ledger.NormalizeAddress(address) {
		return ErrNotFound
	}
	if s.ExpiresAt.Before(d.now()) {
		return ErrExpired
	}
	return nil
}

func (d *Directory) lookup(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, ErrNotFound
	}
	if d.cache != nil {
		s, err := d.cache.Get(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			d.logger.Warn().Err(err).Msg("session cache lookup failed")
		}
	}

	s, err := d.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if d.cache != nil && s.ExpiresAt.After(d.now()) {
		if err := d.cache.Put(ctx, s); err != nil {
			d.logger.Warn().Err(err).Str("session_id", s.ID).Msg("failed to cache session")
		}
	}
	return s, nil
}
