package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"payprompt/internal/session"
)

var _ session.Repository = (*Store)(nil)

func (s *Store) InsertSession(ctx context.Context, ses session.Session) error {
	q := s.sql.Insert("sessions").
		Columns("id", "wallet_address", "signature", "issued_at", "expires_at").
		Values(ses.ID, ses.Address, ses.Signature, ses.IssuedAt.UTC(), ses.ExpiresAt.UTC())

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	q := s.sql.Select("id", "wallet_address", "signature", "issued_at", "expires_at").
		From("sessions").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return session.Session{}, fmt.Errorf("build get session query: %w", err)
	}

	var out session.Session
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.ID,
		&out.Address,
		&out.Signature,
		&out.IssuedAt,
		&out.ExpiresAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	out.IssuedAt = out.IssuedAt.UTC()
	out.ExpiresAt = out.ExpiresAt.UTC()
	return out, nil
}
