package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"hsurvey.org/identity/internal/auth"
)

// RefreshStore keeps refresh token hashes in the refresh_tokens table.
type RefreshStore struct {
	db *sql.DB
}

var _ auth.RefreshTokenStore = (*RefreshStore)(nil)

func NewRefreshStore(db *sql.DB) *RefreshStore {
	return &RefreshStore{db: db}
}

func (s *RefreshStore) Insert(ctx context.Context, tok auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (token_hash, user_id, expires_at, created_at)
		values ($1, $2, $3, $4)
	`, tok.Hash, tok.UserID, tok.ExpiresAt, tok.CreatedAt)
	return mapError(err)
}

func (s *RefreshStore) Lookup(ctx context.Context, hash string) (auth.RefreshToken, error) {
	if s.db == nil {
		return auth.RefreshToken{}, errNoDB
	}
	tok := auth.RefreshToken{Hash: hash}
	err := s.db.QueryRowContext(ctx, `
		select user_id, expires_at, created_at from refresh_tokens where token_hash = $1
	`, hash).Scan(&tok.UserID, &tok.ExpiresAt, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrRefreshTokenNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, err
	}
	return tok, nil
}

// Rotate deletes the old row and inserts its successor in one transaction; commit runs
// inside it, so a failing commit rolls the delete back. Concurrent rotations of the same
// row serialize on the row lock taken by delete; the losers see no row.
func (s *RefreshStore) Rotate(ctx context.Context, oldHash string, next auth.RefreshToken, commit func(auth.RefreshToken) error) (auth.RefreshToken, error) {
	if s.db == nil {
		return auth.RefreshToken{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.RefreshToken{}, err
	}
	defer func() { _ = tx.Rollback() }()

	prev := auth.RefreshToken{Hash: oldHash}
	err = tx.QueryRowContext(ctx, `
		delete from refresh_tokens where token_hash = $1
		returning user_id, expires_at, created_at
	`, oldHash).Scan(&prev.UserID, &prev.ExpiresAt, &prev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrRefreshTokenNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, err
	}
	if prev.Expired(next.CreatedAt) {
		if err := tx.Commit(); err != nil {
			return auth.RefreshToken{}, err
		}
		return auth.RefreshToken{}, auth.ErrRefreshTokenExpired
	}

	if commit != nil {
		if err := commit(prev); err != nil {
			return auth.RefreshToken{}, err
		}
	}

	next.UserID = prev.UserID
	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (token_hash, user_id, expires_at, created_at)
		values ($1, $2, $3, $4)
	`, next.Hash, next.UserID, next.ExpiresAt, next.CreatedAt); err != nil {
		return auth.RefreshToken{}, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return auth.RefreshToken{}, err
	}
	next.Token = ""
	return next, nil
}

func (s *RefreshStore) Delete(ctx context.Context, hash string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `delete from refresh_tokens where token_hash = $1`, hash)
	return err
}

func (s *RefreshStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
