package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
)

func TestRefreshRotate(t *testing.T) {
	db, mock := newMock(t)
	store := NewRefreshStore(db)
	user := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("delete from refresh_tokens").WithArgs("old").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "expires_at", "created_at"}).AddRow(user.String(), now.Add(time.Hour), now.Add(-time.Hour)))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("new", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, err := store.Rotate(context.Background(), "old", auth.RefreshToken{
		Token:     "plain",
		Hash:      "new",
		ExpiresAt: now.Add(7 * 24 * time.Hour),
		CreatedAt: now,
	}, nil)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if got.UserID != user {
		t.Fatalf("successor bound to %s, want %s", got.UserID, user)
	}
	if got.Token != "" {
		t.Fatal("plaintext must not be returned from the store")
	}
	expectationsMet(t, mock)
}

func TestRefreshRotateMissing(t *testing.T) {
	db, mock := newMock(t)
	store := NewRefreshStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("delete from refresh_tokens").WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "expires_at", "created_at"}))
	mock.ExpectRollback()

	_, err := store.Rotate(context.Background(), "gone", auth.RefreshToken{Hash: "new", CreatedAt: time.Now()}, nil)
	if !errors.Is(err, auth.ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestRefreshRotateExpiredRemoves(t *testing.T) {
	db, mock := newMock(t)
	store := NewRefreshStore(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("delete from refresh_tokens").WithArgs("stale").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "expires_at", "created_at"}).AddRow(uuid.NewString(), now.Add(-time.Minute), now.Add(-time.Hour)))
	mock.ExpectCommit()

	_, err := store.Rotate(context.Background(), "stale", auth.RefreshToken{Hash: "new", CreatedAt: now}, nil)
	if !errors.Is(err, auth.ErrRefreshTokenExpired) {
		t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestRefreshRotateCommitFailureRollsBack(t *testing.T) {
	db, mock := newMock(t)
	store := NewRefreshStore(db)
	user := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("delete from refresh_tokens").WithArgs("old").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "expires_at", "created_at"}).AddRow(user.String(), now.Add(time.Hour), now.Add(-time.Hour)))
	mock.ExpectRollback()

	reissue := errors.New("user lookup failed")
	var seen uuid.UUID
	_, err := store.Rotate(context.Background(), "old", auth.RefreshToken{Hash: "new", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		func(prev auth.RefreshToken) error {
			seen = prev.UserID
			return reissue
		})
	if !errors.Is(err, reissue) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if seen != user {
		t.Fatalf("commit saw user %s, want %s", seen, user)
	}
	expectationsMet(t, mock)
}

func TestRefreshLookupMissing(t *testing.T) {
	db, mock := newMock(t)
	store := NewRefreshStore(db)

	mock.ExpectQuery("select user_id, expires_at, created_at from refresh_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "expires_at", "created_at"}))

	if _, err := store.Lookup(context.Background(), "nope"); !errors.Is(err, auth.ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestRefreshDeleteExpired(t *testing.T) {
	db, mock := newMock(t)
	store := NewRefreshStore(db)

	mock.ExpectExec("delete from refresh_tokens where expires_at").WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.DeleteExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 purged, got %d", n)
	}
	expectationsMet(t, mock)
}
