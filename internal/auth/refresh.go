package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/obs"
)

const defaultRefreshTTL = 7 * 24 * time.Hour

// RefreshTokenStore persists refresh tokens keyed by their hash.
type RefreshTokenStore interface {
	Insert(ctx context.Context, tok RefreshToken) error
	Lookup(ctx context.Context, hash string) (RefreshToken, error)
	// Rotate atomically removes the token identified by oldHash and stores next for the same
	// user. Missing tokens yield ErrRefreshTokenNotFound and nothing is written. A token
	// expired at next.CreatedAt is removed, next is not stored and ErrRefreshTokenExpired is
	// returned. Of several concurrent rotations of one token exactly one succeeds.
	//
	// A non-nil commit runs with the live previous record before anything is written. When it
	// fails the old token stays valid, next is not stored and its error is returned as is.
	Rotate(ctx context.Context, oldHash string, next RefreshToken, commit func(prev RefreshToken) error) (RefreshToken, error)
	Delete(ctx context.Context, hash string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RefreshTokens manages the refresh token lifecycle on top of a store.
type RefreshTokens struct {
	store RefreshTokenStore
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// RefreshOption configures RefreshTokens.
type RefreshOption func(*RefreshTokens) error

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) RefreshOption {
	return func(r *RefreshTokens) error {
		if ttl > 0 {
			r.ttl = ttl
		}
		return nil
	}
}

// WithRefreshClock overrides the time source (useful for tests).
func WithRefreshClock(fn func() time.Time) RefreshOption {
	return func(r *RefreshTokens) error {
		if fn != nil {
			r.now = fn
		}
		return nil
	}
}

// WithRefreshLogger overrides the logger used for rejection diagnostics.
func WithRefreshLogger(l *slog.Logger) RefreshOption {
	return func(r *RefreshTokens) error {
		if l != nil {
			r.log = l
		}
		return nil
	}
}

// NewRefreshTokens constructs the refresh token manager.
func NewRefreshTokens(store RefreshTokenStore, opts ...RefreshOption) (*RefreshTokens, error) {
	if store == nil {
		return nil, errors.New("auth: refresh token store is required")
	}
	r := &RefreshTokens{
		store: store,
		ttl:   defaultRefreshTTL,
		now:   time.Now,
		log:   obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// TTL returns the refresh token lifetime.
func (r *RefreshTokens) TTL() time.Duration { return r.ttl }

// Create mints and persists a refresh token for the user.
func (r *RefreshTokens) Create(ctx context.Context, userID uuid.UUID) (RefreshToken, error) {
	if userID == uuid.Nil {
		return RefreshToken{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	tok, err := r.mint(userID)
	if err != nil {
		return RefreshToken{}, err
	}
	if err := r.store.Insert(ctx, tok); err != nil {
		return RefreshToken{}, fmt.Errorf("store refresh token: %w", err)
	}
	return tok, nil
}

// Check returns nil for a live token, or ErrRefreshTokenNotFound / ErrRefreshTokenExpired.
func (r *RefreshTokens) Check(ctx context.Context, token string) (RefreshToken, error) {
	hash, ok := hashRefreshToken(token)
	if !ok {
		return RefreshToken{}, ErrRefreshTokenNotFound
	}
	rec, err := r.store.Lookup(ctx, hash)
	if err != nil {
		return RefreshToken{}, err
	}
	if rec.Expired(r.now()) {
		return RefreshToken{}, ErrRefreshTokenExpired
	}
	return rec, nil
}

// Validate reports whether the token exists and has not expired.
func (r *RefreshTokens) Validate(ctx context.Context, token string) bool {
	_, err := r.Check(ctx, token)
	return err == nil
}

// ConsumeAndRotate deletes the presented token and issues its successor.
// Every token failure wraps ErrRefreshTokenInvalid.
func (r *RefreshTokens) ConsumeAndRotate(ctx context.Context, token string) (RefreshToken, error) {
	return r.ConsumeAndRotateFunc(ctx, token, nil)
}

// ConsumeAndRotateFunc is ConsumeAndRotate with fn run inside the rotation, after the
// presented token is known to be live and before the rotation commits. If fn fails the
// presented token remains usable and fn's error is returned unwrapped.
func (r *RefreshTokens) ConsumeAndRotateFunc(ctx context.Context, token string, fn func(prev RefreshToken) error) (RefreshToken, error) {
	hash, ok := hashRefreshToken(token)
	if !ok {
		return RefreshToken{}, r.reject(ctx, ErrRefreshTokenNotFound)
	}
	next, err := r.mint(uuid.Nil)
	if err != nil {
		return RefreshToken{}, err
	}
	var commit func(RefreshToken) error
	var commitErr error
	if fn != nil {
		commit = func(prev RefreshToken) error {
			commitErr = fn(prev)
			return commitErr
		}
	}
	stored, err := r.store.Rotate(ctx, hash, next, commit)
	if err != nil {
		if commitErr != nil && err == commitErr {
			return RefreshToken{}, err
		}
		if errors.Is(err, ErrRefreshTokenInvalid) {
			return RefreshToken{}, r.reject(ctx, err)
		}
		return RefreshToken{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	stored.Token = next.Token
	obs.RefreshRotations.Inc()
	return stored, nil
}

// Revoke deletes the token. Unknown tokens are ignored.
func (r *RefreshTokens) Revoke(ctx context.Context, token string) error {
	hash, ok := hashRefreshToken(token)
	if !ok {
		return nil
	}
	return r.store.Delete(ctx, hash)
}

// Purge removes every token expired at the current time.
func (r *RefreshTokens) Purge(ctx context.Context) (int64, error) {
	return r.store.DeleteExpired(ctx, r.now())
}

func (r *RefreshTokens) reject(ctx context.Context, err error) error {
	reason := "not_found"
	if errors.Is(err, ErrRefreshTokenExpired) {
		reason = "expired"
	}
	obs.RefreshRejections.WithLabelValues(reason).Inc()
	r.log.InfoContext(ctx, "refresh token rejected", "reason", reason)
	return err
}

func (r *RefreshTokens) mint(userID uuid.UUID) (RefreshToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	hash, _ := hashRefreshToken(token)
	now := r.now().UTC()
	return RefreshToken{
		Token:     token,
		Hash:      hash,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}, nil
}

func hashRefreshToken(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:]), true
}

var _ RefreshTokenStore = (*MemoryRefreshStore)(nil)

// MemoryRefreshStore keeps refresh tokens in process memory.
type MemoryRefreshStore struct {
	mu     sync.Mutex
	tokens map[string]RefreshToken
}

// NewMemoryRefreshStore constructs an empty in-memory store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{tokens: make(map[string]RefreshToken)}
}

func (m *MemoryRefreshStore) Insert(_ context.Context, tok RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tokens[tok.Hash]; exists {
		return ErrDuplicateName
	}
	tok.Token = ""
	m.tokens[tok.Hash] = tok
	return nil
}

func (m *MemoryRefreshStore) Lookup(_ context.Context, hash string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[hash]
	if !ok {
		return RefreshToken{}, ErrRefreshTokenNotFound
	}
	return tok, nil
}

func (m *MemoryRefreshStore) Rotate(_ context.Context, oldHash string, next RefreshToken, commit func(RefreshToken) error) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.tokens[oldHash]
	if !ok {
		return RefreshToken{}, ErrRefreshTokenNotFound
	}
	if prev.Expired(next.CreatedAt) {
		delete(m.tokens, oldHash)
		return RefreshToken{}, ErrRefreshTokenExpired
	}
	if commit != nil {
		if err := commit(prev); err != nil {
			return RefreshToken{}, err
		}
	}
	delete(m.tokens, oldHash)
	next.UserID = prev.UserID
	next.Token = ""
	m.tokens[next.Hash] = next
	return next, nil
}

func (m *MemoryRefreshStore) Delete(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, hash)
	return nil
}

func (m *MemoryRefreshStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, tok := range m.tokens {
		if tok.Expired(now) {
			delete(m.tokens, hash)
			n++
		}
	}
	return n, nil
}

