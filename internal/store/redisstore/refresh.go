// Package redisstore keeps refresh tokens in Redis with native key expiry.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"hsurvey.org/identity/internal/auth"
)

// Keys carry a hash tag so that a token and its successor share a cluster slot.
const defaultPrefix = "{identity:refresh}:"

// rotateScript removes KEYS[1] and, when it has not expired at ARGV[1], stores KEYS[2] for the
// same user. Returns {0} when missing, {1} when expired, {2, user} on success.
var rotateScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  return {0}
end
redis.call("DEL", KEYS[1])
local user, exp = string.match(v, "^([^|]+)|(%d+)|")
if not user or tonumber(exp) <= tonumber(ARGV[1]) then
  return {1}
end
redis.call("SET", KEYS[2], user .. "|" .. ARGV[2] .. "|" .. ARGV[3], "PX", ARGV[4])
return {2, user}
`)

// RefreshStore implements auth.RefreshTokenStore on Redis.
type RefreshStore struct {
	client redis.UniversalClient
	prefix string
}

var _ auth.RefreshTokenStore = (*RefreshStore)(nil)

// Option configures RefreshStore.
type Option func(*RefreshStore)

// WithPrefix overrides the key namespace. A prefix without a hash tag is wrapped in one.
func WithPrefix(p string) Option {
	return func(s *RefreshStore) {
		if p == "" {
			return
		}
		if !strings.Contains(p, "{") {
			p = "{" + strings.TrimSuffix(p, ":") + "}:"
		}
		s.prefix = p
	}
}

// NewClient dials addr. The connection is verified with PING.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewRefreshStore(client redis.UniversalClient, opts ...Option) *RefreshStore {
	s := &RefreshStore{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RefreshStore) Insert(ctx context.Context, tok auth.RefreshToken) error {
	ttl := tok.ExpiresAt.Sub(tok.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: refresh token already expired", auth.ErrInvalidInput)
	}
	ok, err := s.client.SetNX(ctx, s.key(tok.Hash), encode(tok), ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrDuplicateName
	}
	return nil
}

func (s *RefreshStore) Lookup(ctx context.Context, hash string) (auth.RefreshToken, error) {
	raw, err := s.client.Get(ctx, s.key(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return auth.RefreshToken{}, auth.ErrRefreshTokenNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, err
	}
	tok, err := decode(raw)
	if err != nil {
		return auth.RefreshToken{}, err
	}
	tok.Hash = hash
	return tok, nil
}

// Rotate runs commit against the current record, then swaps the keys with rotateScript.
// A rotation that loses the race to the script reports ErrRefreshTokenNotFound.
func (s *RefreshStore) Rotate(ctx context.Context, oldHash string, next auth.RefreshToken, commit func(auth.RefreshToken) error) (auth.RefreshToken, error) {
	ttl := next.ExpiresAt.Sub(next.CreatedAt)
	if ttl <= 0 {
		return auth.RefreshToken{}, fmt.Errorf("%w: successor already expired", auth.ErrInvalidInput)
	}
	if commit != nil {
		prev, err := s.Lookup(ctx, oldHash)
		if err != nil {
			return auth.RefreshToken{}, err
		}
		if prev.Expired(next.CreatedAt) {
			if err := s.Delete(ctx, oldHash); err != nil {
				return auth.RefreshToken{}, err
			}
			return auth.RefreshToken{}, auth.ErrRefreshTokenExpired
		}
		if err := commit(prev); err != nil {
			return auth.RefreshToken{}, err
		}
	}
	res, err := rotateScript.Run(ctx, s.client,
		[]string{s.key(oldHash), s.key(next.Hash)},
		next.CreatedAt.UnixMilli(),
		next.ExpiresAt.UnixMilli(),
		next.CreatedAt.UnixMilli(),
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return auth.RefreshToken{}, err
	}
	if len(res) == 0 {
		return auth.RefreshToken{}, errors.New("unexpected redis rotate response")
	}
	status, _ := res[0].(int64)
	switch status {
	case 0:
		return auth.RefreshToken{}, auth.ErrRefreshTokenNotFound
	case 1:
		return auth.RefreshToken{}, auth.ErrRefreshTokenExpired
	}
	if len(res) < 2 {
		return auth.RefreshToken{}, errors.New("unexpected redis rotate response")
	}
	raw, _ := res[1].(string)
	user, err := uuid.Parse(raw)
	if err != nil {
		return auth.RefreshToken{}, fmt.Errorf("stored refresh token owner: %w", err)
	}
	next.UserID = user
	next.Token = ""
	return next, nil
}

func (s *RefreshStore) Delete(ctx context.Context, hash string) error {
	return s.client.Del(ctx, s.key(hash)).Err()
}

// DeleteExpired is a no-op: Redis evicts expired keys itself.
func (s *RefreshStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RefreshStore) key(hash string) string { return s.prefix + hash }

func encode(tok auth.RefreshToken) string {
	return tok.UserID.String() + "|" +
		strconv.FormatInt(tok.ExpiresAt.UnixMilli(), 10) + "|" +
		strconv.FormatInt(tok.CreatedAt.UnixMilli(), 10)
}

func decode(raw string) (auth.RefreshToken, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 3 {
		return auth.RefreshToken{}, fmt.Errorf("malformed refresh record %q", raw)
	}
	user, err := uuid.Parse(parts[0])
	if err != nil {
		return auth.RefreshToken{}, fmt.Errorf("malformed refresh owner: %w", err)
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return auth.RefreshToken{}, fmt.Errorf("malformed refresh expiry: %w", err)
	}
	created, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return auth.RefreshToken{}, fmt.Errorf("malformed refresh creation: %w", err)
	}
	return auth.RefreshToken{
		UserID:    user,
		ExpiresAt: time.UnixMilli(exp).UTC(),
		CreatedAt: time.UnixMilli(created).UTC(),
	}, nil
}
