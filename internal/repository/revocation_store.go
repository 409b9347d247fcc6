package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedPrefix = "auth:revoked:"

// RevocationStore denylists access token ids until they would have expired
// anyway, so the key set stays bounded by the token TTL.
type RevocationStore struct {
	rdb *redis.Client
}

// NewRevocationStore returns a store backed by rdb. A nil client yields a
// store that never reports revocations, matching how the rest of the
// Redis-backed features degrade when Redis is unavailable at startup.
func NewRevocationStore(rdb *redis.Client) *RevocationStore {
	return &RevocationStore{rdb: rdb}
}

// Revoke denylists jti until exp. Already expired tokens are skipped.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, exp time.Time) error {
	if s.rdb == nil || jti == "" {
		return nil
	}
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, revokedPrefix+jti, "1", ttl).Err()
}

// IsRevoked reports whether jti was revoked.
func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if s.rdb == nil || jti == "" {
		return false, nil
	}
	n, err := s.rdb.Exists(ctx, revokedPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
