package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const blacklistPrefix = "blacklist:refresh:"

// Blacklist records consumed refresh tokens until their natural expiry.
// Tokens are stored as SHA-256 digests so the raw credential never
// reaches Redis.
type Blacklist struct {
	client *Client
}

// NewBlacklist creates a new token blacklist.
func NewBlacklist(client *Client) (*Blacklist, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Blacklist{client: client}, nil
}

func blacklistKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return blacklistPrefix + hex.EncodeToString(sum[:])
}

// Add blacklists a token for the given TTL, normally the token's
// remaining lifetime. A non-positive TTL is clamped to one minute so a
// token with a skewed expiry is still unusable.
func (b *Blacklist) Add(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return errors.New("token is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	done := Timed("blacklist_add")
	err := b.client.client.Set(ctx, blacklistKey(token), "1", ttl).Err()
	done(err)
	if err != nil {
		return fmt.Errorf("blacklist add: %w", err)
	}
	return nil
}

// Contains reports whether the token has been blacklisted.
func (b *Blacklist) Contains(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, errors.New("token is required")
	}

	done := Timed("blacklist_check")
	n, err := b.client.client.Exists(ctx, blacklistKey(token)).Result()
	done(err)
	if err != nil {
		return false, fmt.Errorf("blacklist check: %w", err)
	}
	return n > 0, nil
}
