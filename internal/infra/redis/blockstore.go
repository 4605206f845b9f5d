package redis

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	ipBlockPrefix     = "block:ip:"
	accountLockPrefix = "lock:account:"
)

// BlockStore records temporary enforcement state: blocked client
// addresses and locked accounts. Entries expire on their own; an explicit
// unblock removes them early.
type BlockStore struct {
	client *Client
}

// NewBlockStore creates a new block store.
func NewBlockStore(client *Client) (*BlockStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &BlockStore{client: client}, nil
}

// BlockIP blocks a client address for the given duration.
func (s *BlockStore) BlockIP(ctx context.Context, ip string, d time.Duration) error {
	return s.set(ctx, ipBlockPrefix+ip, d)
}

// IsIPBlocked reports whether the address is blocked and for how much
// longer.
func (s *BlockStore) IsIPBlocked(ctx context.Context, ip string) (bool, time.Duration, error) {
	return s.check(ctx, ipBlockPrefix+ip)
}

// UnblockIP removes a block early. Unblocking an unblocked address is a
// no-op.
func (s *BlockStore) UnblockIP(ctx context.Context, ip string) error {
	return s.clear(ctx, ipBlockPrefix+ip)
}

// LockAccount locks an account for the given duration.
func (s *BlockStore) LockAccount(ctx context.Context, userID string, d time.Duration) error {
	return s.set(ctx, accountLockPrefix+userID, d)
}

// IsAccountLocked reports whether the account is locked and for how much
// longer.
func (s *BlockStore) IsAccountLocked(ctx context.Context, userID string) (bool, time.Duration, error) {
	return s.check(ctx, accountLockPrefix+userID)
}

// UnlockAccount removes an account lock early.
func (s *BlockStore) UnlockAccount(ctx context.Context, userID string) error {
	return s.clear(ctx, accountLockPrefix+userID)
}

func (s *BlockStore) set(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return errors.New("block duration must be positive")
	}

	done := Timed("block_set")
	err := s.client.client.Set(ctx, key, "1", d).Err()
	done(err)
	if err != nil {
		return fmt.Errorf("block set: %w", err)
	}
	return nil
}

func (s *BlockStore) check(ctx context.Context, key string) (bool, time.Duration, error) {
	done := Timed("block_check")
	ttl, err := s.client.client.PTTL(ctx, key).Result()
	done(err)
	if err != nil {
		return false, 0, fmt.Errorf("block check: %w", err)
	}

	// PTTL returns a negative duration for missing keys and keys
	// without expiry; only a positive TTL means an active block.
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}

func (s *BlockStore) clear(ctx context.Context, key string) error {
	if err := s.client.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("block clear: %w", err)
	}
	return nil
}
