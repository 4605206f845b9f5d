// Package refresh rotates token pairs at the edge. Exactly one gateway
// instance refreshes a given session at a time; the old refresh token
// is blacklisted for its remaining lifetime so replay is detectable.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openctemio/gateway/internal/identity"
	"github.com/openctemio/gateway/internal/infra/redis"
	"github.com/openctemio/gateway/pkg/logger"
)

// CookieName is the response cookie carrying the rotated refresh token.
const CookieName = "refresh_token"

// Exchanger mints a new token pair from a refresh token.
type Exchanger interface {
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*identity.TokenPair, error)
}

// Config holds coordinator settings.
type Config struct {
	// LockLease bounds how long a refresh lock is held.
	LockLease time.Duration

	// CookieMaxAge is the lifetime of the refresh_token cookie.
	CookieMaxAge time.Duration
}

// Coordinator serializes refresh attempts per (tenant, subject) with a
// distributed lock and rotates the pair through the identity service.
type Coordinator struct {
	locker    *redis.Locker
	blacklist *redis.Blacklist
	exchanger Exchanger
	cfg       Config
	logger    *logger.Logger
}

// NewCoordinator creates a refresh coordinator.
func NewCoordinator(client *redis.Client, exchanger Exchanger, cfg Config, log *logger.Logger) (*Coordinator, error) {
	locker, err := redis.NewLocker(client)
	if err != nil {
		return nil, fmt.Errorf("create locker: %w", err)
	}
	blacklist, err := redis.NewBlacklist(client)
	if err != nil {
		return nil, fmt.Errorf("create blacklist: %w", err)
	}

	if cfg.LockLease <= 0 {
		cfg.LockLease = 10 * time.Second
	}
	if cfg.CookieMaxAge <= 0 {
		cfg.CookieMaxAge = 7 * 24 * time.Hour
	}

	return &Coordinator{
		locker:    locker,
		blacklist: blacklist,
		exchanger: exchanger,
		cfg:       cfg,
		logger:    log.With("component", "refresh"),
	}, nil
}

// ShouldRefresh reports whether the access token has expired. A token
// that still has lifetime left is never rotated. The claim read is
// unverified; a token that fails to parse is treated as expired so the
// real validation happens downstream with a fresh pair.
func ShouldRefresh(accessToken string, now time.Time) bool {
	claims, err := identity.InspectToken(accessToken)
	if err != nil {
		return true
	}
	return claims.ExpiresIn(now) <= 0
}

// Refresh rotates the token pair for one session. Returns (nil, nil)
// when another instance holds the refresh lock; the caller passes the
// request through unchanged and the winner's rotation stands.
func (c *Coordinator) Refresh(ctx context.Context, tenantID, subjectID, refreshToken string) (*identity.TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrMissingRefreshToken
	}

	lease, acquired, err := c.locker.TryAcquire(ctx, lockName(tenantID, subjectID), c.cfg.LockLease)
	if err != nil {
		// Lock infrastructure failure behaves like contention: the
		// request proceeds with its current credentials.
		c.logger.Warn("refresh lock unavailable, passing through",
			"tenant_id", tenantID,
			"subject_id", subjectID,
			"error", err,
		)
		return nil, nil
	}
	if !acquired {
		return nil, nil
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			c.logger.Warn("refresh lock release failed",
				"tenant_id", tenantID,
				"subject_id", subjectID,
				"error", err,
			)
		}
	}()

	// A blacklisted token has already been rotated once. Reuse is
	// surfaced, never silently passed through.
	used, err := c.blacklist.Contains(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if used {
		c.logger.Error("security: refresh token reuse detected",
			"tenant_id", tenantID,
			"subject_id", subjectID,
		)
		return nil, ErrTokenReuseDetected
	}

	if claims, err := identity.InspectToken(refreshToken); err == nil {
		if claims.ExpiresAt != nil && claims.ExpiresIn(time.Now()) <= 0 {
			return nil, ErrExpiredRefreshToken
		}
	}

	pair, err := c.exchanger.ExchangeRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, identity.ErrExchangeRejected) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	if err := c.blacklist.Add(ctx, refreshToken, remainingLifetime(refreshToken)); err != nil {
		// The new pair is already minted; failing the request now would
		// strand the client. The TTL clamp makes a later retry safe.
		c.logger.Warn("failed to blacklist rotated refresh token",
			"tenant_id", tenantID,
			"subject_id", subjectID,
			"error", err,
		)
	}

	c.logger.Debug("token pair rotated",
		"tenant_id", tenantID,
		"subject_id", subjectID,
	)

	return pair, nil
}

// NewCookie builds the response cookie for a rotated refresh token.
func (c *Coordinator) NewCookie(refreshToken string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    refreshToken,
		Path:     "/",
		MaxAge:   int(c.cfg.CookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

func lockName(tenantID, subjectID string) string {
	return tenantID + ":" + subjectID
}

// remainingLifetime reads the token's own expiry for the blacklist TTL.
// Unreadable tokens fall back to the blacklist's minimum clamp.
func remainingLifetime(token string) time.Duration {
	claims, err := identity.InspectToken(token)
	if err != nil || claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresIn(time.Now())
}
