// Package ratelimit implements the distributed rate-limit engine: fixed
// windows shared across gateway instances, failure tracking with
// escalating IP blocks, and account locks.
package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// LimitType identifies one rate-limit category. The set is closed;
// every type maps to exactly one policy in defaultPolicies.
type LimitType string

const (
	LimitEndpoint     LimitType = "ENDPOINT"
	LimitUser         LimitType = "USER"
	LimitIP           LimitType = "IP"
	LimitOTP          LimitType = "OTP"
	LimitLogin        LimitType = "LOGIN"
	LimitTokenRefresh LimitType = "TOKEN_REFRESH"
	LimitInvalidJWT   LimitType = "INVALID_JWT"
)

// Action is the enforcement escalation applied when a limit is exceeded.
type Action string

const (
	ActionReject      Action = "REJECT"
	ActionBlockIP     Action = "BLOCK_IP"
	ActionLockAccount Action = "LOCK_ACCOUNT"
	ActionRevokeToken Action = "REVOKE_TOKEN"
)

// Policy describes how one limit type is enforced.
type Policy struct {
	Prefix      string
	MaxRequests int
	Window      time.Duration
	Action      Action

	// Audit marks violations that must reach the audit log unsampled.
	Audit bool

	// IPBased and UserBased scope the block-store side effects. They
	// are mutually exclusive; a type is scoped to one subject kind.
	IPBased   bool
	UserBased bool
}

// defaultPolicies is the policy lookup table. Adding a LimitType without
// a row here is a programming error caught by ParseLimitType and the
// engine constructor.
var defaultPolicies = map[LimitType]Policy{
	LimitEndpoint: {
		Prefix:      "endpoint",
		MaxRequests: 100,
		Window:      time.Minute,
		Action:      ActionReject,
	},
	LimitUser: {
		Prefix:      "user",
		MaxRequests: 120,
		Window:      time.Minute,
		Action:      ActionReject,
		UserBased:   true,
	},
	LimitIP: {
		Prefix:      "ip",
		MaxRequests: 300,
		Window:      time.Minute,
		Action:      ActionBlockIP,
		Audit:       true,
		IPBased:     true,
	},
	LimitOTP: {
		Prefix:      "otp",
		MaxRequests: 5,
		Window:      5 * time.Minute,
		Action:      ActionReject,
		Audit:       true,
	},
	LimitLogin: {
		Prefix:      "login",
		MaxRequests: 5,
		Window:      15 * time.Minute,
		Action:      ActionBlockIP,
		Audit:       true,
		IPBased:     true,
	},
	LimitTokenRefresh: {
		Prefix:      "token_refresh",
		MaxRequests: 10,
		Window:      time.Minute,
		Action:      ActionRevokeToken,
		UserBased:   true,
	},
	LimitInvalidJWT: {
		Prefix:      "invalid_jwt",
		MaxRequests: 5,
		Window:      10 * time.Minute,
		Action:      ActionBlockIP,
		Audit:       true,
		IPBased:     true,
	},
}

// AllLimitTypes returns every known limit type.
func AllLimitTypes() []LimitType {
	return []LimitType{
		LimitEndpoint, LimitUser, LimitIP, LimitOTP,
		LimitLogin, LimitTokenRefresh, LimitInvalidJWT,
	}
}

// ParseLimitType maps a string to a LimitType, case-insensitively.
func ParseLimitType(s string) (LimitType, error) {
	lt := LimitType(strings.ToUpper(s))
	if _, ok := defaultPolicies[lt]; !ok {
		return "", fmt.Errorf("unknown limit type: %q", s)
	}
	return lt, nil
}

// TracksFailures reports whether the type maintains an independent
// failure counter via RecordFailure.
func (t LimitType) TracksFailures() bool {
	return t == LimitLogin || t == LimitInvalidJWT
}

// String implements fmt.Stringer.
func (t LimitType) String() string {
	return string(t)
}
