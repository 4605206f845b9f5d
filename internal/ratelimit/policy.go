package ratelimit

import (
	"strings"
	"time"

	"github.com/openctemio/gateway/internal/config"
)

const keyNamespace = "ratelimit"

// BuildKey composes the counter key for a limit type and identifier
// parts: ratelimit:{prefix}:{part}[:{part}...].
func BuildKey(p Policy, parts ...string) string {
	elems := append([]string{keyNamespace, p.Prefix}, parts...)
	return strings.Join(elems, ":")
}

// failureKey composes the independent failure-counter key.
func failureKey(p Policy, identifier string) string {
	return keyNamespace + ":fail:" + p.Prefix + ":" + identifier
}

// Result is the outcome of a limit check.
type Result struct {
	// Allowed is false when the request must be rejected.
	Allowed bool

	// Blocked is true when rejection came from an active IP block or
	// account lock rather than the window counter.
	Blocked bool

	Count     int64
	Limit     int
	Remaining int

	// RetryAfter is how long the caller should wait before retrying.
	RetryAfter time.Duration

	// Action is the enforcement escalation applied, empty when allowed.
	Action Action
}

// policyTable resolves policies with configuration overrides applied.
type policyTable struct {
	policies map[LimitType]Policy
}

func newPolicyTable(overrides map[string]config.LimitOverride) policyTable {
	policies := make(map[LimitType]Policy, len(defaultPolicies))
	for lt, p := range defaultPolicies {
		if ov, ok := overrides[string(lt)]; ok {
			p.MaxRequests = ov.MaxRequests
			p.Window = ov.Window
		}
		policies[lt] = p
	}
	return policyTable{policies: policies}
}

// get returns the policy for a type. The type set is closed, so a miss
// means a caller bypassed ParseLimitType.
func (t policyTable) get(lt LimitType) (Policy, bool) {
	p, ok := t.policies[lt]
	return p, ok
}

// isExceeded applies the boundary rule: the request that brings the
// count up to the limit is rejected.
func (p Policy) isExceeded(count int64) bool {
	return count >= int64(p.MaxRequests)
}

// remaining returns how many requests are left in the window.
func (p Policy) remaining(count int64) int {
	left := int64(p.MaxRequests) - count
	if left < 0 {
		return 0
	}
	return int(left)
}
