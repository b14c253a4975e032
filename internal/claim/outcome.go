package claim

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Outcome is the terminal state of a claim
type Outcome int

const (
	Success Outcome = iota
	InvalidKeyFormat
	InvalidOrUsedKey
	CooldownActive
	TenantNotConfigured
	EntitlementMissing
	DownstreamGrantFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case InvalidKeyFormat:
		return "invalid_key_format"
	case InvalidOrUsedKey:
		return "invalid_or_used_key"
	case CooldownActive:
		return "cooldown_active"
	case TenantNotConfigured:
		return "tenant_not_configured"
	case EntitlementMissing:
		return "entitlement_missing"
	case DownstreamGrantFailure:
		return "downstream_grant_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText renders the outcome name in JSON.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Request is one attempt to redeem a key.
type Request struct {
	TenantID   string
	CallerID   string
	Key        string
	Privileged bool
}

// Result is returned for every claim that reached a terminal state.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message"`
	// RetryAfter is set for CooldownActive.
	RetryAfter time.Duration `json:"-"`
}

// OK reports whether the claim committed.
func (r Result) OK() bool {
	return r.Outcome == Success
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (r Result) RetryAfterSeconds() int {
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Granter performs the platform action that hands out the entitlement.
type Granter interface {
	GrantEntitlement(ctx context.Context, callerID, entitlementID string) error
}

// GranterFunc adapts a function to Granter.
type GranterFunc func(ctx context.Context, callerID, entitlementID string) error

// GrantEntitlement calls f.
func (f GranterFunc) GrantEntitlement(ctx context.Context, callerID, entitlementID string) error {
	return f(ctx, callerID, entitlementID)
}

const (
	msgInvalidFormat  = "That does not look like a valid key. Keys have the form xxxxxxxx-xxxx-4xxx-xxxx-xxxxxxxxxxxx."
	msgInvalidOrUsed  = "This key is invalid or has already been used."
	msgNotConfigured  = "Key redemption is not set up for this community."
	msgNoEntitlement  = "No role is bound to key redemption in this community."
	msgGrantFailed    = "The role could not be granted right now. Your key has not been used and is still valid, please try again later."
	msgCooldownFormat = "You can claim again in %d seconds."
)
