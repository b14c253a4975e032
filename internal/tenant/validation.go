package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrInvalidTemplate     = errors.New("invalid message template")
	ErrReservedCommand     = errors.New("command alias is reserved")
	ErrInvalidCommand      = errors.New("invalid command alias")
	ErrInvalidCooldown     = errors.New("cooldown out of range")
	ErrEntitlementRequired = errors.New("entitlement id is required")
	ErrInvalidTenantID     = errors.New("invalid tenant id")
)

// Template placeholders
const (
	PlaceholderUser = "{user}"
	PlaceholderRole = "{role}"
)

// DefaultCommandAlias is used when a tenant is configured without an alias.
const DefaultCommandAlias = "claim"

// DefaultTemplates are the success messages of a freshly configured tenant.
var DefaultTemplates = []string{
	"✨ {user} has unlocked the {role} role!",
	"🔑 {user} turned the key and joined {role}.",
	"🏰 The gates open: {user} is now {role}.",
	"📜 {user} read the ancient words and became {role}.",
}

// ReservedCommands cannot be used as a claim command alias.
var ReservedCommands = []string{
	"sync", "setup", "addkey", "addkeys", "removekey", "removekeys",
	"clearkeys", "keys", "grimoire", "metrics",
}

var (
	commandAliasPattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)
	tenantIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
)

// ValidateTenantID checks that id is usable as a storage key and file name.
func ValidateTenantID(id string) error {
	if !tenantIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, id)
	}
	return nil
}

// NormalizeCommandAlias lowercases and trims raw, falling back to the default alias.
func NormalizeCommandAlias(raw string) string {
	alias := strings.ToLower(strings.TrimSpace(raw))
	if alias == "" {
		return DefaultCommandAlias
	}
	return alias
}

// ValidateCommandAlias rejects malformed and reserved aliases.
func ValidateCommandAlias(alias string) error {
	if !commandAliasPattern.MatchString(alias) {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, alias)
	}
	if slices.Contains(ReservedCommands, alias) {
		return fmt.Errorf("%w: %q", ErrReservedCommand, alias)
	}
	return nil
}

// MaxCooldownSeconds is the longest accepted cooldown, one year.
const MaxCooldownSeconds = 365 * 24 * 60 * 60

// ValidateCooldown rejects cooldowns outside [0, MaxCooldownSeconds].
func ValidateCooldown(seconds int) error {
	if seconds < 0 || seconds > MaxCooldownSeconds {
		return fmt.Errorf("%w: %d seconds, must be within [0, %d]", ErrInvalidCooldown, seconds, MaxCooldownSeconds)
	}
	return nil
}

// ValidateTemplates requires a non-empty list where every template names
// both the claimant and the entitlement.
func ValidateTemplates(tpls []string) error {
	if len(tpls) == 0 {
		return fmt.Errorf("%w: at least one template is required", ErrInvalidTemplate)
	}
	for i, tpl := range tpls {
		if !strings.Contains(tpl, PlaceholderUser) || !strings.Contains(tpl, PlaceholderRole) {
			return fmt.Errorf("%w: template %d must contain %s and %s",
				ErrInvalidTemplate, i, PlaceholderUser, PlaceholderRole)
		}
	}
	return nil
}
