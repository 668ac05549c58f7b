package model

import (
	"time"

	"m-sync-go/internal/protocol"
)

// Capability is a permission granted by a credential.
type Capability string

const (
	CapabilityPublish Capability = "publish"
	CapabilityRead    Capability = "read"
)

// DefaultCapabilities is granted when a request names none.
var DefaultCapabilities = []Capability{CapabilityPublish, CapabilityRead}

// ParseCapabilities keeps the known capabilities of names, deduplicated.
func ParseCapabilities(names []string) []Capability {
	seen := make(map[Capability]bool, len(names))
	out := make([]Capability, 0, len(names))
	for _, n := range names {
		c := Capability(n)
		if (c != CapabilityPublish && c != CapabilityRead) || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Credential is the broker-side record of an issued bearer credential.
// Records are superseded on refresh, never edited in place, apart from the
// revocation mark.
type Credential struct {
	ID           string       `json:"id"`
	AccountID    string       `json:"account_id"`
	Username     string       `json:"username,omitempty"`
	Label        string       `json:"label,omitempty"`
	DeviceType   string       `json:"device_type,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	IssuedAt     time.Time    `json:"issued_at"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	RevokedAt    *time.Time   `json:"revoked_at,omitempty"`
	SupersededBy string       `json:"superseded_by,omitempty"`
}

// Expired reports whether the credential is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Revoked reports whether the credential was revoked.
func (c Credential) Revoked() bool {
	return c.RevokedAt != nil
}

// Active reports whether the credential may still be used at now.
func (c Credential) Active(now time.Time) bool {
	return !c.Revoked() && !c.Expired(now)
}

// Has reports whether the credential grants capability.
func (c Credential) Has(capability Capability) bool {
	for _, granted := range c.Capabilities {
		if granted == capability {
			return true
		}
	}
	return false
}

// Info converts the record to its public wire form.
func (c Credential) Info() protocol.TokenInfo {
	caps := make([]string, len(c.Capabilities))
	for i, capability := range c.Capabilities {
		caps[i] = string(capability)
	}
	return protocol.TokenInfo{
		ID:           c.ID,
		AccountID:    c.AccountID,
		Username:     c.Username,
		Label:        c.Label,
		DeviceType:   c.DeviceType,
		Capabilities: caps,
		IssuedAt:     c.IssuedAt,
		ExpiresAt:    c.ExpiresAt,
	}
}

// Logger provides the minimal logging contract required by the auth domain.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}
