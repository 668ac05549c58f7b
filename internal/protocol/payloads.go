package protocol

import "time"

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Reason string `json:"reason"`
}

// Established is sent once the broker has accepted a connection.
type Established struct {
	ConnectionID string    `json:"connection_id"`
	AccountID    string    `json:"account_id"`
	Username     string    `json:"username,omitempty"`
	CredentialID string    `json:"credential_id"`
	DeviceType   string    `json:"device_type,omitempty"`
	Capabilities []string  `json:"capabilities"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// HistoryRequest asks for the latest messages of the account.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// History answers a HistoryRequest, newest first.
type History struct {
	Messages []Message `json:"messages"`
}

// ReauthenticateRequest swaps the credential of a live connection.
type ReauthenticateRequest struct {
	Token string `json:"token"`
}

// Reauthenticated confirms an in-place credential swap.
type Reauthenticated struct {
	TokenInfo TokenInfo `json:"token_info"`
}

// TokenInfo is the public metadata of a credential.
type TokenInfo struct {
	ID           string     `json:"id"`
	AccountID    string     `json:"account_id"`
	Username     string     `json:"username,omitempty"`
	Label        string     `json:"label,omitempty"`
	DeviceType   string     `json:"device_type,omitempty"`
	Capabilities []string   `json:"capabilities"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// ExpiredAt reports whether the credential is past its expiry at now.
// Credentials without expiry never expire.
func (t TokenInfo) ExpiredAt(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// ExpiresWithin reports whether the credential expires within d of now.
func (t TokenInfo) ExpiresWithin(now time.Time, d time.Duration) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Sub(now) < d
}

// HasCapability reports whether the credential grants capability.
func (t TokenInfo) HasCapability(capability string) bool {
	for _, c := range t.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// EncodeTokenInfo serialises token info for a query parameter.
func EncodeTokenInfo(t TokenInfo) (string, error) {
	raw, err := codec.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParseTokenInfo is the inverse of EncodeTokenInfo.
func ParseTokenInfo(s string) (TokenInfo, error) {
	var t TokenInfo
	if err := codec.UnmarshalFromString(s, &t); err != nil {
		return TokenInfo{}, err
	}
	return t, nil
}
