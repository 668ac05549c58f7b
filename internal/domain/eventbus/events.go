package eventbus

import "time"

const (
	EventConnectionOpened = "connection:opened"
	EventConnectionClosed = "connection:closed"

	EventMessagePublished = "message:published"

	EventCredentialIssued  = "credential:issued"
	EventCredentialRevoked = "credential:revoked"
)

type ConnectionEventData struct {
	ConnectionID string    `json:"connection_id"`
	AccountID    string    `json:"account_id"`
	CredentialID string    `json:"credential_id"`
	DeviceType   string    `json:"device_type,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

type MessageEventData struct {
	AccountID    string    `json:"account_id"`
	MessageID    string    `json:"message_id"`
	Type         string    `json:"type"`
	CredentialID string    `json:"credential_id,omitempty"`
	Delivered    int       `json:"delivered"`
	At           time.Time `json:"at"`
}

type CredentialEventData struct {
	AccountID    string    `json:"account_id"`
	CredentialID string    `json:"credential_id"`
	// Reason is "login", "register", "create", "refresh" or "revoke".
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
