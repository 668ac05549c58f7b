package protocol

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	platformerrors "m-sync-go/internal/platform/errors"
)

// MessageType enumerates what a message carries.
type MessageType string

const (
	MessageText MessageType = "TEXT"
	MessageURL  MessageType = "URL"
	MessageCode MessageType = "CODE"
)

// DefaultMaxContentBytes bounds message content when no limit is configured.
const DefaultMaxContentBytes = 10000

// ParseMessageType accepts the type case-insensitively.
func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(strings.ToUpper(strings.TrimSpace(s))); t {
	case MessageText, MessageURL, MessageCode:
		return t, nil
	default:
		return "", platformerrors.Mark(platformerrors.ErrValidationRejected,
			fmt.Errorf("unsupported message type %q", s))
	}
}

// Message is the payload of a message frame. Immutable once published.
type Message struct {
	ID           string      `json:"id"`
	Type         MessageType `json:"type"`
	Content      string      `json:"content"`
	CreatedAt    time.Time   `json:"created_at"`
	CredentialID string      `json:"credential_id,omitempty"`
}

// Validate checks type, content presence, encoding and size. maxBytes <= 0
// uses DefaultMaxContentBytes. Failures match ErrValidationRejected.
func (m Message) Validate(maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxContentBytes
	}
	if _, err := ParseMessageType(string(m.Type)); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(m.Content) == "":
		return platformerrors.Mark(platformerrors.ErrValidationRejected, fmt.Errorf("empty content"))
	case len(m.Content) > maxBytes:
		return platformerrors.Mark(platformerrors.ErrValidationRejected,
			fmt.Errorf("content is %d bytes, limit %d", len(m.Content), maxBytes))
	case !utf8.ValidString(m.Content):
		return platformerrors.Mark(platformerrors.ErrValidationRejected, fmt.Errorf("content is not valid UTF-8"))
	}
	if m.Type == MessageURL && !looksLikeURL(m.Content) {
		return platformerrors.Mark(platformerrors.ErrValidationRejected,
			fmt.Errorf("URL message does not carry an http(s) URL"))
	}
	return nil
}

func looksLikeURL(s string) bool {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, " \n\t") {
		return false
	}
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
