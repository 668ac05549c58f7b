package ws

import "errors"

var (
	// ErrHandshakeTimeout indicates the websocket handshake exceeded the configured timeout.
	ErrHandshakeTimeout = errors.New("websocket handshake timed out")
	// ErrSessionShutdown is emitted when the server requests a session shutdown.
	ErrSessionShutdown = errors.New("websocket session shutdown")
	// ErrMissingCredential is returned by VerifyUpgrade when the request carries no credential.
	ErrMissingCredential = errors.New("missing credential")
	// ErrLivenessTimeout closes connections that did not answer the previous liveness ping.
	ErrLivenessTimeout = errors.New("liveness timeout")
	// ErrCredentialRevoked closes connections whose credential was revoked.
	ErrCredentialRevoked = errors.New("credential revoked")
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)
