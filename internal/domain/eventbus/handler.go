package eventbus

// Logger is the logging contract of the audit handler.
type Logger interface {
	Info(format string, args ...any)
	Debug(format string, args ...any)
}

// RegisterAuditLog subscribes a handler that writes every domain event to
// logger. Handlers run async so logging never delays a broadcast.
func RegisterAuditLog(bus *Bus, logger Logger) error {
	handlers := map[string]interface{}{
		EventConnectionOpened: func(d ConnectionEventData) {
			logger.Info("connection %s opened for account %s (device=%s)", d.ConnectionID, d.AccountID, d.DeviceType)
		},
		EventConnectionClosed: func(d ConnectionEventData) {
			logger.Info("connection %s closed for account %s: %s", d.ConnectionID, d.AccountID, d.Reason)
		},
		EventMessagePublished: func(d MessageEventData) {
			logger.Debug("message %s (%s) published to account %s, delivered=%d", d.MessageID, d.Type, d.AccountID, d.Delivered)
		},
		EventCredentialIssued: func(d CredentialEventData) {
			logger.Info("credential %s issued for account %s (%s)", d.CredentialID, d.AccountID, d.Reason)
		},
		EventCredentialRevoked: func(d CredentialEventData) {
			logger.Info("credential %s revoked for account %s (%s)", d.CredentialID, d.AccountID, d.Reason)
		},
	}
	for topic, fn := range handlers {
		if err := bus.SubscribeAsync(topic, fn); err != nil {
			return err
		}
	}
	return nil
}
