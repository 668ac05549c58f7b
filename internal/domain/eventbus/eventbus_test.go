package eventbus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SyncDelivery(t *testing.T) {
	bus := New()
	var got []string
	require.NoError(t, bus.Subscribe(EventCredentialRevoked, func(d CredentialEventData) {
		got = append(got, d.CredentialID)
	}))

	bus.Publish(EventCredentialRevoked, CredentialEventData{CredentialID: "c-1"})
	bus.Publish(EventCredentialRevoked, CredentialEventData{CredentialID: "c-2"})

	assert.Equal(t, []string{"c-1", "c-2"}, got)
	assert.True(t, bus.HasSubscribers(EventCredentialRevoked))
	assert.False(t, bus.HasSubscribers(EventMessagePublished))
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) Info(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *recordingLogger) Debug(format string, args ...any) { r.Info(format, args...) }

func TestRegisterAuditLog(t *testing.T) {
	bus := New()
	logger := &recordingLogger{}
	require.NoError(t, RegisterAuditLog(bus, logger))

	bus.Publish(EventConnectionOpened, ConnectionEventData{ConnectionID: "conn-1", AccountID: "acct", DeviceType: "desktop"})
	bus.Publish(EventMessagePublished, MessageEventData{MessageID: "m-1", Type: "TEXT", AccountID: "acct", Delivered: 2})
	bus.WaitAsync()

	logger.mu.Lock()
	defer logger.mu.Unlock()
	assert.Len(t, logger.lines, 2)
	assert.Contains(t, logger.lines, "connection conn-1 opened for account acct (device=desktop)")
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NotPanics(t, func() { p.Publish(EventMessagePublished, MessageEventData{}) })
}
