package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m-sync-go/internal/client/api"
	"m-sync-go/internal/client/connection"
	"m-sync-go/internal/client/credential"
	"m-sync-go/internal/platform/config"
	"m-sync-go/internal/protocol"
)

type memoryClipboard struct {
	mu     sync.Mutex
	writes []string
}

func (c *memoryClipboard) Write(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, text)
	return nil
}

func (c *memoryClipboard) Read() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return "", nil
	}
	return c.writes[len(c.writes)-1], nil
}

func (c *memoryClipboard) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

type noLogin struct{}

func (noLogin) Run(context.Context) (api.Credential, error) {
	return api.Credential{}, errors.New("interactive login not expected")
}

// fakeBroker answers the client's HTTP calls and serves one websocket
// session per connect.
type fakeBroker struct {
	server      *httptest.Server
	upgrades    atomic.Int32
	wsBearer    atomic.Value
	reauthToken atomic.Value
	publishes   atomic.Int32
}

func tokenInfo(id string, expires time.Time) protocol.TokenInfo {
	return protocol.TokenInfo{ID: id, AccountID: "acct-1", Username: "alice", Capabilities: []string{"read", "publish"}, ExpiresAt: &expires}
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": status < 300, "data": data, "code": status})
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func newFakeBroker(t *testing.T) *fakeBroker {
	b := &fakeBroker{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/validate", func(w http.ResponseWriter, r *http.Request) {
		switch bearer(r) {
		case "old":
			writeEnvelope(w, http.StatusOK, map[string]any{"valid": true, "token_info": tokenInfo("cred-old", time.Now().Add(10*time.Minute))})
		case "new":
			writeEnvelope(w, http.StatusOK, map[string]any{"valid": true, "token_info": tokenInfo("cred-new", time.Now().Add(24*time.Hour))})
		default:
			writeEnvelope(w, http.StatusUnauthorized, nil)
		}
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) != "old" {
			writeEnvelope(w, http.StatusUnauthorized, nil)
			return
		}
		writeEnvelope(w, http.StatusOK, api.Credential{Token: "new", Info: tokenInfo("cred-new", time.Now().Add(24*time.Hour))})
	})
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		b.publishes.Add(1)
		if bearer(r) != "new" {
			writeEnvelope(w, http.StatusUnauthorized, nil)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeEnvelope(w, http.StatusCreated, map[string]any{
			"message":   protocol.Message{ID: "m-1", Type: protocol.MessageType(body["type"]), Content: body["content"]},
			"delivered": 3,
		})
	})
	mux.HandleFunc("/ws", b.serveWS)
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBroker) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	b.upgrades.Add(1)
	b.wsBearer.Store(bearer(r))

	send := func(f protocol.Frame) error {
		raw, err := protocol.Encode(f)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, raw)
	}
	if err := send(protocol.MustFrame(protocol.TypeConnectionEstablished, "", protocol.Established{
		ConnectionID: "conn-1", AccountID: "acct-1", CredentialID: "cred-" + bearer(r),
	})); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch frame.Type {
		case protocol.TypePing:
			_ = send(protocol.Frame{Type: protocol.TypePong})
		case protocol.TypeReauthenticate:
			var req protocol.ReauthenticateRequest
			_ = frame.Bind(&req)
			b.reauthToken.Store(req.Token)
			_ = send(protocol.MustFrame(protocol.TypeReauthenticated, frame.ID, protocol.Reauthenticated{
				TokenInfo: tokenInfo("cred-"+req.Token, time.Now().Add(24*time.Hour)),
			}))
			_ = send(protocol.MustFrame(protocol.TypeMessage, "", protocol.Message{
				ID: "m-1", Type: protocol.MessageText, Content: "hello", CreatedAt: time.Now(),
			}))
		}
	}
}

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Client.ServerURL = serverURL
	cfg.Client.CredentialFile = filepath.Join(t.TempDir(), "credential.json")
	cfg.Client.RefreshCheckInterval = time.Hour
	cfg.Client.RequestTimeout = 2 * time.Second
	cfg.Client.OpenBrowser = false
	return cfg
}

func storeCredential(t *testing.T, path string, cred api.Credential) {
	t.Helper()
	store, err := credential.NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(cred))
}

func TestApp_ProactiveRefreshReauthenticatesInPlace(t *testing.T) {
	broker := newFakeBroker(t)
	cfg := testConfig(t, broker.server.URL)
	storeCredential(t, cfg.Client.CredentialFile, api.Credential{
		Token: "old",
		Info:  tokenInfo("cred-old", time.Now().Add(10*time.Minute)),
	})

	clip := &memoryClipboard{}
	a, err := New(Options{Config: cfg, Clipboard: clip, Login: noLogin{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.machine.State() == connection.StateAuthenticated
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "old", broker.wsBearer.Load())

	replaced, err := a.creds.CheckRefresh(ctx)
	require.NoError(t, err)
	assert.True(t, replaced)

	require.Eventually(t, func() bool {
		return len(clip.snapshot()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello"}, clip.snapshot())
	assert.Equal(t, "new", broker.reauthToken.Load())
	assert.Equal(t, int32(1), broker.upgrades.Load())
	assert.Equal(t, connection.StateAuthenticated, a.machine.State())

	store, err := credential.NewFileStore(cfg.Client.CredentialFile)
	require.NoError(t, err)
	stored, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", stored.Token)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestApp_PublishRefreshesRejectedCredential(t *testing.T) {
	broker := newFakeBroker(t)
	cfg := testConfig(t, broker.server.URL)
	storeCredential(t, cfg.Client.CredentialFile, api.Credential{
		Token: "old",
		Info:  tokenInfo("cred-old", time.Now().Add(time.Hour)),
	})

	a, err := New(Options{Config: cfg, Clipboard: &memoryClipboard{}, Login: noLogin{}})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	msg, delivered, err := a.Publish(context.Background(), protocol.MessageURL, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, "https://example.com", msg.Content)
	assert.Equal(t, int32(2), broker.publishes.Load())

	_, _, err = a.Publish(context.Background(), protocol.MessageURL, "not a url")
	assert.Error(t, err)
	assert.Equal(t, int32(2), broker.publishes.Load())
}

func TestApp_LoginFailureStopsRun(t *testing.T) {
	broker := newFakeBroker(t)
	cfg := testConfig(t, broker.server.URL)

	a, err := New(Options{Config: cfg, Clipboard: &memoryClipboard{}, Login: noLogin{}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = a.Run(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "interactive login not expected")
	assert.Zero(t, broker.upgrades.Load())
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
