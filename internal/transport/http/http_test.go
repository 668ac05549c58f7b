package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"m-sync-go/internal/domain/account"
	"m-sync-go/internal/domain/auth"
	"m-sync-go/internal/domain/auth/store"
	"m-sync-go/internal/domain/message"
	"m-sync-go/internal/platform/storage"
	platformtesting "m-sync-go/internal/platform/testing"
	"m-sync-go/internal/protocol"
	"m-sync-go/internal/transport/ws"
)

type testAPI struct {
	engine  http.Handler
	manager *auth.Manager
	hub     *ws.Hub
}

func newTestAPI(t *testing.T, publishRate float64, publishBurst int) *testAPI {
	t.Helper()

	cfg := platformtesting.SetupTestConfig(t)
	cfg.Log.Level = "INFO"
	logger := platformtesting.SetupTestLogger(t)
	db := platformtesting.SetupTestDB(t)

	signer, err := auth.NewAuthToken(cfg.Auth.Secret)
	require.NoError(t, err)
	manager, err := auth.NewManager(auth.Options{
		Store:      store.NewMemory(store.Config{}),
		Logger:     logger,
		Token:      signer,
		DefaultTTL: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	hub := ws.NewHub(logger)
	accounts := account.NewService(storage.NewAccountRepository(db), logger, bcrypt.MinCost)
	messages := message.NewService(message.Options{
		Repository:   storage.NewMessageRepository(db),
		Broadcaster:  hub,
		Logger:       logger,
		HistoryLimit: 50,
	})

	router, err := Build(Options{
		Config:         cfg,
		Logger:         logger,
		AuthMiddleware: RequireCredential(manager, logger),
	})
	require.NoError(t, err)

	NewAuthHandler(accounts, manager, logger).RegisterRoutes(router)
	NewTokenHandler(manager, logger).RegisterRoutes(router)
	NewMessageHandler(messages, NewAccountLimiter(publishRate, publishBurst), logger).RegisterRoutes(router)
	NewHealthHandler(hub, "/metrics").RegisterRoutes(router)

	return &testAPI{engine: router.Engine, manager: manager, hub: hub}
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)

	var env testEnvelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (a *testAPI) register(t *testing.T, username string) CredentialResponse {
	t.Helper()
	rec, env := a.do(t, http.MethodPost, "/api/auth/register", "", PasswordRequest{
		Username: username, Password: "correct-horse", DeviceType: "desktop", Label: "laptop",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out CredentialResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestAuth_RegisterAndLogin(t *testing.T) {
	api := newTestAPI(t, 0, 0)

	reg := api.register(t, "Alice")
	assert.NotEmpty(t, reg.Token)
	require.NotNil(t, reg.Account)
	assert.Equal(t, "alice", reg.Account.Username)
	assert.Equal(t, "laptop", reg.TokenInfo.Label)
	assert.ElementsMatch(t, []string{"publish", "read"}, reg.TokenInfo.Capabilities)

	rec, _ := api.do(t, http.MethodPost, "/api/auth/register", "", PasswordRequest{Username: "alice", Password: "another-pass"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/api/auth/register", "", PasswordRequest{Username: "bob", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := api.do(t, http.MethodPost, "/api/auth/login", "", PasswordRequest{Username: "ALICE", Password: "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login CredentialResponse
	require.NoError(t, json.Unmarshal(env.Data, &login))
	assert.NotEqual(t, reg.Token, login.Token)

	rec, _ = api.do(t, http.MethodPost, "/api/auth/login", "", PasswordRequest{Username: "alice", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_ValidateAndRefresh(t *testing.T) {
	api := newTestAPI(t, 0, 0)
	reg := api.register(t, "alice")

	rec, _ := api.do(t, http.MethodGet, "/api/auth/validate", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = api.do(t, http.MethodGet, "/api/auth/validate", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env := api.do(t, http.MethodGet, "/api/auth/validate", reg.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var valid ValidateResponse
	require.NoError(t, json.Unmarshal(env.Data, &valid))
	assert.True(t, valid.Valid)
	assert.Equal(t, reg.TokenInfo.ID, valid.TokenInfo.ID)

	rec, env = api.do(t, http.MethodPost, "/api/auth/refresh", reg.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var refreshed CredentialResponse
	require.NoError(t, json.Unmarshal(env.Data, &refreshed))
	assert.NotEqual(t, reg.TokenInfo.ID, refreshed.TokenInfo.ID)

	rec, env = api.do(t, http.MethodGet, "/api/auth/validate", reg.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "credential revoked", env.Message)

	rec, _ = api.do(t, http.MethodGet, "/api/auth/validate", refreshed.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokens_CreateListRevoke(t *testing.T) {
	api := newTestAPI(t, 0, 0)
	reg := api.register(t, "alice")

	never := int64(0)
	rec, env := api.do(t, http.MethodPost, "/api/tokens", reg.Token, CreateTokenRequest{
		Label: "phone", DeviceType: "mobile", Capabilities: []string{"read"}, TTLSeconds: &never,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created CredentialResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Nil(t, created.TokenInfo.ExpiresAt)
	assert.Equal(t, []string{"read"}, created.TokenInfo.Capabilities)

	// a read-only credential cannot mint a publishing one
	rec, _ = api.do(t, http.MethodPost, "/api/tokens", created.Token, CreateTokenRequest{Capabilities: []string{"publish"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, env = api.do(t, http.MethodGet, "/api/tokens", reg.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list TokenList
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, reg.TokenInfo.ID, list.Current)
	assert.Len(t, list.Tokens, 2)

	rec, _ = api.do(t, http.MethodDelete, "/api/tokens/"+created.TokenInfo.ID, reg.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = api.do(t, http.MethodGet, "/api/auth/validate", created.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = api.do(t, http.MethodDelete, "/api/tokens/does-not-exist", reg.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	other := api.register(t, "bob")
	rec, _ = api.do(t, http.MethodDelete, "/api/tokens/"+reg.TokenInfo.ID, other.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessages_PublishAndHistory(t *testing.T) {
	api := newTestAPI(t, 0, 0)
	reg := api.register(t, "alice")

	for _, content := range []string{"first", "second"} {
		rec, env := api.do(t, http.MethodPost, "/api/messages", reg.Token, PublishRequest{Type: "text", Content: content})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var out PublishResponse
		require.NoError(t, json.Unmarshal(env.Data, &out))
		assert.Equal(t, protocol.MessageText, out.Message.Type)
		assert.Equal(t, 0, out.Delivered)
	}

	rec, _ := api.do(t, http.MethodPost, "/api/messages", reg.Token, PublishRequest{Type: "IMAGE", Content: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = api.do(t, http.MethodPost, "/api/messages", reg.Token, PublishRequest{Type: "URL", Content: "not a url"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = api.do(t, http.MethodPost, "/api/messages", reg.Token, PublishRequest{Type: "TEXT", Content: strings.Repeat("a", 10001)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := api.do(t, http.MethodGet, "/api/messages/latest?limit=1", reg.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history protocol.History
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "second", history.Messages[0].Content)

	rec, _ = api.do(t, http.MethodGet, "/api/messages/latest?limit=abc", reg.Token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessages_CapabilitiesAndRateLimit(t *testing.T) {
	api := newTestAPI(t, 0.001, 1)
	reg := api.register(t, "alice")

	never := int64(0)
	_, env := api.do(t, http.MethodPost, "/api/tokens", reg.Token, CreateTokenRequest{Capabilities: []string{"read"}, TTLSeconds: &never})
	var readOnly CredentialResponse
	require.NoError(t, json.Unmarshal(env.Data, &readOnly))

	rec, _ := api.do(t, http.MethodPost, "/api/messages", readOnly.Token, PublishRequest{Type: "TEXT", Content: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/api/messages", reg.Token, PublishRequest{Type: "TEXT", Content: "one"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec, _ = api.do(t, http.MethodPost, "/api/messages", reg.Token, PublishRequest{Type: "TEXT", Content: "two"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestLoginPage_Flow(t *testing.T) {
	api := newTestAPI(t, 0, 0)
	api.register(t, "alice")

	rec, _ := api.do(t, http.MethodGet, "/auth/login?callback=https://evil.example/cb&state=s1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/auth/login?callback="+url.QueryEscape("http://127.0.0.1:4567/callback")+"&state=s1&label=laptop", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="state" value="s1"`)

	submit := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		api.engine.ServeHTTP(rec, req)
		return rec
	}
	base := url.Values{
		"callback":    {"http://127.0.0.1:4567/callback"},
		"state":       {"s1"},
		"device_type": {"desktop"},
		"username":    {"alice"},
	}

	wrong := url.Values{}
	for k, v := range base {
		wrong[k] = v
	}
	wrong.Set("password", "nope-nope")
	rec = submit(wrong)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid username or password")

	cancel := url.Values{}
	for k, v := range base {
		cancel[k] = v
	}
	cancel.Set("action", "cancel")
	rec = submit(cancel)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "s1", loc.Query().Get("state"))
	assert.NotEmpty(t, loc.Query().Get("error"))

	ok := url.Values{}
	for k, v := range base {
		ok[k] = v
	}
	ok.Set("password", "correct-horse")
	rec = submit(ok)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err = url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4567", loc.Host)
	assert.Equal(t, "s1", loc.Query().Get("state"))
	token := loc.Query().Get("token")
	require.NotEmpty(t, token)
	info, err := protocol.ParseTokenInfo(loc.Query().Get("token_info"))
	require.NoError(t, err)
	assert.Equal(t, "desktop", info.DeviceType)

	cred, err := api.manager.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, info.ID, cred.ID)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, 0, 0)

	rec, env := api.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Zero(t, health.Connections)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metrics := httptest.NewRecorder()
	api.engine.ServeHTTP(metrics, req)
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "msync_active_connections")
}

func TestLoopbackCallback(t *testing.T) {
	for raw, want := range map[string]bool{
		"http://127.0.0.1:5000/cb":  true,
		"http://localhost:5000/cb":  true,
		"http://[::1]:5000/cb":      true,
		"https://127.0.0.1:5000/cb": false,
		"http://example.com/cb":     false,
		"::not a url":               false,
	} {
		_, ok := loopbackCallback(raw)
		assert.Equal(t, want, ok, raw)
	}
}
