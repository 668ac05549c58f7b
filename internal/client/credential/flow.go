package credential

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"

	"m-sync-go/internal/client/api"
	"m-sync-go/internal/protocol"
)

const (
	defaultLoginTimeout = 10 * time.Minute
	stateBytes          = 32
	callbackPath        = "/callback"
)

var (
	// ErrLoginRejected ends a flow whose callback carried a wrong state, an
	// error or no credential.
	ErrLoginRejected = errors.New("interactive login rejected")
	// ErrLoginTimeout ends a flow whose callback never arrived.
	ErrLoginTimeout = errors.New("interactive login timed out")
)

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>M-Sync login</title></head>
<body style="font-family: sans-serif; max-width: 28rem; margin: 4rem auto;">
<h1>{{if .OK}}Signed in{{else}}Login failed{{end}}</h1>
<p>{{.Text}}</p>
<p>You can close this window.</p>
</body>
</html>`))

// FlowOptions configures an InteractiveFlow.
type FlowOptions struct {
	ServerURL  string
	DeviceType string
	Label      string
	// Timeout bounds the wait for the callback. Defaults to 10 minutes.
	Timeout time.Duration
	// OpenBrowser launches the login page; otherwise the URL is printed.
	OpenBrowser bool
	// Open overrides how the login URL is launched.
	Open func(loginURL string) error
	// Prompt receives the login URL. Defaults to os.Stderr.
	Prompt io.Writer
	Logger Logger
}

// InteractiveFlow obtains a credential through the broker's browser login
// page and a one-shot callback listener on the loopback interface.
type InteractiveFlow struct {
	opts FlowOptions
}

// NewInteractiveFlow creates a flow against the broker at opts.ServerURL.
func NewInteractiveFlow(opts FlowOptions) (*InteractiveFlow, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("interactive login requires a server URL")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultLoginTimeout
	}
	if opts.Open == nil {
		opts.Open = browser.OpenURL
	}
	if opts.Prompt == nil {
		opts.Prompt = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	return &InteractiveFlow{opts: opts}, nil
}

type callbackResult struct {
	cred api.Credential
	err  error
}

// Run performs one login. The callback listener is closed before Run
// returns, whatever the outcome.
func (f *InteractiveFlow) Run(ctx context.Context) (api.Credential, error) {
	state, err := newState()
	if err != nil {
		return api.Credential{}, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return api.Credential{}, fmt.Errorf("open callback listener: %w", err)
	}
	callbackURL := "http://" + listener.Addr().String() + callbackPath

	results := make(chan callbackResult, 1)
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handled := false
		once.Do(func() {
			handled = true
			res := checkCallback(r.URL.Query(), state)
			writeCallbackPage(w, res.err)
			results <- res
		})
		if !handled {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusGone)
			writeCallbackPage(w, errors.New("this login link has already been used"))
		}
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		_ = server.Serve(listener)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
		}
	}()

	loginURL := f.loginURL(callbackURL, state)
	if f.opts.OpenBrowser {
		if err := f.opts.Open(loginURL); err != nil {
			f.opts.Logger.Warn("could not open browser: %v", err)
			fmt.Fprintf(f.opts.Prompt, "Open this URL to log in:\n  %s\n", loginURL)
		}
	} else {
		fmt.Fprintf(f.opts.Prompt, "Open this URL to log in:\n  %s\n", loginURL)
	}
	f.opts.Logger.Info("waiting up to %s for login callback on %s", f.opts.Timeout, callbackURL)

	timer := time.NewTimer(f.opts.Timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		return res.cred, res.err
	case <-timer.C:
		return api.Credential{}, fmt.Errorf("%w after %s", ErrLoginTimeout, f.opts.Timeout)
	case <-ctx.Done():
		return api.Credential{}, ctx.Err()
	}
}

func (f *InteractiveFlow) loginURL(callbackURL, state string) string {
	query := url.Values{}
	query.Set("callback", callbackURL)
	query.Set("state", state)
	if f.opts.DeviceType != "" {
		query.Set("device_type", f.opts.DeviceType)
	}
	if f.opts.Label != "" {
		query.Set("label", f.opts.Label)
	}
	return strings.TrimRight(f.opts.ServerURL, "/") + "/auth/login?" + query.Encode()
}

func checkCallback(query url.Values, state string) callbackResult {
	got := query.Get("state")
	if subtle.ConstantTimeCompare([]byte(got), []byte(state)) != 1 {
		return callbackResult{err: fmt.Errorf("%w: state mismatch", ErrLoginRejected)}
	}
	if reason := query.Get("error"); reason != "" {
		return callbackResult{err: fmt.Errorf("%w: %s", ErrLoginRejected, reason)}
	}
	token := query.Get("token")
	if token == "" {
		return callbackResult{err: fmt.Errorf("%w: callback carried no credential", ErrLoginRejected)}
	}
	info, err := protocol.ParseTokenInfo(query.Get("token_info"))
	if err != nil {
		return callbackResult{err: fmt.Errorf("%w: invalid token_info: %v", ErrLoginRejected, err)}
	}
	return callbackResult{cred: api.Credential{Token: token, Info: info}}
}

func writeCallbackPage(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		OK   bool
		Text string
	}{OK: err == nil, Text: "Your device is now signed in to M-Sync."}
	if err != nil {
		data.Text = err.Error()
	}
	_ = callbackPage.Execute(w, data)
}

func newState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate login state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
