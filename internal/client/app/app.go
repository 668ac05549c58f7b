// Package app wires the client: credential lifecycle, connection machine,
// message handler and the queued clipboard.
package app

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"m-sync-go/internal/client/accessqueue"
	"m-sync-go/internal/client/api"
	"m-sync-go/internal/client/clipboard"
	"m-sync-go/internal/client/connection"
	"m-sync-go/internal/client/credential"
	"m-sync-go/internal/client/handler"
	"m-sync-go/internal/platform/config"
	platformerrors "m-sync-go/internal/platform/errors"
	"m-sync-go/internal/platform/logging"
	"m-sync-go/internal/protocol"
)

// Options carries the client's collaborators. Nil fields get the
// production implementation.
type Options struct {
	Config *config.Config
	Logger *logging.Logger
	// Prompt receives the login URL when no browser is opened.
	Prompt    io.Writer
	Clipboard clipboard.Resource
	Dialer    connection.Dialer
	Login     credential.Authenticator
	OpenURL   func(string) error
}

// App is one client instance.
type App struct {
	cfg     config.ClientConfig
	log     *logging.Tagged
	api     *api.Client
	creds   *credential.Manager
	clip    *clipboard.Guarded
	handler *handler.Handler
	machine *connection.Machine

	runCtx context.Context
}

// New builds the client from configuration.
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, platformerrors.New(platformerrors.KindClient, "app.new", "configuration is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	cfg := opts.Config.Client
	a := &App{
		cfg:    cfg,
		log:    opts.Logger.WithTag(logging.TagClient),
		api:    api.New(cfg.ServerURL, cfg.RequestTimeout),
		runCtx: context.Background(),
	}

	store, err := credential.NewFileStore(cfg.CredentialFile)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindClient, "app.new", "credential store", err)
	}
	login := opts.Login
	if login == nil {
		flow, err := credential.NewInteractiveFlow(credential.FlowOptions{
			ServerURL:   cfg.ServerURL,
			DeviceType:  cfg.DeviceType,
			Label:       cfg.Label,
			Timeout:     cfg.LoginTimeout,
			OpenBrowser: cfg.OpenBrowser,
			Open:        opts.OpenURL,
			Prompt:      opts.Prompt,
			Logger:      opts.Logger.WithTag(logging.TagAuth),
		})
		if err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindClient, "app.new", "login flow", err)
		}
		login = flow
	}
	a.creds, err = credential.NewManager(credential.ManagerOptions{
		Store:         store,
		Validator:     a.api,
		Login:         login,
		Logger:        opts.Logger.WithTag(logging.TagAuth),
		CheckInterval: cfg.RefreshCheckInterval,
		Lookahead:     cfg.RefreshLookahead,
	})
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindClient, "app.new", "credential manager", err)
	}

	a.clip = clipboard.NewGuarded(opts.Clipboard, accessqueue.Options{
		Timeout:    cfg.Queue.Timeout,
		MaxRetries: cfg.Queue.MaxRetries,
		BaseDelay:  cfg.Queue.BaseDelay,
		Logger:     opts.Logger.WithTag(logging.TagQueue),
	})
	a.handler, err = handler.New(handler.Options{
		Clipboard: a.clip,
		OpenURLs:  cfg.OpenURLs,
		Open:      opts.OpenURL,
		Logger:    a.log,
	})
	if err != nil {
		a.clip.Close()
		return nil, platformerrors.Wrap(platformerrors.KindClient, "app.new", "message handler", err)
	}

	wsURL, err := cfg.WebSocketEndpoint()
	if err != nil {
		a.clip.Close()
		return nil, platformerrors.Wrap(platformerrors.KindConfig, "app.new", "websocket endpoint", err)
	}
	a.machine, err = connection.New(a.creds, connection.Options{
		URL:               wsURL,
		TokenInQuery:      cfg.TokenInQuery,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BaseDelay:         cfg.ReconnectBaseDelay,
		MaxAttempts:       cfg.MaxReconnectAttempts,
		RequestTimeout:    cfg.RequestTimeout,
		Dialer:            opts.Dialer,
		Observer:          observer{app: a},
		Logger:            opts.Logger.WithTag(logging.TagWS),
	})
	if err != nil {
		a.clip.Close()
		return nil, platformerrors.Wrap(platformerrors.KindClient, "app.new", "connection machine", err)
	}

	a.creds.OnRefresh(a.reauthenticate)
	return a, nil
}

// Run keeps the client connected until ctx is done or the connection
// machine gives up. It closes the clipboard queue on return.
func (a *App) Run(ctx context.Context) error {
	defer a.clip.Close()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()
	a.runCtx = runCtx

	a.log.Info("connecting to %s", a.cfg.ServerURL)
	g.Go(func() error {
		return a.creds.Run(runCtx)
	})
	g.Go(func() error {
		defer stop()
		return a.machine.Run(runCtx)
	})

	err := g.Wait()
	if n := a.clip.Clear(); n > 0 {
		a.log.Warn("dropped %d clipboard actions on shutdown", n)
	}
	if err != nil {
		a.log.Error("client stopped: %v", err)
		return err
	}
	a.log.Info("client stopped")
	return nil
}

// Login forces the interactive flow and stores the new credential.
func (a *App) Login(ctx context.Context) (protocol.TokenInfo, error) {
	cred, err := a.creds.Login(ctx)
	if err != nil {
		return protocol.TokenInfo{}, err
	}
	return cred.Info, nil
}

// Logout deletes the stored credential.
func (a *App) Logout() error {
	return a.creds.Logout()
}

// Publish sends a message to every connected device of the account. A
// rejected credential is refreshed once before giving up.
func (a *App) Publish(ctx context.Context, typ protocol.MessageType, content string) (protocol.Message, int, error) {
	msg := protocol.Message{Type: typ, Content: content, CreatedAt: time.Now()}
	if err := msg.Validate(0); err != nil {
		return protocol.Message{}, 0, err
	}

	var (
		out       protocol.Message
		delivered int
	)
	err := a.withCredential(ctx, func(token string) error {
		var err error
		out, delivered, err = a.api.Publish(ctx, token, typ, content)
		return err
	})
	return out, delivered, err
}

// History returns up to limit recent messages, newest first.
func (a *App) History(ctx context.Context, limit int) ([]protocol.Message, error) {
	var out []protocol.Message
	err := a.withCredential(ctx, func(token string) error {
		var err error
		out, err = a.api.Latest(ctx, token, limit)
		return err
	})
	return out, err
}

// Close releases the clipboard queue of an App that never ran.
func (a *App) Close() {
	a.clip.Close()
}

func (a *App) withCredential(ctx context.Context, call func(token string) error) error {
	token, err := a.creds.Credential(ctx)
	if err != nil {
		return err
	}
	err = call(token)
	if !errors.Is(err, platformerrors.ErrAuthRejected) {
		return err
	}
	a.log.Warn("credential rejected, refreshing: %v", err)
	if token, err = a.creds.ForceRefresh(ctx); err != nil {
		return err
	}
	return call(token)
}

// reauthenticate moves a live session onto a refreshed credential. A
// session that is not up picks the credential on its next connect.
func (a *App) reauthenticate(ctx context.Context, cred api.Credential) {
	if a.machine.State() != connection.StateAuthenticated {
		return
	}
	info, err := a.machine.Reauthenticate(ctx, cred.Token)
	if err != nil {
		a.log.Warn("in-place re-authentication failed: %v", err)
		return
	}
	a.log.Info("session moved to credential %s", info.ID)
}

type observer struct {
	app *App
}

func (o observer) Connected(id protocol.Established) {
	o.app.log.Info("connected: account %s, credential %s, capabilities %v", id.AccountID, id.CredentialID, id.Capabilities)
}

func (o observer) Disconnected(err error) {
	o.app.log.Warn("disconnected: %v", err)
}

func (o observer) Reconnecting(attempt int, delay time.Duration) {
	o.app.log.Info("reconnecting in %s (attempt %d)", delay, attempt)
}

func (o observer) GaveUp(err error) {
	o.app.log.Error("giving up on the broker: %v", err)
}

func (o observer) Message(frame protocol.Frame) {
	o.app.handler.Handle(o.app.runCtx, frame)
}
