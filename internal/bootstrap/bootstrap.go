package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"m-sync-go/internal/domain/account"
	domainauth "m-sync-go/internal/domain/auth"
	authstore "m-sync-go/internal/domain/auth/store"
	"m-sync-go/internal/domain/eventbus"
	"m-sync-go/internal/domain/message"
	platformconfig "m-sync-go/internal/platform/config"
	platformerrors "m-sync-go/internal/platform/errors"
	platformlogging "m-sync-go/internal/platform/logging"
	platformobservability "m-sync-go/internal/platform/observability"
	platformstorage "m-sync-go/internal/platform/storage"
	httptransport "m-sync-go/internal/transport/http"
	"m-sync-go/internal/transport/ws"
)

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      platformerrors.Kind
	Execute   stepFn
}

type appState struct {
	configPath            string
	config                *platformconfig.Config
	logger                *platformlogging.Logger
	observabilityShutdown platformobservability.ShutdownFunc
	db                    *gorm.DB
	bus                   *eventbus.Bus
	authManager           *domainauth.Manager
	accounts              *account.Service
	messages              *message.Service
	hub                   *ws.Hub
	wsServer              *ws.Server
	router                *httptransport.Router
}

// Run loads configuration from configPath (empty uses MSYNC_CONFIG or
// .config.yaml), starts the broker and blocks until ctx is cancelled or a
// termination signal arrives.
func Run(ctx context.Context, configPath string) error {
	state := &appState{configPath: configPath}

	steps := InitGraph()
	if err := executeInitSteps(ctx, steps, state); err != nil {
		state.close()
		return err
	}
	defer state.close()

	logBootstrapGraph(steps, state.logger)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	startServices(state, group, groupCtx)

	return waitForShutdown(groupCtx, state, group)
}

func logBootstrapGraph(steps []initStep, logger *platformlogging.Logger) {
	if logger == nil {
		return
	}
	logger.InfoTag(platformlogging.TagBoot, "init graph")
	for _, step := range steps {
		if len(step.DependsOn) == 0 {
			logger.InfoTag(platformlogging.TagBoot, "  %s: %s", step.ID, step.Title)
			continue
		}
		logger.InfoTag(platformlogging.TagBoot, "  %s: %s (after %s)", step.ID, step.Title, strings.Join(step.DependsOn, ", "))
	}
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"execute init steps",
			"nil bootstrap state",
		)
	}

	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return platformerrors.New(
					platformerrors.KindBootstrap,
					step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep),
				)
			}
		}
		if step.Execute == nil {
			return platformerrors.New(
				platformerrors.KindBootstrap,
				step.ID,
				"missing execute function",
			)
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *platformerrors.Error
			if errors.As(err, &typed) {
				return err
			}

			kind := step.Kind
			if kind == "" {
				kind = platformerrors.KindBootstrap
			}
			return platformerrors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

// InitGraph lists the broker's initialisation steps in execution order.
func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init-provider",
			Title:     "Initialise logging provider",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initLoggingStep,
		},
		{
			ID:        "observability:setup-hooks",
			Title:     "Setup observability hooks",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   setupObservabilityStep,
		},
		{
			ID:        "storage:init-database",
			Title:     "Initialise database",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindStorage,
			Execute:   initDatabaseStep,
		},
		{
			ID:        "eventbus:init",
			Title:     "Initialise event bus",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initEventBusStep,
		},
		{
			ID:        "auth:init-manager",
			Title:     "Initialise auth manager",
			DependsOn: []string{"observability:setup-hooks", "storage:init-database", "eventbus:init"},
			Kind:      platformerrors.KindAuth,
			Execute:   initAuthStep,
		},
		{
			ID:        "domain:init-services",
			Title:     "Initialise account and message services",
			DependsOn: []string{"storage:init-database", "eventbus:init"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initServicesStep,
		},
		{
			ID:        "ws:init-server",
			Title:     "Initialise websocket transport",
			DependsOn: []string{"auth:init-manager", "domain:init-services"},
			Kind:      platformerrors.KindTransport,
			Execute:   initWebSocketStep,
		},
		{
			ID:        "http:init-router",
			Title:     "Initialise HTTP router",
			DependsOn: []string{"ws:init-server"},
			Kind:      platformerrors.KindTransport,
			Execute:   initHTTPRouterStep,
		},
	}
}

func loadConfigStep(_ context.Context, state *appState) error {
	loader := platformconfig.NewLoader()
	if state.configPath != "" {
		loader = loader.WithPath(state.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	state.config = cfg
	state.configPath = loader.Path()
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	if state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"logging:init-provider",
			"config not loaded",
		)
	}

	logger, err := platformlogging.New(platformlogging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "logging:init-provider", "failed to initialize logging provider", err)
	}
	state.logger = logger

	logger.InfoTag(platformlogging.TagBoot, "logging ready [%s] config=%s", state.config.Log.Level, state.configPath)
	return nil
}

func setupObservabilityStep(ctx context.Context, state *appState) error {
	if state.logger == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"observability:setup-hooks",
			"config/logger not initialised",
		)
	}

	cfg := platformobservability.Config{Enabled: state.config.Observability.Enabled}
	shutdown, err := platformobservability.Setup(ctx, cfg, state.logger.Slog())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "observability:setup-hooks", "failed to setup observability hooks", err)
	}
	state.observabilityShutdown = shutdown
	return nil
}

func initDatabaseStep(_ context.Context, state *appState) error {
	db, err := platformstorage.Open(state.config.Database.DSN)
	if err != nil {
		return err
	}
	state.db = db
	state.logger.InfoTag(platformlogging.TagStorage, "database ready at %s", state.config.Database.DSN)
	return nil
}

func initEventBusStep(_ context.Context, state *appState) error {
	state.bus = eventbus.New()
	if err := eventbus.RegisterAuditLog(state.bus, state.logger.WithTag(platformlogging.TagBoot)); err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "eventbus:init", "failed to register audit log", err)
	}
	return nil
}

func initAuthStep(_ context.Context, state *appState) error {
	if state.config == nil || state.logger == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"auth:init-manager",
			"missing config/logger",
		)
	}

	manager, err := initAuthManager(state.config, state.logger, state.db, state.bus)
	if err != nil {
		return err
	}
	state.authManager = manager
	return nil
}

func initAuthManager(cfg *platformconfig.Config, logger *platformlogging.Logger, db *gorm.DB, bus *eventbus.Bus) (*domainauth.Manager, error) {
	storeCfg := authstore.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Auth.Store.Type)),
	}
	if storeCfg.Driver == "" || storeCfg.Driver == "database" {
		storeCfg.Driver = authstore.DriverSQLite
	}

	switch storeCfg.Driver {
	case authstore.DriverMemory:
		storeCfg.Memory = &authstore.MemoryConfig{GCInterval: cfg.Auth.Store.Cleanup}
	case authstore.DriverRedis:
		redis := cfg.Auth.Store.Redis
		if redis.Addr == "" {
			return nil, platformerrors.New(
				platformerrors.KindBootstrap,
				"auth:init-manager",
				"redis store addr is required",
			)
		}
		storeCfg.Redis = &authstore.RedisConfig{
			Addr:     redis.Addr,
			Username: redis.Username,
			Password: redis.Password,
			DB:       redis.DB,
			Prefix:   redis.Prefix,
		}
	}

	store, err := authstore.New(storeCfg, authstore.Dependencies{SQLiteDB: db})
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindBootstrap, "auth:init-manager", "failed to create credential store", err)
	}

	signer, err := domainauth.NewAuthToken(cfg.Auth.Secret)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindBootstrap, "auth:init-manager", "failed to create token signer", err)
	}

	manager, err := domainauth.NewManager(domainauth.Options{
		Store:           store,
		Logger:          logger.WithTag(platformlogging.TagAuth),
		Token:           signer,
		Events:          bus,
		DefaultTTL:      cfg.Auth.CredentialTTL,
		CleanupInterval: cfg.Auth.Store.Cleanup,
	})
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindBootstrap, "auth:init-manager", "failed to create auth manager", err)
	}

	logger.InfoTag(platformlogging.TagAuth, "credential store %s ready", storeCfg.Driver)
	return manager, nil
}

func initServicesStep(_ context.Context, state *appState) error {
	cfg := state.config

	state.hub = ws.NewHub(state.logger)
	state.accounts = account.NewService(
		platformstorage.NewAccountRepository(state.db),
		state.logger.WithTag(platformlogging.TagAuth),
		0,
	)
	state.messages = message.NewService(message.Options{
		Repository:      platformstorage.NewMessageRepository(state.db),
		Broadcaster:     state.hub,
		Events:          state.bus,
		Logger:          state.logger.WithTag(platformlogging.TagWS),
		MaxContentBytes: cfg.Message.MaxContentBytes,
		HistoryLimit:    cfg.Message.HistoryLimit,
		Retention:       cfg.Message.Retention,
	})
	return nil
}

func initWebSocketStep(_ context.Context, state *appState) error {
	cfg := state.config

	// revocations close live sessions; refreshes are handled in place by the client
	if err := state.bus.SubscribeAsync(eventbus.EventCredentialRevoked, state.hub.HandleCredentialRevoked); err != nil {
		return platformerrors.Wrap(platformerrors.KindTransport, "ws:init-server", "failed to subscribe to revocations", err)
	}

	router := ws.NewRouter(state.hub, state.logger, ws.RouterOptions{
		Verifier:         state.authManager,
		History:          state.messages,
		Events:           state.bus,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		ReadLimit:        cfg.WebSocket.ReadLimit,
		CheckOrigin:      originChecker(cfg.Web.AllowedOrigins),
	})
	state.wsServer = ws.NewServer(ws.ServerConfig{
		Path:             cfg.WebSocket.Path,
		LivenessInterval: cfg.WebSocket.LivenessInterval,
	}, router, state.hub, state.logger)
	return nil
}

// originChecker allows requests without an Origin header, which native
// clients never send, and browsers whose origin is listed.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*") {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func initHTTPRouterStep(_ context.Context, state *appState) error {
	cfg := state.config
	logger := state.logger

	router, err := httptransport.Build(httptransport.Options{
		Config:         cfg,
		Logger:         logger,
		AuthMiddleware: httptransport.RequireCredential(state.authManager, logger),
	})
	if err != nil {
		return err
	}

	metricsPath := ""
	if cfg.Observability.Enabled {
		metricsPath = cfg.Observability.MetricsPath
	}

	httptransport.NewAuthHandler(state.accounts, state.authManager, logger).RegisterRoutes(router)
	httptransport.NewTokenHandler(state.authManager, logger).RegisterRoutes(router)
	httptransport.NewMessageHandler(
		state.messages,
		httptransport.NewAccountLimiter(cfg.Message.PublishRate, cfg.Message.PublishBurst),
		logger,
	).RegisterRoutes(router)
	httptransport.NewHealthHandler(state.wsServer, metricsPath).RegisterRoutes(router)

	router.Engine.GET(state.wsServer.Path(), gin.WrapH(state.wsServer.Handler()))

	staticDir := cfg.Web.StaticDir
	router.Engine.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") || staticDir == "" {
			httptransport.RespondError(c, http.StatusNotFound, "not found", nil)
			return
		}
		c.File(filepath.Join(staticDir, "index.html"))
	})

	state.router = router
	return nil
}

func startServices(state *appState, g *errgroup.Group, groupCtx context.Context) {
	cfg := state.config
	logger := state.logger

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.IP, strconv.Itoa(cfg.Server.Port)),
		Handler:           state.router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		return state.wsServer.Run(groupCtx)
	})

	g.Go(func() error {
		logger.InfoTag(platformlogging.TagHTTP, "listening on http://%s (websocket %s)", httpServer.Addr, state.wsServer.Path())

		go func() {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.ErrorTag(platformlogging.TagHTTP, "http shutdown: %v", err)
			} else {
				logger.InfoTag(platformlogging.TagHTTP, "http server stopped")
			}
		}()

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorTag(platformlogging.TagHTTP, "http server failed: %v", err)
			return platformerrors.Wrap(platformerrors.KindTransport, "http:listen", "http server failed", err)
		}
		return nil
	})
}

func shutdownTimeout(cfg *platformconfig.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func waitForShutdown(ctx context.Context, state *appState, g *errgroup.Group) error {
	<-ctx.Done()
	logger := state.logger
	logger.InfoTag(platformlogging.TagBoot, "shutting down: %v", context.Cause(ctx))

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	timeout := shutdownTimeout(state.config) + 5*time.Second
	select {
	case err := <-done:
		if err != nil {
			logger.ErrorTag(platformlogging.TagBoot, "shutdown finished with error: %v", err)
			return err
		}
		logger.InfoTag(platformlogging.TagBoot, "all services stopped")
		return nil
	case <-time.After(timeout):
		logger.ErrorTag(platformlogging.TagBoot, "shutdown timed out after %s", timeout)
		return platformerrors.New(platformerrors.KindBootstrap, "shutdown", "timed out waiting for services")
	}
}

// close releases whatever the init steps managed to create, in reverse order.
func (s *appState) close() {
	if s.authManager != nil {
		if err := s.authManager.Close(); err != nil && s.logger != nil {
			s.logger.ErrorTag(platformlogging.TagAuth, "auth manager close: %v", err)
		}
	}
	if s.bus != nil {
		s.bus.WaitAsync()
	}
	if s.db != nil {
		if err := platformstorage.Close(s.db); err != nil && s.logger != nil {
			s.logger.ErrorTag(platformlogging.TagStorage, "database close: %v", err)
		}
	}
	if s.observabilityShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.observabilityShutdown(ctx); err != nil && s.logger != nil {
			s.logger.WarnTag(platformlogging.TagObservability, "observability shutdown: %v", err)
		}
		cancel()
	}
	if s.logger != nil {
		_ = s.logger.Close()
	}
}
