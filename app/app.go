// Package app wires the tick streaming pipeline together: credential
// store, broker, subscription registry, upstream feed client, and the
// websocket gateway, behind one HTTP server.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradingapp/tickstream/broker"
	"github.com/tradingapp/tickstream/feed"
	"github.com/tradingapp/tickstream/gateway"
	"github.com/tradingapp/tickstream/kc"
	"github.com/tradingapp/tickstream/ops"
	"github.com/tradingapp/tickstream/registry"
	"github.com/tradingapp/tickstream/web"
)

// Config holds the application configuration.
type Config struct {
	KiteAPIKey      string
	KiteAccessToken string

	RedisURL          string
	RedisFallbackAddr string

	AppHost string
	AppPort string

	// Credential persistence (opt-in: set CREDENTIAL_DB_PATH to enable
	// SQLite persistence)
	CredentialDBPath string
}

const (
	DefaultPort          = "8080"
	DefaultHost          = "localhost"
	DefaultRedisURL      = "redis://127.0.0.1:6379/0"
	DefaultRedisFallback = "localhost:6379"
)

// App represents the main application structure.
type App struct {
	Config    *Config
	Version   string
	startTime time.Time
	logger    *slog.Logger
	logBuffer *ops.LogBuffer

	credStore *kc.CredentialStore
	credDB    *kc.DB
	redis     *broker.Redis
	registry  *registry.Registry
	feed      *feed.Client
	gateway   *gateway.Handler
}

// NewApp creates a new application instance with logger.
func NewApp(logger *slog.Logger) *App {
	return &App{
		Config: &Config{
			KiteAPIKey:        os.Getenv("KITE_API_KEY"),
			KiteAccessToken:   os.Getenv("KITE_ACCESS_TOKEN"),
			RedisURL:          os.Getenv("REDIS_URL"),
			RedisFallbackAddr: os.Getenv("REDIS_FALLBACK_ADDR"),
			AppHost:           os.Getenv("APP_HOST"),
			AppPort:           os.Getenv("APP_PORT"),
			CredentialDBPath:  os.Getenv("CREDENTIAL_DB_PATH"),
		},
		Version:   "v0.0.0", // Ideally injected at build time
		startTime: time.Now(),
		logger:    logger,
	}
}

// SetVersion sets the server version.
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetLogBuffer sets the log buffer backing the /status/logs endpoint.
func (app *App) SetLogBuffer(buf *ops.LogBuffer) {
	app.logBuffer = buf
}

// LoadConfig applies defaults and validates the configuration. Missing
// credentials are not fatal: they may arrive later via the credential DB,
// and subscribe requests fail cleanly until then.
func (app *App) LoadConfig() error {
	if app.Config.AppPort == "" {
		app.Config.AppPort = DefaultPort
	}
	if app.Config.AppHost == "" {
		app.Config.AppHost = DefaultHost
	}
	if app.Config.RedisURL == "" {
		app.Config.RedisURL = DefaultRedisURL
	}
	if app.Config.RedisFallbackAddr == "" {
		app.Config.RedisFallbackAddr = DefaultRedisFallback
	}

	if app.Config.KiteAPIKey == "" || app.Config.KiteAccessToken == "" {
		app.logger.Warn("No Kite credentials in environment, upstream feed needs credentials from the store")
	}

	return nil
}

// RunServer initializes the pipeline and serves until shutdown.
func (app *App) RunServer() error {
	if err := app.initializeServices(); err != nil {
		return err
	}

	srv := app.createHTTPServer(app.buildServerURL())
	srv.Handler = app.setupMux()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	app.setupGracefulShutdown(ctx, srv)

	app.logger.Info("Starting tick stream server", "url", "http://"+srv.Addr, "version", app.Version)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// buildServerURL constructs the server address from host and port.
func (app *App) buildServerURL() string {
	return app.Config.AppHost + ":" + app.Config.AppPort
}

// initializeServices constructs and wires the pipeline components. The
// registry and feed client reference each other, so they are constructed
// first and bound afterwards.
func (app *App) initializeServices() error {
	app.credStore = kc.NewCredentialStore()
	app.credStore.SetLogger(app.logger)

	if app.Config.CredentialDBPath != "" {
		db, err := kc.OpenDB(app.Config.CredentialDBPath)
		if err != nil {
			return fmt.Errorf("failed to open credential DB: %w", err)
		}
		app.credDB = db
		app.credStore.SetDB(db)
		if err := app.credStore.LoadFromDB(); err != nil {
			app.logger.Warn("Failed to load persisted credentials", "error", err)
		}
		app.logger.Info("Credential persistence enabled", "path", app.Config.CredentialDBPath)
	}

	// Environment credentials take precedence over persisted ones.
	if app.Config.KiteAPIKey != "" && app.Config.KiteAccessToken != "" {
		app.credStore.SetActive(app.Config.KiteAPIKey, app.Config.KiteAccessToken)
	}

	redis, err := broker.NewRedis(app.Config.RedisURL, app.Config.RedisFallbackAddr, app.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	app.redis = redis

	app.registry = registry.New(app.logger)
	app.feed = feed.New(feed.Config{
		Credentials: app.credStore,
		Interest:    app.registry,
		Sink:        broker.NewTickPublisher(redis, app.logger),
		Logger:      app.logger,
	})
	app.registry.BindUpstream(app.feed)

	app.gateway = gateway.New(gateway.Config{
		Registry:    app.registry,
		Subscribers: redis,
		Logger:      app.logger,
	})

	app.logger.Debug("Pipeline components wired")
	return nil
}

// createHTTPServer creates and configures the HTTP server.
func (app *App) createHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 30 * time.Second,
	}
}

// setupMux registers the websocket endpoint and the status endpoint.
func (app *App) setupMux() *http.ServeMux {
	mux := http.NewServeMux()

	limiter := web.NewConnLimiter()
	mux.Handle("/ws", limiter.Middleware(app.gateway))
	mux.HandleFunc("/status", app.statusHandler)
	if app.logBuffer != nil {
		mux.HandleFunc("/status/logs", app.logBuffer.Handler())
	}

	return mux
}

// statusPayload is the /status response body.
type statusPayload struct {
	Version     string         `json:"version"`
	Uptime      string         `json:"uptime"`
	Feed        feed.Status    `json:"feed"`
	Registry    registry.Stats `json:"registry"`
	Connections int            `json:"connections"`
	Credentials int            `json:"credentials"`
}

func (app *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	payload := statusPayload{
		Version: app.Version,
		Uptime:  time.Since(app.startTime).Round(time.Second).String(),
	}
	if app.feed != nil {
		payload.Feed = app.feed.Status()
	}
	if app.registry != nil {
		payload.Registry = app.registry.Stats()
	}
	if app.gateway != nil {
		payload.Connections = app.gateway.Stats().Connections
	}
	if app.credStore != nil {
		payload.Credentials = app.credStore.Count()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		app.logger.Error("Failed to write status response", "error", err)
	}
}

// setupGracefulShutdown tears the pipeline down in dependency order when
// the process receives an interrupt: stop accepting connections, close
// live websocket sessions (releasing their registry interest), disconnect
// the upstream feed, then close the broker and credential DB.
func (app *App) setupGracefulShutdown(ctx context.Context, srv *http.Server) {
	go func() {
		<-ctx.Done()
		app.logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("Server shutdown error", "error", err)
		}
		if err := app.gateway.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("Gateway shutdown error", "error", err)
		}

		app.feed.Disconnect()

		if err := app.redis.Close(); err != nil {
			app.logger.Error("Broker close error", "error", err)
		}
		if app.credDB != nil {
			if err := app.credDB.Close(); err != nil {
				app.logger.Error("Credential DB close error", "error", err)
			}
		}

		app.logger.Info("Server shutdown complete")
	}()
}
