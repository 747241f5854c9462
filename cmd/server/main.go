// Package main is the entry point for the lacyconnect daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/bbernstein/lacyconnect/internal/api"
	"github.com/bbernstein/lacyconnect/internal/config"
	"github.com/bbernstein/lacyconnect/internal/database"
	"github.com/bbernstein/lacyconnect/internal/database/repositories"
	"github.com/bbernstein/lacyconnect/internal/httpd"
	"github.com/bbernstein/lacyconnect/internal/services/connect"
	"github.com/bbernstein/lacyconnect/internal/services/dnsredirect"
	"github.com/bbernstein/lacyconnect/internal/services/executil"
	"github.com/bbernstein/lacyconnect/internal/services/network"
	"github.com/bbernstein/lacyconnect/internal/services/portal"
	"github.com/bbernstein/lacyconnect/internal/services/pubsub"
	"github.com/bbernstein/lacyconnect/internal/services/radio"
	"github.com/bbernstein/lacyconnect/internal/services/system"
	"github.com/bbernstein/lacyconnect/internal/services/wifi"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// apSSIDPrefix names the access point when AP_SSID is unset.
const apSSIDPrefix = "lacyconnect"

func main() {
	// Load .env file if present
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := config.Load()

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Print startup banner
	printBanner(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Connect to database
	db, err := database.Connect(database.Config{
		URL:         cfg.DatabaseURL,
		MaxIdleConn: 1,
		MaxOpenConn: 1,
		Debug:       cfg.IsDevelopment(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = database.Close() }()

	if err := database.Migrate(db); err != nil {
		return err
	}

	executor := executil.Real{}

	wifiService := wifi.NewService(wifi.Options{
		Executor:  executor,
		Interface: cfg.WiFiInterface,
		Logger:    logger,
	})

	var wired *network.Wired
	if iface := wiredInterface(cfg, network.DetectWiredInterface); iface != "" {
		wired = network.NewWired(network.WiredOptions{
			Executor:  executor,
			Interface: iface,
			Logger:    logger,
		})
	}

	// Middleware
	router := httpd.New(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
		newCORS(cfg).Handler,
	)

	manager := connect.New(connect.Options{
		Radio:     wifiService,
		Wired:     wiredTransport(wired),
		Store:     connect.NewSettingsStore(repositories.NewSettingRepository(db)),
		Restarter: newRestarter(cfg, executor, logger),
		Router:    router,
		DNS:       dnsredirect.New(cfg.DNSAddr, logger),
		Logger:    logger,
		Capabilities: connect.Capabilities{
			HasWiredTransport:    wired != nil,
			CaptivePortalEnabled: cfg.CaptivePortalEnabled,
		},
		ConnectTimeout: cfg.ConnectTimeout,
		PortalTimeout:  cfg.PortalTimeout,
		RestartDelay:   cfg.RestartDelay,
		AutoRestart:    cfg.AutoRestart,
		Blocking:       cfg.Blocking,
	})

	apiServer := api.NewServer(api.Options{
		Manager: manager,
		PubSub:  pubsub.New(),
		Version: Version,
		Logger:  logger,
	})
	apiServer.RegisterRoutes(router)
	manager.OnStateChange(apiServer.StateChanged)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go wifiService.Run(ctx)
	if wired != nil {
		go wired.Run(ctx)
	}

	// Create HTTP server
	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if err := begin(ctx, manager, cfg, wifiService.DefaultAPSSID); err != nil {
		return err
	}

	go tickLoop(ctx, manager, cfg.TickInterval())

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		manager.End()
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutting down server")

	manager.End()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// beginner is the part of the manager that starts it.
type beginner interface {
	Begin(ctx context.Context, hostname, apSSID, apPassword string) error
	BeginWithConfig(ctx context.Context, ap portal.Identity, cfg connect.Config) error
}

// begin starts the manager from the stored configuration, or from the
// environment when persistence is disabled.
func begin(ctx context.Context, m beginner, cfg *config.Config, defaultSSID func(prefix string) string) error {
	hostname := deviceHostname(cfg)
	apSSID := cfg.APSSID
	if apSSID == "" {
		apSSID = defaultSSID(apSSIDPrefix)
	}

	if cfg.PersistConfig {
		if err := m.Begin(ctx, hostname, apSSID, cfg.APPassword); err != nil {
			return fmt.Errorf("failed to start connectivity: %w", err)
		}
		return nil
	}

	ap := portal.Identity{SSID: apSSID, Password: cfg.APPassword}
	if err := m.BeginWithConfig(ctx, ap, explicitConfig(cfg, hostname)); err != nil {
		return fmt.Errorf("failed to start connectivity: %w", err)
	}
	return nil
}

// explicitConfig builds the configuration record from the environment.
func explicitConfig(cfg *config.Config, hostname string) connect.Config {
	return connect.Config{
		Hostname: hostname,
		SSID:     cfg.WiFiSSID,
		Password: cfg.WiFiPassword,
		BSSID:    cfg.WiFiBSSID,
		APMode:   cfg.ForceAPMode,
	}
}

func deviceHostname(cfg *config.Config) string {
	if cfg.Hostname != "" {
		return cfg.Hostname
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return apSSIDPrefix
}

// wiredInterface picks the wired device, or "" when wired is disabled or
// the host has none.
func wiredInterface(cfg *config.Config, detect func() string) string {
	if !cfg.WiredEnabled {
		return ""
	}
	if cfg.WiredInterface != "" {
		return cfg.WiredInterface
	}
	return detect()
}

// wiredTransport keeps a nil *network.Wired from becoming a non-nil
// interface value.
func wiredTransport(w *network.Wired) radio.Wired {
	if w == nil {
		return nil
	}
	return w
}

func newRestarter(cfg *config.Config, executor executil.CommandExecutor, logger *zap.Logger) connect.Restarter {
	if cfg.RestartCommand == "" {
		return system.NoopRestarter{}
	}
	return system.NewCommandRestarter(executor, cfg.RestartCommand, logger)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newCORS(cfg *config.Config) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowedMethods:   []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: cfg.CORSOrigin != "*",
		Debug:            false,
	})
}

// ticker is the part of the manager driven by the loop.
type ticker interface {
	Tick()
}

// tickLoop calls Tick every interval until ctx is done.
func tickLoop(ctx context.Context, m ticker, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Tick()
		}
	}
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println("============================================")
	fmt.Println("  lacyconnect")
	fmt.Printf("  Version: %s\n", Version)
	fmt.Printf("  Build:   %s\n", BuildTime)
	fmt.Printf("  Commit:  %s\n", GitCommit)
	fmt.Println("============================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Port:        %s\n", cfg.Port)
	fmt.Printf("  Database:    %s\n", cfg.DatabaseURL)
	fmt.Printf("  WiFi:        %s\n", cfg.WiFiInterface)
	fmt.Printf("  Portal:      %v\n", cfg.CaptivePortalEnabled)
	fmt.Println("============================================")
}
