package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/udpmail/config"
	"github.com/migadu/udpmail/directory"
	"github.com/migadu/udpmail/logger"
	"github.com/migadu/udpmail/pkg/errors"
	"github.com/migadu/udpmail/pkg/health"
	"github.com/migadu/udpmail/pkg/metrics"
	"github.com/migadu/udpmail/server/datagram"
	"github.com/migadu/udpmail/server/httpapi"
	"github.com/migadu/udpmail/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "udpmail.toml"

// serviceDependencies holds the shared services the listeners run on.
type serviceDependencies struct {
	config    config.Config
	store     *storage.Store
	directory *directory.Directory
	health    *health.HealthMonitor
	wg        sync.WaitGroup
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	addr := flag.String("addr", "", "UDP listen address (overrides server.addr)")
	accountsDir := flag.String("accounts-dir", "", "Mailbox root directory (overrides storage.mail_root)")
	credentialsFile := flag.String("credentials-file", "", "Credential log path (overrides storage.credentials_file)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("udpmail version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadConfig(*configPath, &cfg, errorHandler)

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *accountsDir != "" {
		cfg.Storage.MailRoot = *accountsDir
	}
	if *credentialsFile != "" {
		cfg.Storage.CredentialsFile = *credentialsFile
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "UDPMAIL: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "UDPMAIL: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("udpmail starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer deps.store.Close()
	defer deps.directory.Close()

	deps.health.Start(ctx)
	defer deps.health.Stop()

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		logger.Info("Waiting for all servers to stop gracefully...")

		done := make(chan struct{})
		go func() {
			deps.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("All servers stopped")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		cancel()
		errorHandler.FatalError("server operation", err)
		deps.directory.Close()
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadConfig reads configPath into cfg. A missing default file means
// defaults; a missing file named on the command line is an error.
func loadConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath {
			logger.Warn("Default configuration file not found, using application defaults", "path", configPath)
			return
		}
		errorHandler.ConfigError(configPath, err)
		os.Exit(errorHandler.WaitForExit())
	}
	logger.Info("Loaded configuration", "path", configPath)
}

// initializeServices opens the mailbox store and the account directory
// and brings them into agreement.
func initializeServices(ctx context.Context, cfg config.Config) (*serviceDependencies, error) {
	store, err := storage.Open(cfg.Storage.MailRoot, storage.Options{
		WelcomeSender:  cfg.Storage.WelcomeSender,
		WelcomeSubject: cfg.Storage.WelcomeSubject,
		WelcomeBody:    cfg.Storage.WelcomeBody,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox root: %w", err)
	}

	dir, err := directory.Open(cfg.Storage.CredentialsFile, directory.Options{
		PasswordScheme: cfg.Auth.GetPasswordScheme(),
		Provisioner:    store,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open credential log: %w", err)
	}

	report := store.Reconcile(ctx, dir.Usernames())
	if len(report.Failed) > 0 {
		logger.Warn("Some accounts have no mailbox", "count", len(report.Failed), "usernames", report.Failed)
	}
	metrics.AccountsCurrent.Set(float64(dir.Count()))

	stats := store.Stats()
	logger.Info("Storage ready", "accounts", dir.Count(), "mailboxes", stats.Mailboxes, "messages", stats.Messages)

	healthCheckInterval := cfg.Health.GetCheckIntervalWithDefault()
	monitor := health.NewHealthMonitor()
	monitor.RegisterCheck(health.NewComponentCheck("mail_root", store, healthCheckInterval))
	monitor.RegisterCheck(health.NewComponentCheck("credential_log", dir, healthCheckInterval))

	return &serviceDependencies{config: cfg, store: store, directory: dir, health: monitor}, nil
}

func startServers(ctx context.Context, deps *serviceDependencies) chan error {
	errChan := make(chan error, 3)

	deps.wg.Add(1)
	go startDatagramServer(ctx, deps, errChan)

	if deps.config.Metrics.Enabled {
		deps.wg.Add(1)
		go startMetricsServer(ctx, deps, errChan)
	}

	if deps.config.HTTPAPI.Enabled {
		deps.wg.Add(1)
		go func() {
			defer deps.wg.Done()
			httpapi.Start(ctx, deps.directory, deps.store, httpapi.ServerOptions{
				Addr:         deps.config.HTTPAPI.Addr,
				APIKey:       deps.config.HTTPAPI.APIKey,
				AllowedHosts: deps.config.HTTPAPI.AllowedHosts,
				Health:       deps.health,
			}, errChan)
		}()
	}

	return errChan
}

func startDatagramServer(ctx context.Context, deps *serviceDependencies, errChan chan error) {
	defer deps.wg.Done()

	serverConfig := deps.config.Server
	name := serverConfig.Name
	if name == "" {
		name = "udp"
	}

	router := datagram.NewRouter(deps.directory, deps.store, datagram.RouterOptions{Debug: serverConfig.Debug})
	server, err := datagram.New(ctx, name, serverConfig.Addr, router, datagram.ServerOptions{
		MaxDatagramSize: serverConfig.GetMaxDatagramSizeWithDefault(),
		Workers:         serverConfig.GetWorkers(),
	})
	if err != nil {
		errChan <- fmt.Errorf("failed to create datagram server: %w", err)
		return
	}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	server.Start(errChan)
}

func startMetricsServer(ctx context.Context, deps *serviceDependencies, errChan chan error) {
	defer deps.wg.Done()

	metricsConfig := deps.config.Metrics

	mux := http.NewServeMux()
	mux.Handle(metricsConfig.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              metricsConfig.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", metricsConfig.Addr, "path", metricsConfig.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
