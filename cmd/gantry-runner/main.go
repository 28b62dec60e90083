// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// gantry-runner is the Gantry CI daemon. Startup proceeds in order:
//
//  1. Load and validate the configuration, create the data directories.
//  2. Read the webhook secret, the declaration decryption key, and the
//     forge and notification credentials.
//  3. Open the build history database, the delivery journal, and the
//     log, report, and marker stores.
//  4. Construct the runner and the HTTP surface: webhook ingestion,
//     the build API, rendered report pages.
//  5. Serve until SIGINT or SIGTERM, then drain in-flight builds.
//
// Cancellation mid-build interrupts running jobs; their interruption
// is recorded before the process exits, and the next startup's
// recovery sweep concludes anything that slipped through.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/gantry-ci/gantry/lib/config"
	"github.com/gantry-ci/gantry/lib/github"
	"github.com/gantry-ci/gantry/lib/history"
	"github.com/gantry-ci/gantry/lib/journal"
	"github.com/gantry-ci/gantry/lib/logstore"
	"github.com/gantry-ci/gantry/lib/process"
	"github.com/gantry-ci/gantry/lib/report"
	"github.com/gantry-ci/gantry/lib/runner"
	"github.com/gantry-ci/gantry/lib/secret"
	"github.com/gantry-ci/gantry/lib/service"
	"github.com/gantry-ci/gantry/lib/version"
	"github.com/gantry-ci/gantry/lib/watchdog"
	"github.com/gantry-ci/gantry/lib/workspace"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "config file path (overrides GANTRY_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Info())
		return nil
	}

	// Human-readable logs on a terminal (development, gantry-runner run
	// by hand), JSON when stderr is piped or captured by a supervisor.
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credentials are resolved before any store opens: a misconfigured
	// secret path should fail startup, not the first build.
	var webhookSecret *secret.Buffer
	if cfg.Runner.WebhookSecretFile != "" {
		if webhookSecret, err = secret.ReadFromPath(cfg.Runner.WebhookSecretFile); err != nil {
			return fmt.Errorf("webhook secret: %w", err)
		}
		defer webhookSecret.Close()
	} else {
		logger.Warn("no webhook secret configured, webhook ingestion disabled",
			"hint", "set runner.webhook_secret_file")
	}

	var secretKey *secret.Buffer
	if cfg.Runner.SecretKeyFile != "" {
		if secretKey, err = secret.ReadFromPath(cfg.Runner.SecretKeyFile); err != nil {
			return fmt.Errorf("secret key: %w", err)
		}
		defer secretKey.Close()
	}

	slackToken, err := readOptionalSecret(cfg.Notify.SlackTokenFile)
	if err != nil {
		return fmt.Errorf("slack token: %w", err)
	}
	smtpPassword, err := readOptionalSecret(cfg.Notify.SMTP.PasswordFile)
	if err != nil {
		return fmt.Errorf("smtp password: %w", err)
	}

	statusReporter, cloneToken, err := newStatusReporter(cfg, logger)
	if err != nil {
		return err
	}

	historyStore, err := history.Open(history.Config{
		Path:   cfg.Paths.HistoryDB,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer historyStore.Close()

	deliveryJournal, err := journal.Open(journal.Config{
		Path:   cfg.Paths.Journal,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer deliveryJournal.Close()

	executorPath, err := cfg.BinaryPath("gantry-executor")
	if err != nil {
		return fmt.Errorf("locating executor: %w", err)
	}

	logs := logstore.NewStore(cfg.Paths.Logs)
	reports := report.NewStore(cfg.Paths.Reports)

	ci, err := runner.New(ctx, runner.Config{
		Settings:     cfg,
		History:      historyStore,
		Journal:      deliveryJournal,
		Markers:      watchdog.NewStore(filepath.Join(cfg.Paths.Root, "markers")),
		Logs:         logs,
		Reports:      reports,
		Workspaces:   workspace.NewManager(cfg.Paths.Workspaces),
		ExecutorPath: executorPath,
		Status:       statusReporter,
		SecretKey:    secretKey,
		CloneToken:   cloneToken,
		SlackToken:   slackToken,
		SMTPPassword: smtpPassword,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	runnerDone := make(chan error, 1)
	go func() {
		runnerDone <- ci.Run(ctx)
	}()

	var webhookKey []byte
	if webhookSecret != nil {
		webhookKey = webhookSecret.Bytes()
	}
	api := newAPIHandler(apiConfig{
		Runner:        ci,
		History:       historyStore,
		Logs:          logs,
		Reports:       reports,
		WebhookSecret: webhookKey,
		Logger:        logger,
	})

	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Runner.BindAddress,
		Handler: api,
		Logger:  logger,
	})
	httpDone := make(chan error, 1)
	go func() {
		httpDone <- httpServer.Serve(ctx)
	}()

	select {
	case <-httpServer.Ready():
		logger.Info("gantry-runner ready",
			"address", httpServer.Addr().String(),
			"pipelines", len(cfg.Pipelines),
			"webhooks", webhookSecret != nil,
			"statuses", statusReporter != nil)
	case err := <-httpDone:
		// Bind failure. Stop the runner before reporting it.
		stop()
		<-runnerDone
		if err == nil {
			err = errors.New("http server exited before ready")
		}
		return err
	case <-ctx.Done():
	}

	<-ctx.Done()
	logger.Info("shutting down")

	var firstErr error
	if err := <-runnerDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runner error", "error", err)
		firstErr = err
	}
	if err := <-httpDone; err != nil {
		logger.Error("http server error", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loadSettings loads the configuration from the --config flag path or
// the GANTRY_CONFIG environment variable and validates it. Validation
// happens here: LoadFile leaves it to the caller so the CLI can
// inspect broken configs.
func loadSettings(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// readOptionalSecret resolves a credential file into its trimmed
// contents. An empty path means the credential is not configured.
func readOptionalSecret(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	buffer, err := secret.ReadFromPath(path)
	if err != nil {
		return "", err
	}
	defer buffer.Close()
	return buffer.String(), nil
}

// newStatusReporter builds the GitHub commit status reporter from the
// configured authentication mode, or returns nil when GitHub
// integration is not configured. The second return is the clone token:
// in token mode the same credential authenticates https clones, in App
// mode installation tokens rotate hourly and clones stay anonymous.
func newStatusReporter(cfg *config.Config, logger *slog.Logger) (runner.StatusReporter, string, error) {
	if !cfg.GitHub.Enabled() {
		return nil, "", nil
	}

	clientConfig := github.Config{
		BaseURL: cfg.GitHub.APIBaseURL,
		Logger:  logger,
	}
	var cloneToken string

	if cfg.GitHub.TokenFile != "" {
		token, err := readOptionalSecret(cfg.GitHub.TokenFile)
		if err != nil {
			return nil, "", fmt.Errorf("github token: %w", err)
		}
		clientConfig.Token = token
		cloneToken = token
	} else {
		key, err := os.ReadFile(cfg.GitHub.AppPrivateKeyFile)
		if err != nil {
			return nil, "", fmt.Errorf("github app key: %w", err)
		}
		clientConfig.AppID = cfg.GitHub.AppID
		clientConfig.PrivateKey = key
		clientConfig.InstallationID = cfg.GitHub.AppInstallationID
	}

	client, err := github.NewClient(clientConfig)
	if err != nil {
		return nil, "", err
	}

	return &commitStatusReporter{
		client:        client,
		statusContext: cfg.GitHub.StatusContext,
	}, cloneToken, nil
}
