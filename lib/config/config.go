// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Gantry components.
//
// Configuration is loaded from a single file specified by:
//   - GANTRY_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for a Gantry runner.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Paths configures directory and file locations.
	Paths PathsConfig `yaml:"paths"`

	// Runner configures the daemon's HTTP surface and job execution
	// limits.
	Runner RunnerConfig `yaml:"runner"`

	// Toolchains maps language → version → activation config. A
	// declared version with no entry here fails the job before any
	// command runs.
	Toolchains map[string]map[string]ToolchainConfig `yaml:"toolchains"`

	// Packages configures system package provisioning.
	Packages PackagesConfig `yaml:"packages"`

	// Sandbox configures bubblewrap isolation for non-privileged
	// jobs.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Pipelines lists the repositories this runner builds. Events
	// for repositories not listed here are dropped.
	Pipelines []PipelineRef `yaml:"pipelines"`

	// GitHub configures commit status reporting. TokenFile empty
	// disables it.
	GitHub GitHubConfig `yaml:"github,omitempty"`

	// Notify configures the notification transports.
	Notify NotifyConfig `yaml:"notify"`

	// EnvironmentOverrides contains per-environment overrides,
	// applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Runner  *RunnerConfig  `yaml:"runner,omitempty"`
	Sandbox *SandboxConfig `yaml:"sandbox,omitempty"`
	Notify  *NotifyConfig  `yaml:"notify,omitempty"`
}

// PathsConfig configures directory and file locations.
type PathsConfig struct {
	// Root is the base directory for Gantry data.
	Root string `yaml:"root"`

	// Bin is where Gantry binaries are installed. This provides
	// hermetic binary paths independent of user PATH. Contains:
	// gantry-executor.
	Bin string `yaml:"bin"`

	// Workspaces is where per-job working directories are created.
	Workspaces string `yaml:"workspaces"`

	// Logs is where compressed job logs are stored.
	Logs string `yaml:"logs"`

	// Cache is where per-pipeline dependency caches are stored.
	Cache string `yaml:"cache"`

	// HistoryDB is the SQLite database file for build history.
	HistoryDB string `yaml:"history_db"`

	// Journal is the CBOR delivery journal file.
	Journal string `yaml:"journal"`

	// Reports is where rendered build summary HTML is stored.
	Reports string `yaml:"reports"`
}

// RunnerConfig configures the daemon.
type RunnerConfig struct {
	// BindAddress is the HTTP listen address.
	// Default: 127.0.0.1:8475
	BindAddress string `yaml:"bind_address"`

	// WebhookSecretFile is the path to the GitHub webhook HMAC
	// secret. "-" reads from stdin at startup.
	WebhookSecretFile string `yaml:"webhook_secret_file"`

	// SecretKeyFile is the path to the runner's age identity used to
	// decrypt pipeline secrets.
	SecretKeyFile string `yaml:"secret_key_file"`

	// JobTimeout bounds each job command, as a duration string.
	// This is the platform-imposed limit; declarations cannot set
	// their own. Default: 50m
	JobTimeout string `yaml:"job_timeout"`

	// GracePeriod is the SIGTERM-to-SIGKILL window on timeout.
	// Empty means immediate SIGKILL.
	GracePeriod string `yaml:"grace_period,omitempty"`

	// Parallelism caps concurrently running jobs across all builds.
	// Default: 2
	Parallelism int `yaml:"parallelism"`

	// EnvFile is an optional dotenv file of runner-local defaults
	// exported into every job environment (lowest precedence).
	EnvFile string `yaml:"env_file,omitempty"`
}

// ToolchainConfig describes how one language version is activated
// inside a job.
type ToolchainConfig struct {
	// Path is prepended to the job's PATH. Typically the version's
	// bin directory (e.g. /opt/python/3.11/bin).
	Path string `yaml:"path,omitempty"`

	// Env is merged into the job environment.
	Env map[string]string `yaml:"env,omitempty"`

	// Activate lists provision commands that prepare the toolchain
	// (virtualenv creation, version manager calls). They run before
	// the install phase, fail-fast like any required command.
	Activate []string `yaml:"activate,omitempty"`
}

// PackagesConfig configures system package provisioning.
type PackagesConfig struct {
	// InstallCommand is the command prefix the declared package set
	// is appended to, executed as the job's first provision command.
	// Default: apt-get install -y --no-install-recommends
	InstallCommand string `yaml:"install_command"`
}

// SandboxConfig configures bubblewrap isolation.
type SandboxConfig struct {
	// BwrapPath is the bubblewrap binary. Default: bwrap
	BwrapPath string `yaml:"bwrap_path"`

	// ExtraBinds lists additional host paths bound read-only into
	// every sandbox (toolchain roots, certificate stores).
	ExtraBinds []string `yaml:"extra_binds,omitempty"`

	// NoBwrap specifies behavior when bubblewrap is unavailable.
	// Values: "skip" (run unsandboxed), "warn" (warn and run
	// unsandboxed), "error" (fail the job).
	// Default: warn (development), error (production)
	NoBwrap string `yaml:"no_bwrap"`
}

// PipelineRef binds one watched repository to its pipeline
// declaration. Declarations live on the runner host, not in the
// repository: what runs in the sandbox is decided by the operator, not
// by whoever can push a commit.
type PipelineRef struct {
	// Repo is the owner/name pair events are matched against.
	Repo string `yaml:"repo"`

	// File is the declaration file path on the runner host.
	File string `yaml:"file"`

	// CloneURL overrides the clone URL for cron and manual builds.
	// Webhook events carry their own; when this is empty too, cron
	// triggers for the repository are an error.
	CloneURL string `yaml:"clone_url,omitempty"`

	// Branch is the branch cron and manual builds target when none is
	// given. Default: the first branch the declaration's filter
	// admits.
	Branch string `yaml:"branch,omitempty"`
}

// GitHubConfig configures the commit status reporter.
type GitHubConfig struct {
	// TokenFile is the path to a GitHub access token with repo:status
	// scope. Mutually exclusive with App authentication.
	TokenFile string `yaml:"token_file,omitempty"`

	// AppID, AppPrivateKeyFile, and AppInstallationID configure GitHub
	// App authentication; all three must be set together. The runner
	// exchanges an App JWT for short-lived installation tokens instead
	// of holding a long-lived access token.
	AppID             int64  `yaml:"app_id,omitempty"`
	AppPrivateKeyFile string `yaml:"app_private_key_file,omitempty"`
	AppInstallationID int64  `yaml:"app_installation_id,omitempty"`

	// APIBaseURL overrides the GitHub API endpoint, for GitHub
	// Enterprise and for tests. Default: https://api.github.com
	APIBaseURL string `yaml:"api_base_url,omitempty"`

	// StatusContext is the status check name shown on commits.
	// Default: continuous-integration/gantry
	StatusContext string `yaml:"status_context,omitempty"`

	// ExternalURL is the runner's public base URL, used as the status
	// target link. Empty omits the link.
	ExternalURL string `yaml:"external_url,omitempty"`
}

// Enabled reports whether any GitHub authentication is configured, and
// therefore whether commit statuses are reported.
func (g *GitHubConfig) Enabled() bool {
	return g.TokenFile != "" || g.AppID != 0
}

// NotifyConfig configures notification transports.
type NotifyConfig struct {
	// OnlyFailures suppresses notifications for successful builds.
	OnlyFailures bool `yaml:"only_failures,omitempty"`

	// SlackTokenFile is the path to a Slack bot token. Empty
	// disables Slack notifications.
	SlackTokenFile string `yaml:"slack_token_file,omitempty"`

	// SlackAPIURL overrides the Slack API endpoint, for testing.
	SlackAPIURL string `yaml:"slack_api_url,omitempty"`

	// SMTP configures conclusion email.
	SMTP SMTPConfig `yaml:"smtp,omitempty"`
}

// SMTPConfig configures the email transport. Host empty disables
// email notifications.
type SMTPConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
	From string `yaml:"from,omitempty"`

	// PasswordFile is the path to the SMTP password; the username is
	// the From address.
	PasswordFile string `yaml:"password_file,omitempty"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback; the
// config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "gantry")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:       defaultRoot,
			Bin:        filepath.Join(defaultRoot, "bin"),
			Workspaces: filepath.Join(defaultRoot, "workspaces"),
			Logs:       filepath.Join(defaultRoot, "logs"),
			Cache:      filepath.Join(defaultRoot, "cache"),
			HistoryDB:  filepath.Join(defaultRoot, "history.db"),
			Journal:    filepath.Join(defaultRoot, "journal.cbor"),
			Reports:    filepath.Join(defaultRoot, "reports"),
		},
		Runner: RunnerConfig{
			BindAddress: "127.0.0.1:8475",
			JobTimeout:  "50m",
			Parallelism: 2,
		},
		Packages: PackagesConfig{
			InstallCommand: "apt-get install -y --no-install-recommends",
		},
		GitHub: GitHubConfig{
			StatusContext: "continuous-integration/gantry",
		},
		Sandbox: SandboxConfig{
			BwrapPath: "bwrap",
			NoBwrap:   "warn",
		},
	}
}

// Load loads configuration from the GANTRY_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults; if GANTRY_CONFIG is not
// set, this fails. This ensures deterministic, auditable
// configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("GANTRY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("GANTRY_CONFIG environment variable not set; " +
			"set it to the path of your gantry.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values. The only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific override
// section.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production default: missing bwrap is an error, not a
		// silently unsandboxed job.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Sandbox: &SandboxConfig{NoBwrap: "error"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		applyPathOverrides(&c.Paths, overrides.Paths)
	}
	if overrides.Runner != nil {
		o := overrides.Runner
		if o.BindAddress != "" {
			c.Runner.BindAddress = o.BindAddress
		}
		if o.WebhookSecretFile != "" {
			c.Runner.WebhookSecretFile = o.WebhookSecretFile
		}
		if o.SecretKeyFile != "" {
			c.Runner.SecretKeyFile = o.SecretKeyFile
		}
		if o.JobTimeout != "" {
			c.Runner.JobTimeout = o.JobTimeout
		}
		if o.GracePeriod != "" {
			c.Runner.GracePeriod = o.GracePeriod
		}
		if o.Parallelism > 0 {
			c.Runner.Parallelism = o.Parallelism
		}
		if o.EnvFile != "" {
			c.Runner.EnvFile = o.EnvFile
		}
	}
	if overrides.Sandbox != nil {
		o := overrides.Sandbox
		if o.BwrapPath != "" {
			c.Sandbox.BwrapPath = o.BwrapPath
		}
		if len(o.ExtraBinds) > 0 {
			c.Sandbox.ExtraBinds = o.ExtraBinds
		}
		if o.NoBwrap != "" {
			c.Sandbox.NoBwrap = o.NoBwrap
		}
	}
	if overrides.Notify != nil {
		o := overrides.Notify
		if o.SlackTokenFile != "" {
			c.Notify.SlackTokenFile = o.SlackTokenFile
		}
		if o.SlackAPIURL != "" {
			c.Notify.SlackAPIURL = o.SlackAPIURL
		}
		if o.SMTP.Host != "" {
			c.Notify.SMTP = o.SMTP
		}
	}
}

func applyPathOverrides(paths *PathsConfig, o *PathsConfig) {
	if o.Root != "" {
		paths.Root = o.Root
	}
	if o.Bin != "" {
		paths.Bin = o.Bin
	}
	if o.Workspaces != "" {
		paths.Workspaces = o.Workspaces
	}
	if o.Logs != "" {
		paths.Logs = o.Logs
	}
	if o.Cache != "" {
		paths.Cache = o.Cache
	}
	if o.HistoryDB != "" {
		paths.HistoryDB = o.HistoryDB
	}
	if o.Journal != "" {
		paths.Journal = o.Journal
	}
	if o.Reports != "" {
		paths.Reports = o.Reports
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"GANTRY_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["GANTRY_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Paths.Workspaces = expandVars(c.Paths.Workspaces, vars)
	c.Paths.Logs = expandVars(c.Paths.Logs, vars)
	c.Paths.Cache = expandVars(c.Paths.Cache, vars)
	c.Paths.HistoryDB = expandVars(c.Paths.HistoryDB, vars)
	c.Paths.Journal = expandVars(c.Paths.Journal, vars)
	c.Paths.Reports = expandVars(c.Paths.Reports, vars)
	c.Runner.WebhookSecretFile = expandVars(c.Runner.WebhookSecretFile, vars)
	c.Runner.SecretKeyFile = expandVars(c.Runner.SecretKeyFile, vars)
	c.Runner.EnvFile = expandVars(c.Runner.EnvFile, vars)
	c.GitHub.TokenFile = expandVars(c.GitHub.TokenFile, vars)
	c.GitHub.AppPrivateKeyFile = expandVars(c.GitHub.AppPrivateKeyFile, vars)
	c.Notify.SlackTokenFile = expandVars(c.Notify.SlackTokenFile, vars)
	c.Notify.SMTP.PasswordFile = expandVars(c.Notify.SMTP.PasswordFile, vars)
	for i := range c.Pipelines {
		c.Pipelines[i].File = expandVars(c.Pipelines[i].File, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Runner.BindAddress == "" {
		errs = append(errs, fmt.Errorf("runner.bind_address is required"))
	}
	if c.Runner.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("runner.parallelism must be >= 1, got %d", c.Runner.Parallelism))
	}
	if _, err := time.ParseDuration(c.Runner.JobTimeout); err != nil {
		errs = append(errs, fmt.Errorf("runner.job_timeout: %w", err))
	}
	if c.Runner.GracePeriod != "" {
		if _, err := time.ParseDuration(c.Runner.GracePeriod); err != nil {
			errs = append(errs, fmt.Errorf("runner.grace_period: %w", err))
		}
	}
	if c.Packages.InstallCommand == "" {
		errs = append(errs, fmt.Errorf("packages.install_command is required"))
	}

	fallbackValues := []string{"skip", "warn", "error"}
	if !contains(fallbackValues, c.Sandbox.NoBwrap) {
		errs = append(errs, fmt.Errorf("sandbox.no_bwrap must be one of: %v", fallbackValues))
	}

	hasGitHubApp := c.GitHub.AppID != 0 || c.GitHub.AppPrivateKeyFile != "" || c.GitHub.AppInstallationID != 0
	if hasGitHubApp {
		if c.GitHub.TokenFile != "" {
			errs = append(errs, fmt.Errorf("github: token_file and App authentication are mutually exclusive"))
		}
		if c.GitHub.AppID == 0 || c.GitHub.AppPrivateKeyFile == "" || c.GitHub.AppInstallationID == 0 {
			errs = append(errs, fmt.Errorf("github: App authentication requires app_id, app_private_key_file, and app_installation_id"))
		}
	}

	for language, versions := range c.Toolchains {
		if len(versions) == 0 {
			errs = append(errs, fmt.Errorf("toolchains.%s has no versions", language))
		}
	}

	seenRepos := make(map[string]bool)
	for i, ref := range c.Pipelines {
		if ref.Repo == "" {
			errs = append(errs, fmt.Errorf("pipelines[%d].repo is required", i))
			continue
		}
		if ref.File == "" {
			errs = append(errs, fmt.Errorf("pipelines[%d] (%s): file is required", i, ref.Repo))
		}
		if seenRepos[ref.Repo] {
			errs = append(errs, fmt.Errorf("pipelines[%d]: duplicate repo %s", i, ref.Repo))
		}
		seenRepos[ref.Repo] = true
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Pipeline returns the pipeline reference for a repository, or nil
// when the repository is not configured.
func (c *Config) Pipeline(repo string) *PipelineRef {
	for i := range c.Pipelines {
		if c.Pipelines[i].Repo == repo {
			return &c.Pipelines[i]
		}
	}
	return nil
}

// Toolchain resolves a declared language+version pair to its
// activation config. Unknown pairs are errors; the job fails before
// any command runs.
func (c *Config) Toolchain(language, version string) (*ToolchainConfig, error) {
	versions, ok := c.Toolchains[language]
	if !ok {
		return nil, fmt.Errorf("no toolchains configured for language %q", language)
	}
	toolchain, ok := versions[version]
	if !ok {
		available := make([]string, 0, len(versions))
		for v := range versions {
			available = append(available, v)
		}
		sort.Strings(available)
		return nil, fmt.Errorf("no %s toolchain for version %q (configured: %v)", language, version, available)
	}
	return &toolchain, nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Bin,
		c.Paths.Workspaces,
		c.Paths.Logs,
		c.Paths.Cache,
		c.Paths.Reports,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

// BinaryPath returns the full path to a Gantry binary. It looks in
// Paths.Bin first, then falls back to exec.LookPath. This provides
// hermetic binary resolution when Bin is configured.
func (c *Config) BinaryPath(name string) (string, error) {
	if c.Paths.Bin != "" {
		binPath := filepath.Join(c.Paths.Bin, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		if c.Paths.Bin != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Paths.Bin)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
