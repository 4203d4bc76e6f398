// Package config loads and validates check-in configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/account"
	"github.com/JakeFAU/linuxdo-checkin/internal/logging"
)

// ErrNoAccounts is returned when no usable account could be resolved.
var ErrNoAccounts = errors.New("no accounts configured: set LINUXDO_ACCOUNTS or LINUXDO_USERNAME/LINUXDO_PASSWORD")

// DefaultUserAgent is presented by both clients unless an account overrides it.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Chrome/142.0.0.0 Safari/537.36 Edg/142.0.0.0"

// Config is built once at startup and passed down by value.
type Config struct {
	Forum    ForumConfig
	Accounts []account.Account
	Browse   BrowseConfig
	Login    LoginConfig
	Timeouts TimeoutConfig
	Browser  BrowserConfig
	Notify   NotifyConfig
	Metrics  MetricsConfig
	Logging  logging.Config
}

// ForumConfig locates the forum and its score page.
type ForumConfig struct {
	BaseURL    string
	ConnectURL string
}

// BrowseConfig gates the browsing simulator.
type BrowseConfig struct {
	Enabled   bool
	MaxTopics int
}

// LoginConfig bounds the login retry loop.
type LoginConfig struct {
	Retries int
}

// TimeoutConfig holds the per-account wall-clock budgets.
type TimeoutConfig struct {
	WithBrowse    time.Duration
	WithoutBrowse time.Duration
}

// BrowserConfig controls the browser engine launched per account.
type BrowserConfig struct {
	Headless         bool
	ExecPath         string
	DefaultUserAgent string
}

// NotifyConfig holds push backend credentials; empty values disable a backend.
type NotifyConfig struct {
	Title         string
	GotifyURL     string
	GotifyToken   string
	ServerChanKey string
}

// MetricsConfig configures the optional Pushgateway export.
type MetricsConfig struct {
	PushgatewayURL string
	Job            string
}

// envBindings maps config keys to the environment variables that feed them.
// The first variable that is set wins.
var envBindings = map[string][]string{
	"accounts.bulk":                {"LINUXDO_ACCOUNTS"},
	"accounts.username":            {"LINUXDO_USERNAME", "USERNAME"},
	"accounts.password":            {"LINUXDO_PASSWORD", "PASSWORD"},
	"accounts.user_agents":         {"LINUXDO_UA"},
	"forum.base_url":               {"LINUXDO_BASE_URL"},
	"forum.connect_url":            {"LINUXDO_CONNECT_URL"},
	"browse.enabled":               {"BROWSE_ENABLED"},
	"browse.max_topics":            {"BROWSE_MAX_TOPICS"},
	"login.retries":                {"LOGIN_RETRIES"},
	"supervisor.timeout_browse":    {"ACCOUNT_TIMEOUT_BROWSE"},
	"supervisor.timeout_no_browse": {"ACCOUNT_TIMEOUT_NO_BROWSE"},
	"browser.headless":             {"BROWSER_HEADLESS"},
	"browser.exec_path":            {"CHROME_PATH"},
	"notify.title":                 {"NOTIFY_TITLE"},
	"notify.gotify.url":            {"GOTIFY_URL"},
	"notify.gotify.token":          {"GOTIFY_TOKEN"},
	"notify.serverchan.key":        {"SC3_PUSH_KEY"},
	"metrics.pushgateway_url":      {"PUSHGATEWAY_URL"},
	"metrics.job":                  {"PUSHGATEWAY_JOB"},
	"logging.development":          {"LOG_DEVELOPMENT"},
	"logging.level":                {"LOG_LEVEL"},
	"logging.file":                 {"LOG_FILE"},
	"logging.max_size_mb":          {"LOG_MAX_SIZE_MB"},
	"logging.max_backups":          {"LOG_MAX_BACKUPS"},
	"logging.max_age_days":         {"LOG_MAX_AGE_DAYS"},
}

// Load builds a Config from the optional file at path and the process
// environment.
func Load(path string, logger *zap.Logger) (Config, error) {
	v := viper.New()
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return LoadFrom(v, os.Environ(), logger)
}

// LoadFrom resolves a Config from an already populated Viper instance and an
// environment snapshot used for indexed account variables.
func LoadFrom(v *viper.Viper, environ []string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	setDefaults(v)

	browseEnabled := ParseToggle(v.GetString("browse.enabled"), true)
	maxTopics := ParseNonNegativeInt("BROWSE_MAX_TOPICS", v.GetString("browse.max_topics"), account.DefaultBrowseCap, logger)
	retries := ParseNonNegativeInt("LOGIN_RETRIES", v.GetString("login.retries"), 3, logger)
	if retries < 1 {
		logger.Warn("LOGIN_RETRIES must be at least 1, clamping", zap.Int("value", retries))
		retries = 1
	}

	cfg := Config{
		Forum: ForumConfig{
			BaseURL:    strings.TrimRight(v.GetString("forum.base_url"), "/"),
			ConnectURL: v.GetString("forum.connect_url"),
		},
		Browse: BrowseConfig{
			Enabled:   browseEnabled,
			MaxTopics: maxTopics,
		},
		Login: LoginConfig{Retries: retries},
		Timeouts: TimeoutConfig{
			WithBrowse:    parseDuration("ACCOUNT_TIMEOUT_BROWSE", v.GetString("supervisor.timeout_browse"), 15*time.Minute, logger),
			WithoutBrowse: parseDuration("ACCOUNT_TIMEOUT_NO_BROWSE", v.GetString("supervisor.timeout_no_browse"), 3*time.Minute, logger),
		},
		Browser: BrowserConfig{
			Headless:         ParseToggle(v.GetString("browser.headless"), true),
			ExecPath:         v.GetString("browser.exec_path"),
			DefaultUserAgent: DefaultUserAgent,
		},
		Notify: NotifyConfig{
			Title:         v.GetString("notify.title"),
			GotifyURL:     strings.TrimRight(v.GetString("notify.gotify.url"), "/"),
			GotifyToken:   v.GetString("notify.gotify.token"),
			ServerChanKey: strings.TrimSpace(v.GetString("notify.serverchan.key")),
		},
		Metrics: MetricsConfig{
			PushgatewayURL: v.GetString("metrics.pushgateway_url"),
			Job:            v.GetString("metrics.job"),
		},
		Logging: logging.Config{
			Development: ParseToggle(v.GetString("logging.development"), true),
			Level:       v.GetString("logging.level"),
			File:        v.GetString("logging.file"),
			MaxSizeMB:   v.GetInt("logging.max_size_mb"),
			MaxBackups:  v.GetInt("logging.max_backups"),
			MaxAgeDays:  v.GetInt("logging.max_age_days"),
		},
	}

	creds := ResolveCredentials(
		environ,
		v.GetString("accounts.bulk"),
		v.GetString("accounts.username"),
		v.GetString("accounts.password"),
		logger,
	)
	agents := SplitUserAgents(v.GetString("accounts.user_agents"))
	cfg.Accounts = AssignUserAgents(creds, agents, maxTopics, logger)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) error {
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("forum.base_url", "https://linux.do")
	v.SetDefault("forum.connect_url", "https://connect.linux.do/")
	v.SetDefault("browse.enabled", "true")
	v.SetDefault("browse.max_topics", strconv.Itoa(account.DefaultBrowseCap))
	v.SetDefault("login.retries", "3")
	v.SetDefault("supervisor.timeout_browse", "15m")
	v.SetDefault("supervisor.timeout_no_browse", "3m")
	v.SetDefault("browser.headless", "true")
	v.SetDefault("notify.title", "LINUX DO")
	v.SetDefault("metrics.job", "linuxdo_checkin")
	v.SetDefault("logging.development", "true")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Accounts) == 0 {
		return ErrNoAccounts
	}
	for _, raw := range []string{c.Forum.BaseURL, c.Forum.ConnectURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid forum url %q", raw)
		}
	}
	if c.Timeouts.WithBrowse <= 0 || c.Timeouts.WithoutBrowse <= 0 {
		return fmt.Errorf("account timeouts must be > 0")
	}
	if c.Login.Retries < 1 {
		return fmt.Errorf("login.retries must be >= 1")
	}
	return nil
}

// AccountTimeout returns the per-account budget for the configured mode.
func (c Config) AccountTimeout() time.Duration {
	if c.Browse.Enabled {
		return c.Timeouts.WithBrowse
	}
	return c.Timeouts.WithoutBrowse
}

// ParseToggle interprets a feature flag. Empty input yields def; "false",
// "0" and "off" (any case) disable; anything else enables.
func ParseToggle(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return def
	case "false", "0", "off":
		return false
	default:
		return true
	}
}

// ParseNonNegativeInt parses raw, falling back to def with a warning when the
// value is malformed or negative.
func ParseNonNegativeInt(name, raw string, def int, logger *zap.Logger) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid integer setting, using default",
			zap.String("name", name), zap.String("value", raw), zap.Int("default", def))
		return def
	}
	if value < 0 {
		logger.Warn("negative integer setting, using default",
			zap.String("name", name), zap.Int("value", value), zap.Int("default", def))
		return def
	}
	return value
}

func parseDuration(name, raw string, def time.Duration, logger *zap.Logger) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("invalid duration setting, using default",
			zap.String("name", name), zap.String("value", raw), zap.Duration("default", def))
		return def
	}
	return d
}
