// Package app wires configuration into the long-lived services of a check-in
// run and builds per-account components on demand.
package app

import (
	"context"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/account"
	"github.com/JakeFAU/linuxdo-checkin/internal/browse"
	"github.com/JakeFAU/linuxdo-checkin/internal/browser"
	"github.com/JakeFAU/linuxdo-checkin/internal/clock"
	"github.com/JakeFAU/linuxdo-checkin/internal/clock/system"
	"github.com/JakeFAU/linuxdo-checkin/internal/config"
	"github.com/JakeFAU/linuxdo-checkin/internal/id/uuid"
	"github.com/JakeFAU/linuxdo-checkin/internal/metrics"
	"github.com/JakeFAU/linuxdo-checkin/internal/notify"
	"github.com/JakeFAU/linuxdo-checkin/internal/score"
	"github.com/JakeFAU/linuxdo-checkin/internal/session"
	"github.com/JakeFAU/linuxdo-checkin/internal/supervisor"
)

const httpTimeout = 30 * time.Second

// Notifier delivers the batch report.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// MetricsPusher exports run metrics.
type MetricsPusher func(ctx context.Context, url, job, runID string) error

// App holds the services shared by every account in a run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    clock.Clock
	runID    string
	factory  supervisor.Factory
	notifier Notifier
	scoreOut io.Writer
	push     MetricsPusher
}

// Option customises an App.
type Option func(*App)

// WithFactory replaces the browser-backed component factory.
func WithFactory(f supervisor.Factory) Option { return func(a *App) { a.factory = f } }

// WithNotifier replaces the push dispatcher.
func WithNotifier(n Notifier) Option { return func(a *App) { a.notifier = n } }

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option { return func(a *App) { a.clock = c } }

// WithScoreOutput redirects rendered score tables.
func WithScoreOutput(w io.Writer) Option { return func(a *App) { a.scoreOut = w } }

// WithMetricsPusher replaces the Pushgateway exporter.
func WithMetricsPusher(p MetricsPusher) Option { return func(a *App) { a.push = p } }

// WithRunID fixes the run identifier.
func WithRunID(id string) Option { return func(a *App) { a.runID = id } }

// NewApp builds an App from cfg. The logger is tagged with the run id.
func NewApp(cfg config.Config, logger *zap.Logger, opts ...Option) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		clock:    system.New(),
		scoreOut: os.Stdout,
		push:     metrics.Push,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.runID == "" {
		id, err := uuid.New().NewID()
		if err != nil {
			logger.Warn("run id generation failed", zap.Error(err))
			id = "unknown"
		}
		a.runID = id
	}
	a.logger = logger.With(zap.String("run_id", a.runID))
	if a.factory == nil {
		a.factory = supervisor.FactoryFunc(a.Build)
	}
	if a.notifier == nil {
		a.notifier = notify.NewDispatcher(notify.Config{
			Title:         cfg.Notify.Title,
			GotifyURL:     cfg.Notify.GotifyURL,
			GotifyToken:   cfg.Notify.GotifyToken,
			ServerChanKey: cfg.Notify.ServerChanKey,
		}, a.clock, a.logger)
	}
	metrics.Init()
	return a
}

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RunID returns the run identifier.
func (a *App) RunID() string { return a.runID }

// Build launches a browser and prepares every collaborator for one account.
func (a *App) Build(ctx context.Context, acct account.Account) (*supervisor.Components, error) {
	log := a.logger.With(zap.String("account", acct.DisplayName()))
	userAgent := a.cfg.Browser.DefaultUserAgent
	if acct.HasCustomUserAgent() {
		userAgent = acct.UserAgent
		log.Info("using custom user agent")
	} else {
		log.Info("using default user agent")
	}

	client, err := session.New(session.Config{
		BaseURL:   a.cfg.Forum.BaseURL,
		UserAgent: userAgent,
		Timeout:   httpTimeout,
	}, log)
	if err != nil {
		return nil, err
	}
	comps := &supervisor.Components{Session: client}

	engine, err := browser.NewChromedp(ctx, browser.Config{
		UserAgent: userAgent,
		Headless:  a.cfg.Browser.Headless,
		ExecPath:  a.cfg.Browser.ExecPath,
	}, log)
	if err != nil {
		return comps, err
	}
	comps.Engine = engine

	page, err := engine.OpenPage(ctx)
	if err != nil {
		return comps, err
	}
	comps.Page = page
	comps.Bridge = browser.NewBridge(page, browser.BridgeConfig{HomeURL: a.cfg.Forum.BaseURL}, a.clock, log)
	comps.Browser = browse.New(page, engine, browse.DefaultConfig(), rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), a.clock, log)
	comps.Score = score.NewReader(score.Config{
		URL:       a.cfg.Forum.ConnectURL,
		UserAgent: userAgent,
		Timeout:   httpTimeout,
	}, client.Jar(), log)
	return comps, nil
}

// Report summarises a finished run.
type Report struct {
	RunID     string
	Outcomes  []supervisor.Outcome
	Message   string
	Succeeded int
}

// Run processes every configured account, sends the batch report, and
// exports metrics. Per-account and delivery failures never fail the run.
func (a *App) Run(ctx context.Context) Report {
	budget := a.cfg.AccountTimeout()
	a.logger.Info("check-in run started",
		zap.Int("accounts", len(a.cfg.Accounts)),
		zap.Bool("browse", a.cfg.Browse.Enabled),
		zap.Float64("budget_minutes", budget.Minutes()))
	if a.cfg.Browse.Enabled {
		a.logger.Info("browse cap", zap.Int("max_topics", a.cfg.Browse.MaxTopics))
	}

	sup := supervisor.New(supervisor.Config{
		LoginRetries:  a.cfg.Login.Retries,
		BrowseEnabled: a.cfg.Browse.Enabled,
		Timeout:       budget,
		ScoreOut:      a.scoreOut,
	}, a.factory, a.clock, a.logger)
	outcomes := sup.RunBatch(ctx, a.cfg.Accounts)

	message, succeeded := supervisor.Summary(outcomes)
	a.logger.Info("check-in run finished",
		zap.Int("succeeded", succeeded), zap.Int("accounts", len(outcomes)))

	if err := a.notifier.Send(ctx, message); err != nil {
		a.logger.Warn("notification delivery incomplete", zap.Error(err))
	}
	if a.cfg.Metrics.PushgatewayURL != "" {
		if err := a.push(ctx, a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.Job, a.runID); err != nil {
			a.logger.Warn("metrics push failed", zap.Error(err))
		}
	}
	return Report{RunID: a.runID, Outcomes: outcomes, Message: message, Succeeded: succeeded}
}

// Close flushes the logger.
func (a *App) Close() {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
