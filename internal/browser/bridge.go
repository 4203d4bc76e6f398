package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/clock"
	"github.com/JakeFAU/linuxdo-checkin/internal/session"
)

const (
	// CurrentUserSelector marks an authenticated forum page.
	CurrentUserSelector = "#current-user"
	avatarMarker        = "avatar"

	defaultPollAttempts = 3
	defaultPollInterval = 2 * time.Second
)

// BridgeConfig tunes the authentication poll.
type BridgeConfig struct {
	HomeURL      string
	PollAttempts int
	PollInterval time.Duration
}

// Bridge moves a scripted session into a browser tab and checks that the
// rendered forum shows a logged-in user.
type Bridge struct {
	page     Page
	home     string
	attempts int
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
}

// NewBridge binds a bridge to page.
func NewBridge(page Page, cfg BridgeConfig, clk clock.Clock, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.PollAttempts
	if attempts < 1 {
		attempts = defaultPollAttempts
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	home := cfg.HomeURL
	if !strings.HasSuffix(home, "/") {
		home += "/"
	}
	return &Bridge{
		page:     page,
		home:     home,
		attempts: attempts,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Name identifies the bridge as a login observer.
func (b *Bridge) Name() string { return "browser" }

// Page returns the tab the bridge drives.
func (b *Bridge) Page() Page { return b.page }

// Sync replaces the browser's cookies with the given ones and opens the
// forum home page.
func (b *Bridge) Sync(ctx context.Context, cookies []session.Cookie) error {
	if err := b.page.ClearCookies(ctx); err != nil {
		return fmt.Errorf("clear browser cookies: %w", err)
	}
	if err := b.page.SetCookies(ctx, cookies); err != nil {
		return fmt.Errorf("inject cookies: %w", err)
	}
	b.logger.Info("cookies injected, opening forum", zap.Int("cookies", len(cookies)))
	if err := b.page.Navigate(ctx, b.home); err != nil {
		return fmt.Errorf("open forum home: %w", err)
	}
	return nil
}

// Authenticated polls the rendered page for a logged-in marker, reloading
// once before the final attempt.
func (b *Bridge) Authenticated(ctx context.Context) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		if attempt > 1 {
			if err := b.clock.Sleep(ctx, b.interval); err != nil {
				return false, err
			}
		}
		if attempt == b.attempts && attempt > 1 {
			b.logger.Debug("no login marker yet, reloading before final check")
			if err := b.page.Reload(ctx); err != nil {
				lastErr = err
				continue
			}
		}
		ok, via, err := b.check(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			lastErr = err
			b.logger.Debug("login marker check failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if ok {
			b.logger.Info("browser session verified", zap.String("via", via), zap.Int("attempt", attempt))
			return true, nil
		}
	}
	if lastErr != nil {
		b.logger.Warn("browser session not verified", zap.Error(lastErr))
	}
	return false, nil
}

// SyncAndVerify injects cookies then reports whether the browser is logged in.
func (b *Bridge) SyncAndVerify(ctx context.Context, cookies []session.Cookie) (bool, error) {
	if err := b.Sync(ctx, cookies); err != nil {
		return false, err
	}
	return b.Authenticated(ctx)
}

func (b *Bridge) check(ctx context.Context) (bool, string, error) {
	found, err := b.page.Exists(ctx, CurrentUserSelector)
	if err != nil {
		return false, "", err
	}
	if found {
		return true, "current-user", nil
	}
	html, err := b.page.HTML(ctx)
	if err != nil {
		return false, "", err
	}
	if strings.Contains(html, avatarMarker) {
		return true, "avatar", nil
	}
	return false, "", nil
}
