package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/session"
)

// ErrClosed is returned when a closed browser is asked for a new tab.
var ErrClosed = errors.New("browser closed")

const defaultActionTimeout = 60 * time.Second

// Config configures a chromedp browser.
type Config struct {
	UserAgent string
	Headless  bool
	// ExecPath overrides Chrome discovery when set.
	ExecPath string
	// ActionTimeout bounds each individual page action.
	ActionTimeout time.Duration
}

// Chromedp is a headless Chrome instance owned by one account run.
type Chromedp struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	userAgent       string
	timeout         time.Duration

	mu     sync.Mutex
	closed bool
}

// NewChromedp launches a browser and waits for it to come up. The browser
// dies with ctx.
func NewChromedp(ctx context.Context, cfg Config, logger *zap.Logger) (*Chromedp, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("incognito", true),
		chromedp.NoSandbox,
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	logger.Debug("browser started", zap.Bool("headless", cfg.Headless))

	return &Chromedp{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		userAgent:       cfg.UserAgent,
		timeout:         timeout,
	}, nil
}

// OpenPage opens a new tab with the configured user agent.
func (b *Chromedp) OpenPage(ctx context.Context) (Page, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	// The first Run allocates the target and must not carry a deadline.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	tab := &Tab{ctx: tabCtx, cancel: cancel, timeout: b.timeout}
	actions := chromedp.Tasks{network.Enable()}
	if b.userAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(b.userAgent))
	}
	if err := tab.run(ctx, actions); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return tab, nil
}

// Close terminates the browser process. It is safe to call more than once.
func (b *Chromedp) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := chromedp.Cancel(b.browserCtx)
	b.browserCancel()
	b.allocatorCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Tab is a chromedp-backed Page.
type Tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	once    sync.Once
}

// Navigate loads url and waits for the body.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	return t.run(ctx, chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	})
}

// Reload refreshes the current document.
func (t *Tab) Reload(ctx context.Context) error {
	return t.run(ctx, chromedp.Tasks{
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
	})
}

// SetCookies writes cookies into the browser's store.
func (t *Tab) SetCookies(ctx context.Context, cookies []session.Cookie) error {
	return t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			if err := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

// ClearCookies empties the browser's cookie store.
func (t *Tab) ClearCookies(ctx context.Context) error {
	return t.run(ctx, network.ClearBrowserCookies())
}

// Exists reports whether selector matches an element in the current document.
func (t *Tab) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	expr := "document.querySelector(" + strconv.Quote(selector) + ") !== null"
	if err := t.Evaluate(ctx, expr, &found); err != nil {
		return false, err
	}
	return found, nil
}

// HTML returns the rendered document markup.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	var html string
	if err := t.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Evaluate runs a JavaScript expression and decodes its result into out.
func (t *Tab) Evaluate(ctx context.Context, expression string, out any) error {
	return t.run(ctx, chromedp.Evaluate(expression, out))
}

// Click clicks the first element matching selector.
func (t *Tab) Click(ctx context.Context, selector string) error {
	return t.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

// Links collects absolute hrefs of the elements matching selector.
func (t *Tab) Links(ctx context.Context, selector string) ([]string, error) {
	var links []string
	expr := "Array.from(document.querySelectorAll(" + strconv.Quote(selector) + "))" +
		".map(el => el.href || '').filter(href => href !== '')"
	if err := t.Evaluate(ctx, expr, &links); err != nil {
		return nil, err
	}
	return links, nil
}

// URL returns the current document location.
func (t *Tab) URL(ctx context.Context) (string, error) {
	var location string
	if err := t.run(ctx, chromedp.Location(&location)); err != nil {
		return "", err
	}
	return location, nil
}

// Close closes the tab. Further calls are no-ops.
func (t *Tab) Close() error {
	t.once.Do(t.cancel)
	return nil
}

func (t *Tab) run(ctx context.Context, actions chromedp.Action) error {
	taskCtx, cancelTask := context.WithTimeout(t.ctx, t.timeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	if err := chromedp.Run(taskCtx, actions); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// forwardCancel cancels the chromedp task when the caller's context ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
