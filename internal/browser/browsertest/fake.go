// Package browsertest provides scriptable in-memory browsers and pages.
package browsertest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/JakeFAU/linuxdo-checkin/internal/browser"
	"github.com/JakeFAU/linuxdo-checkin/internal/session"
)

// ErrClosed is returned by actions on a closed page.
var ErrClosed = errors.New("page closed")

// Page is a fake tab. Zero values give an empty document where every action
// succeeds. Hooks override individual actions.
type Page struct {
	mu sync.Mutex

	// Selectors lists selectors that match in the current document.
	Selectors map[string]bool
	Markup    string
	Hrefs     map[string][]string
	// BottomAfter makes the at-bottom probe true once this many scroll
	// steps have run. Zero means never.
	BottomAfter int

	OnNavigate func(p *Page, url string) error
	OnReload   func(p *Page) error
	OnExists   func(p *Page, selector string) (bool, error)
	OnClick    func(p *Page, selector string) error
	CloseErr   error

	location   string
	cookies    []session.Cookie
	clears     int
	navigated  []string
	reloads    int
	clicks     []string
	scrolls    int
	scripts    []string
	closed     bool
	closeCalls int
}

var _ browser.Page = (*Page)(nil)

// Navigate records url and runs OnNavigate.
func (p *Page) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.navigated = append(p.navigated, url)
	p.location = url
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		return hook(p, url)
	}
	return nil
}

// Reload counts reloads and runs OnReload.
func (p *Page) Reload(context.Context) error {
	p.mu.Lock()
	p.reloads++
	hook := p.OnReload
	p.mu.Unlock()
	if hook != nil {
		return hook(p)
	}
	return nil
}

// SetCookies stores cookies.
func (p *Page) SetCookies(_ context.Context, cookies []session.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

// ClearCookies drops every stored cookie.
func (p *Page) ClearCookies(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = nil
	p.clears++
	return nil
}

// Exists consults OnExists, then Selectors.
func (p *Page) Exists(_ context.Context, selector string) (bool, error) {
	p.mu.Lock()
	hook := p.OnExists
	found := p.Selectors[selector]
	p.mu.Unlock()
	if hook != nil {
		return hook(p, selector)
	}
	return found, nil
}

// HTML returns Markup.
func (p *Page) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Markup, nil
}

// Evaluate understands the scroll and at-bottom scripts; other scripts are
// recorded and ignored.
func (p *Page) Evaluate(_ context.Context, expression string, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.scripts = append(p.scripts, expression)
	switch {
	case strings.HasPrefix(expression, "window.scrollBy"):
		p.scrolls++
	case strings.Contains(expression, "scrollHeight"):
		if b, ok := out.(*bool); ok {
			*b = p.BottomAfter > 0 && p.scrolls >= p.BottomAfter
		}
	}
	return nil
}

// Click records selector and runs OnClick.
func (p *Page) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		return hook(p, selector)
	}
	return nil
}

// Links returns Hrefs[selector].
func (p *Page) Links(_ context.Context, selector string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Hrefs[selector]...), nil
}

// URL returns the last navigated location.
func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location, nil
}

// Close marks the page closed and returns CloseErr.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeCalls++
	return p.CloseErr
}

// SetSelector toggles whether selector matches.
func (p *Page) SetSelector(selector string, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Selectors == nil {
		p.Selectors = make(map[string]bool)
	}
	p.Selectors[selector] = present
}

// Cookies returns the stored cookies.
func (p *Page) Cookies() []session.Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]session.Cookie(nil), p.cookies...)
}

// Clears counts ClearCookies calls.
func (p *Page) Clears() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clears
}

// Navigations returns every navigated URL in order.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}

// Reloads counts Reload calls.
func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// Clicks returns every clicked selector in order.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Scrolls counts scroll steps.
func (p *Page) Scrolls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrolls
}

// Closed reports whether Close ran.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseCalls counts Close calls.
func (p *Page) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// Browser is a fake engine handing out pages from NewPage.
type Browser struct {
	mu sync.Mutex

	// NewPage builds each opened page. Nil yields empty pages.
	NewPage  func(n int) *Page
	OpenErr  error
	CloseErr error

	pages      []*Page
	closed     bool
}

var _ browser.Browser = (*Browser)(nil)

// OpenPage returns the next page.
func (b *Browser) OpenPage(context.Context) (browser.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	if b.closed {
		return nil, browser.ErrClosed
	}
	var page *Page
	if b.NewPage != nil {
		page = b.NewPage(len(b.pages))
	}
	if page == nil {
		page = &Page{}
	}
	b.pages = append(b.pages, page)
	return page, nil
}

// Close marks the engine closed.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.CloseErr
}

// Pages returns every opened page in order.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.pages...)
}

// Closed reports whether Close ran.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
