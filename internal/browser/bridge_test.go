package browser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/browser"
	"github.com/JakeFAU/linuxdo-checkin/internal/browser/browsertest"
	"github.com/JakeFAU/linuxdo-checkin/internal/clock/clocktest"
	"github.com/JakeFAU/linuxdo-checkin/internal/session"
)

var cookies = []session.Cookie{
	{Name: "_t", Value: "token", Domain: ".linux.do", Path: "/"},
	{Name: "_forum_session", Value: "fs", Domain: ".linux.do", Path: "/"},
}

func newBridge(page *browsertest.Page, clk *clocktest.Fake) *browser.Bridge {
	return browser.NewBridge(page, browser.BridgeConfig{HomeURL: "https://linux.do"}, clk, zap.NewNop())
}

func TestSyncInjectsCookiesAndOpensHome(t *testing.T) {
	t.Parallel()

	page := &browsertest.Page{}
	page.SetSelector(browser.CurrentUserSelector, true)
	clk := clocktest.New(time.Unix(0, 0))

	ok, err := newBridge(page, clk).SyncAndVerify(context.Background(), cookies)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cookies, page.Cookies())
	assert.Equal(t, 1, page.Clears())
	assert.Equal(t, []string{"https://linux.do/"}, page.Navigations())
	assert.Empty(t, clk.Sleeps(), "first positive check returns immediately")
}

func TestAuthenticatedFallsBackToAvatarMarkup(t *testing.T) {
	t.Parallel()

	page := &browsertest.Page{Markup: `<img class="avatar" src="/u/1.png">`}
	ok, err := newBridge(page, clocktest.New(time.Unix(0, 0))).Authenticated(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthenticatedReloadsBeforeFinalAttempt(t *testing.T) {
	t.Parallel()

	page := &browsertest.Page{
		OnReload: func(p *browsertest.Page) error {
			p.SetSelector(browser.CurrentUserSelector, true)
			return nil
		},
	}
	clk := clocktest.New(time.Unix(0, 0))

	ok, err := newBridge(page, clk).Authenticated(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, page.Reloads())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestAuthenticatedExhaustsAttempts(t *testing.T) {
	t.Parallel()

	page := &browsertest.Page{Markup: "<html><body>guest</body></html>"}
	clk := clocktest.New(time.Unix(0, 0))

	ok, err := newBridge(page, clk).Authenticated(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, page.Reloads())
	assert.Len(t, clk.Sleeps(), 2)
}

func TestAuthenticatedTreatsCheckErrorsAsNegative(t *testing.T) {
	t.Parallel()

	page := &browsertest.Page{
		OnExists: func(*browsertest.Page, string) (bool, error) {
			return false, errors.New("target crashed")
		},
	}
	ok, err := newBridge(page, clocktest.New(time.Unix(0, 0))).Authenticated(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthenticatedStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page := &browsertest.Page{}

	_, err := newBridge(page, clocktest.New(time.Unix(0, 0))).Authenticated(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSyncSurfacesNavigationFailure(t *testing.T) {
	t.Parallel()

	page := &browsertest.Page{
		OnNavigate: func(*browsertest.Page, string) error { return errors.New("net::ERR_CONNECTION_RESET") },
	}
	_, err := newBridge(page, clocktest.New(time.Unix(0, 0))).SyncAndVerify(context.Background(), cookies)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open forum home")
}
