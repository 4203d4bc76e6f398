package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/account"
	"github.com/JakeFAU/linuxdo-checkin/internal/clock/clocktest"
	"github.com/JakeFAU/linuxdo-checkin/internal/forumtest"
	"github.com/JakeFAU/linuxdo-checkin/internal/retry"
)

func newClient(t *testing.T, forum *forumtest.Forum) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: forum.URL(), UserAgent: "TestAgent/1.0", Timeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestEstablishHarvestsCookies(t *testing.T) {
	t.Parallel()

	forum := forumtest.New(t, map[string]string{"alice": "secret"})
	c := newClient(t, forum)

	state, err := c.Establish(context.Background(), account.Account{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	assert.True(t, state.Authenticated)
	assert.Equal(t, "csrf-token-0001", state.CSRFToken)
	require.Len(t, state.Cookies, 2)

	byName := map[string]Cookie{}
	for _, ck := range state.Cookies {
		byName[ck.Name] = ck
	}
	sessionCookie, ok := byName[forumtest.SessionCookie]
	require.True(t, ok)
	assert.Equal(t, ".127.0.0.1", sessionCookie.Domain)
	assert.Equal(t, "/", sessionCookie.Path)
	user, ok := forum.SessionUser(sessionCookie.Value)
	require.True(t, ok)
	assert.Equal(t, "alice", user)

	headers := forum.LastLoginHeaders()
	assert.Equal(t, "XMLHttpRequest", headers.Get("X-Requested-With"))
	assert.Equal(t, forum.URL(), headers.Get("Origin"))
	assert.Equal(t, "TestAgent/1.0", headers.Get("User-Agent"))
}

func TestEstablishRejectedCredentials(t *testing.T) {
	t.Parallel()

	forum := forumtest.New(t, map[string]string{"alice": "secret"})
	c := newClient(t, forum)

	_, err := c.Establish(context.Background(), account.Account{Username: "alice", Password: "wrong"})
	require.ErrorIs(t, err, ErrLoginRejected)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusOK, rejected.Status)
	assert.Contains(t, rejected.Message, "Incorrect")
	assert.Empty(t, c.Cookies())
}

func TestEstablishRejectedStatus(t *testing.T) {
	t.Parallel()

	forum := forumtest.New(t, map[string]string{"alice": "secret"})
	forum.FailLogin(http.StatusTooManyRequests)
	c := newClient(t, forum)

	_, err := c.Establish(context.Background(), account.Account{Username: "alice", Password: "secret"})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusTooManyRequests, rejected.Status)
}

func TestEstablishCSRFFailure(t *testing.T) {
	t.Parallel()

	forum := forumtest.New(t, map[string]string{"alice": "secret"})
	forum.FailCSRF(http.StatusServiceUnavailable)
	c := newClient(t, forum)

	_, err := c.Establish(context.Background(), account.Account{Username: "alice", Password: "secret"})
	require.ErrorIs(t, err, ErrCSRFFetch)
	assert.Zero(t, forum.LoginAttempts())
}

func TestLoginTransportFailure(t *testing.T) {
	t.Parallel()

	forum := forumtest.New(t, nil)
	c := newClient(t, forum)
	forum.Close()

	err := c.Login(context.Background(), "token", "alice", "secret")
	require.ErrorIs(t, err, ErrLoginTransport)
	assert.NotErrorIs(t, err, ErrLoginRejected)
}

func TestEachEstablishUsesFreshToken(t *testing.T) {
	t.Parallel()

	forum := forumtest.New(t, map[string]string{"alice": "secret"})
	c := newClient(t, forum)
	acct := account.Account{Username: "alice", Password: "secret"}

	first, err := c.Establish(context.Background(), acct)
	require.NoError(t, err)
	second, err := c.Establish(context.Background(), acct)
	require.NoError(t, err)

	assert.NotEqual(t, first.CSRFToken, second.CSRFToken)
	assert.Equal(t, []string{"csrf-token-0001", "csrf-token-0002"}, forum.IssuedTokens())
	assert.Equal(t, 2, forum.LoginAttempts())
	require.Len(t, second.Cookies, 2)
}

func TestAuthenticatedObserver(t *testing.T) {
	t.Parallel()

	forum := forumtest.New(t, map[string]string{"alice": "secret"})
	c := newClient(t, forum)

	ok, err := c.Authenticated(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Establish(context.Background(), account.Account{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	ok, err = c.Authenticated(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "scripted", c.Name())
}

func TestNewRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "::not a url"}, nil)
	require.Error(t, err)
}

func TestApexDomain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ".linux.do", apexDomain("linux.do"))
	assert.Equal(t, ".linux.do", apexDomain("www.linux.do"))
	assert.Equal(t, "abcdefghij", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abc", truncate("abc", 10))
}

func TestJarFollowsLatestSession(t *testing.T) {
	t.Parallel()

	forum := forumtest.New(t, map[string]string{"alice": "secret"})
	c := newClient(t, forum)
	jar := c.Jar()
	base, err := url.Parse(forum.URL())
	require.NoError(t, err)
	assert.Empty(t, jar.Cookies(base))

	acct := account.Account{Username: "alice", Password: "secret"}
	_, err = c.Establish(context.Background(), acct)
	require.NoError(t, err)
	first := jar.Cookies(base)
	require.NotEmpty(t, first)

	_, err = c.Establish(context.Background(), acct)
	require.NoError(t, err)
	second := jar.Cookies(base)
	require.Len(t, second, len(first))
	assert.NotEqual(t, first, second)
}

func TestLoginRetryRecoversFromRequestTimeout(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer slow.Close()

	c, err := New(Config{BaseURL: slow.URL, UserAgent: "TestAgent/1.0", Timeout: 50 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	attempts := 0
	err = retry.Do(context.Background(), clocktest.New(time.Unix(0, 0)), retry.Policy{MaxAttempts: 3},
		func(ctx context.Context, _ int) error {
			attempts++
			_, err := c.Establish(ctx, account.Account{Username: "alice", Password: "secret"})
			return err
		}, nil)

	require.ErrorIs(t, err, ErrCSRFFetch)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int32(3), hits.Load())
}
