package supervisor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/account"
	"github.com/JakeFAU/linuxdo-checkin/internal/browse"
	"github.com/JakeFAU/linuxdo-checkin/internal/browser"
	"github.com/JakeFAU/linuxdo-checkin/internal/browser/browsertest"
	"github.com/JakeFAU/linuxdo-checkin/internal/clock/clocktest"
	"github.com/JakeFAU/linuxdo-checkin/internal/forumtest"
	"github.com/JakeFAU/linuxdo-checkin/internal/notify"
	"github.com/JakeFAU/linuxdo-checkin/internal/score"
	"github.com/JakeFAU/linuxdo-checkin/internal/session"
)

type stubSession struct {
	mu        sync.Mutex
	establish func(ctx context.Context) (session.State, error)
	authed    bool
	attempts  int
}

func (s *stubSession) Name() string { return "scripted" }

func (s *stubSession) Authenticated(context.Context) (bool, error) { return s.authed, nil }

func (s *stubSession) Establish(ctx context.Context, _ account.Account) (session.State, error) {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	if s.establish != nil {
		return s.establish(ctx)
	}
	return session.State{Authenticated: true}, nil
}

func (s *stubSession) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

type stubBridge struct {
	authed bool
}

func (b *stubBridge) Name() string { return "browser" }

func (b *stubBridge) Authenticated(context.Context) (bool, error) { return b.authed, nil }

func (b *stubBridge) Sync(context.Context, []session.Cookie) error { return nil }

type stubBrowser func(ctx context.Context, limit int) (browse.Result, error)

func (f stubBrowser) Browse(ctx context.Context, limit int) (browse.Result, error) { return f(ctx, limit) }

type stubScore struct {
	records []score.Record
	err     error
}

func (s stubScore) Read(context.Context) ([]score.Record, error) { return s.records, s.err }

func testConfig() Config {
	return Config{
		LoginRetries: 3,
		Timeout:      5 * time.Second,
		Grace:        time.Second,
		ScoreOut:     &bytes.Buffer{},
	}
}

func newClock() *clocktest.Fake { return clocktest.New(time.Unix(1_700_000_000, 0)) }

// loggedInOnSession marks the page as logged in when it is opened with a
// session cookie the forum recognises.
func loggedInOnSession(forum *forumtest.Forum) func(p *browsertest.Page, url string) error {
	return func(p *browsertest.Page, _ string) error {
		for _, c := range p.Cookies() {
			if c.Name != forumtest.SessionCookie {
				continue
			}
			if _, ok := forum.SessionUser(c.Value); ok {
				p.SetSelector(browser.CurrentUserSelector, true)
			}
		}
		return nil
	}
}

func TestTwoAccountsWithoutBrowsingNotifyOnce(t *testing.T) {
	t.Parallel()

	forum := forumtest.New(t, map[string]string{"alice": "pw-a", "bob@example.com": "pw-b"})
	clk := newClock()
	var engines []*browsertest.Browser
	var mu sync.Mutex

	factory := FactoryFunc(func(ctx context.Context, acct account.Account) (*Components, error) {
		client, err := session.New(session.Config{BaseURL: forum.URL(), UserAgent: "TestAgent"}, zap.NewNop())
		if err != nil {
			return nil, err
		}
		engine := &browsertest.Browser{
			NewPage: func(int) *browsertest.Page {
				return &browsertest.Page{OnNavigate: loggedInOnSession(forum)}
			},
		}
		page, err := engine.OpenPage(ctx)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		engines = append(engines, engine)
		mu.Unlock()
		return &Components{
			Session: client,
			Bridge:  browser.NewBridge(page, browser.BridgeConfig{HomeURL: forum.URL()}, clk, zap.NewNop()),
			Page:    page,
			Engine:  engine,
		}, nil
	})

	accounts := []account.Account{
		{Username: "alice", Password: "pw-a"},
		{Username: "bob@example.com", Password: "pw-b"},
	}
	outcomes := New(testConfig(), factory, clk, zap.NewNop()).RunBatch(context.Background(), accounts)

	require.Len(t, outcomes, 2)
	for i, o := range outcomes {
		assert.True(t, o.Success(), "account %d: %v", i, o.Err)
		assert.Equal(t, StateDone, o.State)
		assert.False(t, o.Degraded)
		assert.Nil(t, o.Browse)
		assert.Equal(t, i+1, o.Index)
	}
	assert.Equal(t, "账号 a***e: ✅登录成功", outcomes[0].StatusLine)
	assert.Equal(t, "账号 b***b@example.com: ✅登录成功", outcomes[1].StatusLine)

	message, succeeded := Summary(outcomes)
	assert.Equal(t, 2, succeeded)
	assert.True(t, strings.HasPrefix(message, "成功 2/2\n"))

	for _, e := range engines {
		assert.True(t, e.Closed())
		for _, p := range e.Pages() {
			assert.True(t, p.Closed())
		}
	}

	var gotifyCalls, scCalls atomic.Int32
	gotify := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		gotifyCalls.Add(1)
	}))
	defer gotify.Close()
	sc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		scCalls.Add(1)
	}))
	defer sc.Close()

	dispatcher := notify.NewDispatcherWith("LINUX DO", []notify.Backend{
		notify.NewGotify(gotify.URL, "tok"),
		notify.NewServerChan(notify.ServerChanConfig{Key: "sct9tkey", Endpoint: sc.URL + "/%s/%s"}, clk, zap.NewNop()),
	}, zap.NewNop())
	require.NoError(t, dispatcher.Send(context.Background(), message))
	assert.EqualValues(t, 1, gotifyCalls.Load())
	assert.EqualValues(t, 1, scCalls.Load())
}

func TestLoginHangingPastBudgetTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sess := &stubSession{
		establish: func(ctx context.Context) (session.State, error) {
			<-ctx.Done()
			return session.State{}, ctx.Err()
		},
	}
	page := &browsertest.Page{}
	engine := &browsertest.Browser{}
	factory := FactoryFunc(func(context.Context, account.Account) (*Components, error) {
		return &Components{Session: sess, Bridge: &stubBridge{}, Page: page, Engine: engine}, nil
	})

	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond
	cfg.BrowseEnabled = true

	started := time.Now()
	out := New(cfg, factory, newClock(), zap.NewNop()).
		RunAccount(context.Background(), account.Account{Username: "alice", Password: "pw"}, 1, 1)
	elapsed := time.Since(started)

	assert.True(t, out.TimedOut)
	assert.Equal(t, StateTimedOut, out.State)
	assert.ErrorIs(t, out.Err, ErrAccountTimeout)
	assert.False(t, out.Success())
	assert.Equal(t, "账号 a***e: ⏰执行超时", out.StatusLine)
	assert.Less(t, elapsed, 2*time.Second)
	assert.True(t, page.Closed())
	assert.True(t, engine.Closed())
	assert.Equal(t, 1, sess.Attempts())
}

func TestScriptedOnlyConfirmationIsDegradedSuccess(t *testing.T) {
	t.Parallel()

	sess := &stubSession{authed: true}
	factory := FactoryFunc(func(context.Context, account.Account) (*Components, error) {
		return &Components{Session: sess, Bridge: &stubBridge{authed: false}}, nil
	})

	out := New(testConfig(), factory, newClock(), zap.NewNop()).
		RunAccount(context.Background(), account.Account{Username: "alice"}, 1, 1)

	assert.True(t, out.LoginOK)
	assert.True(t, out.Degraded)
	assert.True(t, out.Success())
	assert.Equal(t, 1, sess.Attempts())
}

func TestUnverifiedLoginFailsAfterRetries(t *testing.T) {
	t.Parallel()

	sess := &stubSession{}
	clk := newClock()
	factory := FactoryFunc(func(context.Context, account.Account) (*Components, error) {
		return &Components{Session: sess, Bridge: &stubBridge{}}, nil
	})
	cfg := testConfig()
	cfg.BrowseEnabled = true

	out := New(cfg, factory, clk, zap.NewNop()).
		RunAccount(context.Background(), account.Account{Username: "alice"}, 1, 1)

	assert.False(t, out.LoginOK)
	assert.ErrorIs(t, out.Err, ErrVerification)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, 3, sess.Attempts())
	assert.Equal(t, "账号 a***e: ❌登录失败", out.StatusLine)

	sleeps := clk.Sleeps()
	require.Len(t, sleeps, 2)
	for _, d := range sleeps {
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestEveryLoginRetryFetchesFreshToken(t *testing.T) {
	t.Parallel()

	forum := forumtest.New(t, map[string]string{"alice": "pw"})
	forum.FailLogin(http.StatusBadGateway)
	factory := FactoryFunc(func(context.Context, account.Account) (*Components, error) {
		client, err := session.New(session.Config{BaseURL: forum.URL()}, zap.NewNop())
		if err != nil {
			return nil, err
		}
		return &Components{Session: client, Bridge: &stubBridge{}}, nil
	})

	out := New(testConfig(), factory, newClock(), zap.NewNop()).
		RunAccount(context.Background(), account.Account{Username: "alice", Password: "pw"}, 1, 1)

	assert.False(t, out.LoginOK)
	assert.ErrorIs(t, out.Err, session.ErrLoginRejected)
	tokens := forum.IssuedTokens()
	require.Len(t, tokens, 3)
	for i := 1; i < len(tokens); i++ {
		assert.NotEqual(t, tokens[i-1], tokens[i])
	}
}

func TestBrowsingAndScoreReporting(t *testing.T) {
	t.Parallel()

	var gotLimit int
	out := &bytes.Buffer{}
	factory := FactoryFunc(func(context.Context, account.Account) (*Components, error) {
		return &Components{
			Session: &stubSession{},
			Bridge:  &stubBridge{authed: true},
			Browser: stubBrowser(func(_ context.Context, limit int) (browse.Result, error) {
				gotLimit = limit
				return browse.Result{Available: 20, Sampled: limit, Visited: limit}, nil
			}),
			Score: stubScore{records: []score.Record{{Item: "访问次数", Current: "1", Requirement: "50"}}},
		}, nil
	})
	cfg := testConfig()
	cfg.BrowseEnabled = true
	cfg.ScoreOut = out

	result := New(cfg, factory, newClock(), zap.NewNop()).
		RunAccount(context.Background(), account.Account{Username: "alice", BrowseCap: 4}, 1, 1)

	require.NotNil(t, result.Browse)
	assert.True(t, *result.Browse)
	assert.Equal(t, 4, gotLimit)
	assert.Equal(t, 4, result.Browsed.Visited)
	assert.Equal(t, "账号 a***e: ✅登录成功 + 浏览任务完成", result.StatusLine)
	assert.Len(t, result.Scores, 1)
	assert.Contains(t, out.String(), "Connect Info (a***e)")
}

func TestBrowsingFailureIsReported(t *testing.T) {
	t.Parallel()

	factory := FactoryFunc(func(context.Context, account.Account) (*Components, error) {
		return &Components{
			Session: &stubSession{},
			Bridge:  &stubBridge{authed: true},
			Browser: stubBrowser(func(context.Context, int) (browse.Result, error) {
				return browse.Result{}, browse.ErrNoTopicList
			}),
			Score: stubScore{err: errors.New("connect down")},
		}, nil
	})
	cfg := testConfig()
	cfg.BrowseEnabled = true

	out := New(cfg, factory, newClock(), zap.NewNop()).
		RunAccount(context.Background(), account.Account{Username: "alice"}, 1, 1)

	assert.True(t, out.LoginOK)
	require.NotNil(t, out.Browse)
	assert.False(t, *out.Browse)
	assert.False(t, out.Success())
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, "账号 a***e: ✅登录成功 + 浏览任务失败", out.StatusLine)
}

func TestPanicIsContainedToAccount(t *testing.T) {
	t.Parallel()

	page := &browsertest.Page{CloseErr: errors.New("tab already gone")}
	engine := &browsertest.Browser{}
	calls := 0
	factory := FactoryFunc(func(context.Context, account.Account) (*Components, error) {
		calls++
		comps := &Components{Session: &stubSession{}, Bridge: &stubBridge{authed: true}}
		if calls == 1 {
			comps.Page = page
			comps.Engine = engine
			comps.Browser = stubBrowser(func(context.Context, int) (browse.Result, error) {
				panic("selector engine exploded")
			})
		} else {
			comps.Browser = stubBrowser(func(context.Context, int) (browse.Result, error) {
				return browse.Result{}, nil
			})
		}
		return comps, nil
	})
	cfg := testConfig()
	cfg.BrowseEnabled = true

	outcomes := New(cfg, factory, newClock(), zap.NewNop()).RunBatch(context.Background(), []account.Account{
		{Username: "alice"}, {Username: "bob"},
	})

	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].Success())
	require.Error(t, outcomes[0].Err)
	assert.Contains(t, outcomes[0].Err.Error(), "selector engine exploded")
	assert.True(t, page.Closed())
	assert.True(t, engine.Closed())
	assert.True(t, outcomes[1].Success())

	message, succeeded := Summary(outcomes)
	assert.Equal(t, 1, succeeded)
	assert.Contains(t, message, "成功 1/2")
}

func TestFactoryFailureReleasesPartialComponents(t *testing.T) {
	t.Parallel()

	engine := &browsertest.Browser{}
	factory := FactoryFunc(func(context.Context, account.Account) (*Components, error) {
		return &Components{Engine: engine}, errors.New("chrome not found")
	})

	out := New(testConfig(), factory, newClock(), zap.NewNop()).
		RunAccount(context.Background(), account.Account{Username: "alice"}, 1, 1)

	assert.False(t, out.LoginOK)
	assert.ErrorContains(t, out.Err, "chrome not found")
	assert.True(t, engine.Closed())
	assert.Equal(t, "账号 a***e: ❌登录失败", out.StatusLine)
}

func TestFinishedRunBeatsSimultaneousDeadline(t *testing.T) {
	t.Parallel()

	s := New(testConfig(), nil, newClock(), zap.NewNop())
	for i := 0; i < 50; i++ {
		runCtx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		results := make(chan Outcome, 1)
		results <- Outcome{State: StateDone, LoginOK: true}

		out, pending := s.collect(runCtx, results, &tracker{state: StateNotifying}, zap.NewNop())
		cancel()

		require.False(t, pending)
		require.False(t, out.TimedOut)
		require.Equal(t, StateDone, out.State)
	}
}

func TestUnfinishedResultAtDeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	s := New(testConfig(), nil, newClock(), zap.NewNop())
	runCtx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	results := make(chan Outcome, 1)
	results <- Outcome{State: StateBrowsing, LoginOK: true}

	out, pending := s.collect(runCtx, results, &tracker{state: StateBrowsing}, zap.NewNop())
	assert.False(t, pending)
	assert.True(t, out.TimedOut)
	assert.Equal(t, StateTimedOut, out.State)
}
