// Package supervisor runs each account through login, browsing, score
// reading, and status composition under a wall-clock budget.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/account"
	"github.com/JakeFAU/linuxdo-checkin/internal/browse"
	"github.com/JakeFAU/linuxdo-checkin/internal/browser"
	"github.com/JakeFAU/linuxdo-checkin/internal/clock"
	"github.com/JakeFAU/linuxdo-checkin/internal/metrics"
	"github.com/JakeFAU/linuxdo-checkin/internal/notify"
	"github.com/JakeFAU/linuxdo-checkin/internal/retry"
	"github.com/JakeFAU/linuxdo-checkin/internal/score"
	"github.com/JakeFAU/linuxdo-checkin/internal/session"
	"github.com/JakeFAU/linuxdo-checkin/internal/verify"
)

var (
	// ErrVerification indicates the login went through but neither observer
	// saw an authenticated session.
	ErrVerification = errors.New("login not verified")
	// ErrAccountTimeout indicates the account exceeded its budget.
	ErrAccountTimeout = errors.New("account timed out")
)

// State is a step of an account run.
type State string

// Account run states.
const (
	StateIdle         State = "idle"
	StateLoggingIn    State = "logging_in"
	StateLoggedIn     State = "logged_in"
	StateLoginFailed  State = "login_failed"
	StateBrowsing     State = "browsing"
	StateReadingScore State = "reading_score"
	StateNotifying    State = "notifying"
	StateDone         State = "done"
	StateTimedOut     State = "timed_out"
)

// SessionClient performs the scripted login and observes its result.
type SessionClient interface {
	verify.Observer
	Establish(ctx context.Context, acct account.Account) (session.State, error)
}

// Bridge carries session cookies into the browser and observes the result.
type Bridge interface {
	verify.Observer
	Sync(ctx context.Context, cookies []session.Cookie) error
}

// Browser browses topics after login.
type Browser interface {
	Browse(ctx context.Context, limit int) (browse.Result, error)
}

// ScoreReader fetches the account's requirement table.
type ScoreReader interface {
	Read(ctx context.Context) ([]score.Record, error)
}

// Components are the per-account collaborators. Page and Engine are released
// in that order when the run ends.
type Components struct {
	Session SessionClient
	Bridge  Bridge
	Browser Browser
	Score   ScoreReader
	Page    browser.Page
	Engine  browser.Browser
}

// Factory builds fresh components for one account. On error it may return
// partially built components, which are still released.
type Factory interface {
	Build(ctx context.Context, acct account.Account) (*Components, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, acct account.Account) (*Components, error)

// Build implements Factory.
func (f FactoryFunc) Build(ctx context.Context, acct account.Account) (*Components, error) {
	return f(ctx, acct)
}

// Config tunes the supervisor.
type Config struct {
	LoginRetries  int
	LoginBackoff  retry.BackoffFunc
	BrowseEnabled bool
	Timeout       time.Duration
	// Grace bounds how long a timed-out run may take to unwind after its
	// resources are released.
	Grace time.Duration
	// ScoreOut receives rendered score tables. Nil means stdout.
	ScoreOut io.Writer
}

// Outcome is the result of one account run.
type Outcome struct {
	Account    account.Account
	Index      int
	State      State
	LoginOK    bool
	Degraded   bool
	Browse     *bool
	Browsed    browse.Result
	Scores     []score.Record
	TimedOut   bool
	Err        error
	StatusLine string
	Duration   time.Duration
}

// Success reports whether the run completed, the account logged in, and
// browsing succeeded when it ran.
func (o Outcome) Success() bool {
	if o.State != StateDone || o.TimedOut || !o.LoginOK {
		return false
	}
	return o.Browse == nil || *o.Browse
}

// Supervisor runs accounts one at a time.
type Supervisor struct {
	cfg     Config
	factory Factory
	clock   clock.Clock
	logger  *zap.Logger
}

// New builds a Supervisor.
func New(cfg Config, factory Factory, clk clock.Clock, logger *zap.Logger) *Supervisor {
	if cfg.LoginRetries < 1 {
		cfg.LoginRetries = 1
	}
	if cfg.LoginBackoff == nil {
		cfg.LoginBackoff = retry.Uniform(2*time.Second, 4*time.Second)
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if cfg.ScoreOut == nil {
		cfg.ScoreOut = os.Stdout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, factory: factory, clock: clk, logger: logger}
}

// RunBatch processes accounts in order and returns one outcome per account.
func (s *Supervisor) RunBatch(ctx context.Context, accounts []account.Account) []Outcome {
	outcomes := make([]Outcome, 0, len(accounts))
	for i, acct := range accounts {
		outcomes = append(outcomes, s.RunAccount(ctx, acct, i+1, len(accounts)))
	}
	return outcomes
}

// tracker records how far a run got so a timeout can report it.
type tracker struct {
	mu      sync.Mutex
	state   State
	loginOK bool
	comps   *Components
}

func (t *tracker) set(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

func (t *tracker) snapshot() (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.loginOK
}

func (t *tracker) loggedIn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loginOK = true
}

func (t *tracker) setComponents(c *Components) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.comps = c
}

func (t *tracker) components() *Components {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.comps
}

// RunAccount processes one account. It always returns, releases the
// account's browser, and never lets a panic escape.
func (s *Supervisor) RunAccount(ctx context.Context, acct account.Account, index, total int) Outcome {
	start := s.clock.Now()
	log := s.logger.With(
		zap.String("account", acct.DisplayName()),
		zap.Int("index", index),
		zap.Int("total", total),
	)
	log.Info("account run started",
		zap.Duration("budget", s.cfg.Timeout),
		zap.Bool("browse", s.cfg.BrowseEnabled),
		zap.Bool("custom_user_agent", acct.HasCustomUserAgent()))

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	tr := &tracker{state: StateIdle}
	var teardownOnce sync.Once
	teardown := func() {
		teardownOnce.Do(func() { s.teardown(tr.components(), log) })
	}

	results := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				state, loginOK := tr.snapshot()
				log.Error("account run panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				results <- Outcome{State: state, LoginOK: loginOK, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		results <- s.pipeline(runCtx, acct, tr, log)
	}()

	out, pending := s.collect(runCtx, results, tr, log)
	cancel()
	teardown()
	if pending {
		s.awaitUnwind(results, log)
	}

	out.Account = acct
	out.Index = index
	out.Duration = s.clock.Now().Sub(start)
	if out.StatusLine == "" {
		out.StatusLine = notify.StatusLine(acct.DisplayName(), out.LoginOK, s.cfg.BrowseEnabled, out.Browse, out.TimedOut)
	}

	outcome := "failure"
	switch {
	case out.TimedOut:
		outcome = "timeout"
	case out.Success():
		outcome = "success"
	}
	metrics.ObserveAccount(outcome, out.Duration)
	log.Info("account run finished",
		zap.String("outcome", outcome),
		zap.String("state", string(out.State)),
		zap.Duration("duration", out.Duration),
		zap.Error(out.Err))
	return out
}

// collect waits for the pipeline or the deadline. A result already sent when
// the deadline fires wins over the timeout. pending reports that the pipeline
// has not returned yet.
func (s *Supervisor) collect(runCtx context.Context, results <-chan Outcome, tr *tracker, log *zap.Logger) (out Outcome, pending bool) {
	select {
	case out = <-results:
		return s.settle(runCtx, out, tr, log), false
	case <-runCtx.Done():
		select {
		case out = <-results:
			return s.settle(runCtx, out, tr, log), false
		default:
		}
		return s.timedOut(tr, log), true
	}
}

// settle turns an unfinished result cut short by the deadline into a timeout.
func (s *Supervisor) settle(runCtx context.Context, out Outcome, tr *tracker, log *zap.Logger) Outcome {
	if out.State != StateDone && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return s.timedOut(tr, log)
	}
	return out
}

func (s *Supervisor) timedOut(tr *tracker, log *zap.Logger) Outcome {
	state, loginOK := tr.snapshot()
	log.Error("account exceeded its budget", zap.String("state", string(state)), zap.Duration("budget", s.cfg.Timeout))
	return Outcome{
		State:    StateTimedOut,
		LoginOK:  loginOK,
		TimedOut: true,
		Err:      fmt.Errorf("%w after %s in state %s", ErrAccountTimeout, s.cfg.Timeout, state),
	}
}

// awaitUnwind gives the cancelled pipeline a bounded time to return.
func (s *Supervisor) awaitUnwind(results <-chan Outcome, log *zap.Logger) {
	timer := time.NewTimer(s.cfg.Grace)
	defer timer.Stop()
	select {
	case <-results:
	case <-timer.C:
		log.Warn("timed-out run still unwinding", zap.Duration("grace", s.cfg.Grace))
	}
}

// teardown closes the tab, then the browser. Errors are logged only.
func (s *Supervisor) teardown(c *Components, log *zap.Logger) {
	if c == nil {
		return
	}
	if c.Page != nil {
		if err := safeClose(c.Page.Close); err != nil {
			log.Warn("closing tab failed", zap.Error(err))
		}
	}
	if c.Engine != nil {
		if err := safeClose(c.Engine.Close); err != nil {
			log.Warn("closing browser failed", zap.Error(err))
		}
	}
	log.Debug("account resources released")
}

func safeClose(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during close: %v", r)
		}
	}()
	return fn()
}

func (s *Supervisor) pipeline(ctx context.Context, acct account.Account, tr *tracker, log *zap.Logger) Outcome {
	var out Outcome
	name := acct.DisplayName()

	tr.set(StateLoggingIn)
	comps, err := s.factory.Build(ctx, acct)
	tr.setComponents(comps)
	if err != nil {
		out.Err = fmt.Errorf("prepare account: %w", err)
		log.Error("could not prepare account", zap.Error(err))
	} else {
		verdict, loginErr := s.login(ctx, comps, acct, log)
		out.LoginOK = verdict.LoggedIn
		out.Degraded = verdict.Degraded
		out.Err = loginErr
	}
	if ctx.Err() != nil {
		out.State = StateLoggingIn
		return out
	}

	if !out.LoginOK {
		tr.set(StateLoginFailed)
		log.Error("login failed", zap.Error(out.Err))
	} else {
		tr.loggedIn()
		tr.set(StateLoggedIn)
		log.Info("login succeeded", zap.Bool("degraded", out.Degraded))

		if s.cfg.BrowseEnabled {
			tr.set(StateBrowsing)
			ok := s.browse(ctx, comps, acct, &out, log)
			out.Browse = &ok
			if ctx.Err() != nil {
				out.State = StateBrowsing
				return out
			}
		}

		tr.set(StateReadingScore)
		s.readScore(ctx, comps, name, &out, log)
		if ctx.Err() != nil {
			out.State = StateReadingScore
			return out
		}
	}

	tr.set(StateNotifying)
	out.StatusLine = notify.StatusLine(name, out.LoginOK, s.cfg.BrowseEnabled, out.Browse, false)
	tr.set(StateDone)
	out.State = StateDone
	return out
}

func (s *Supervisor) login(ctx context.Context, comps *Components, acct account.Account, log *zap.Logger) (verify.Verdict, error) {
	policy := retry.Policy{MaxAttempts: s.cfg.LoginRetries, Backoff: s.cfg.LoginBackoff}
	var verdict verify.Verdict

	err := retry.Do(ctx, s.clock, policy, func(ctx context.Context, attempt int) error {
		log.Info("login attempt", zap.Int("attempt", attempt), zap.Int("max_attempts", s.cfg.LoginRetries))
		state, err := comps.Session.Establish(ctx, acct)
		if err != nil {
			metrics.ObserveLoginAttempt(loginResult(err))
			return err
		}
		if err := comps.Bridge.Sync(ctx, state.Cookies); err != nil {
			metrics.ObserveLoginAttempt("sync_failed")
			return fmt.Errorf("sync browser session: %w", err)
		}
		verdict = verify.New(comps.Session, comps.Bridge, log).Verify(ctx)
		if !verdict.LoggedIn {
			metrics.ObserveLoginAttempt("unverified")
			return ErrVerification
		}
		metrics.ObserveLoginAttempt("success")
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		log.Warn("login attempt failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	})
	if err != nil {
		return verify.Verdict{}, err
	}
	return verdict, nil
}

func loginResult(err error) string {
	switch {
	case errors.Is(err, session.ErrCSRFFetch):
		return "csrf_failed"
	case errors.Is(err, session.ErrLoginRejected):
		return "rejected"
	case errors.Is(err, session.ErrLoginTransport):
		return "transport_failed"
	default:
		return "error"
	}
}

func (s *Supervisor) browse(ctx context.Context, comps *Components, acct account.Account, out *Outcome, log *zap.Logger) bool {
	if comps.Browser == nil {
		log.Warn("no browsing simulator available")
		return false
	}
	log.Info("browsing topics", zap.Int("cap", acct.BrowseCap))
	res, err := comps.Browser.Browse(ctx, acct.BrowseCap)
	out.Browsed = res
	metrics.ObserveTopics("visited", res.Visited)
	metrics.ObserveTopics("failed", res.Failed)
	if err != nil {
		log.Error("browsing failed", zap.Error(err))
		return false
	}
	log.Info("browsing finished",
		zap.Int("visited", res.Visited), zap.Int("failed", res.Failed), zap.Int("liked", res.Liked))
	return true
}

func (s *Supervisor) readScore(ctx context.Context, comps *Components, name string, out *Outcome, log *zap.Logger) {
	if comps.Score == nil {
		return
	}
	records, err := comps.Score.Read(ctx)
	if err != nil {
		log.Warn("reading connect info failed", zap.Error(err))
		return
	}
	out.Scores = records
	score.Render(s.cfg.ScoreOut, name, records)
}

// Summary composes the batch report from outcomes in order.
func Summary(outcomes []Outcome) (string, int) {
	lines := make([]string, 0, len(outcomes))
	succeeded := 0
	for _, o := range outcomes {
		lines = append(lines, o.StatusLine)
		if o.Success() {
			succeeded++
		}
	}
	return notify.Summary(lines, succeeded, len(outcomes)), succeeded
}
