// Package browse simulates a reader opening, liking, and scrolling through a
// random sample of forum topics.
package browse

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/browser"
	"github.com/JakeFAU/linuxdo-checkin/internal/clock"
	"github.com/JakeFAU/linuxdo-checkin/internal/retry"
)

var (
	// ErrNoTopicList indicates the page has no topic list container.
	ErrNoTopicList = errors.New("topic list not found")
	// ErrNoTopics indicates the topic list is empty.
	ErrNoTopics = errors.New("no topics found")
	// ErrTopicVisit wraps a failed visit to a single topic.
	ErrTopicVisit = errors.New("topic visit failed")
)

// Selectors for the forum's topic list and reaction control.
const (
	TopicListSelector = "#list-area"
	TopicLinkSelector = "#list-area .title"
	LikeSelector      = ".discourse-reactions-reaction-button"

	atBottomScript = "window.scrollY + window.innerHeight >= document.body.scrollHeight"
)

// Config tunes the reading behaviour.
type Config struct {
	LikeChance      float64
	EarlyExitChance float64
	MaxScrolls      int
	ScrollMin       int
	ScrollMax       int
	WaitMin         time.Duration
	WaitMax         time.Duration
	LikePauseMin    time.Duration
	LikePauseMax    time.Duration
	VisitAttempts   int
	VisitBackoff    time.Duration
}

// DefaultConfig returns the standard reading behaviour.
func DefaultConfig() Config {
	return Config{
		LikeChance:      0.3,
		EarlyExitChance: 0.03,
		MaxScrolls:      10,
		ScrollMin:       550,
		ScrollMax:       650,
		WaitMin:         2 * time.Second,
		WaitMax:         4 * time.Second,
		LikePauseMin:    time.Second,
		LikePauseMax:    2 * time.Second,
		VisitAttempts:   3,
		VisitBackoff:    time.Second,
	}
}

// Opener opens new tabs for topic visits.
type Opener interface {
	OpenPage(ctx context.Context) (browser.Page, error)
}

// Result summarises one browsing session.
type Result struct {
	Available int
	Sampled   int
	Visited   int
	Failed    int
	Liked     int
}

// Simulator browses topics listed on a logged-in page.
type Simulator struct {
	list   browser.Page
	opener Opener
	cfg    Config
	rng    *rand.Rand
	clock  clock.Clock
	logger *zap.Logger
}

// New builds a Simulator reading the topic list from list and opening each
// topic in a fresh tab from opener.
func New(list browser.Page, opener Opener, cfg Config, rng *rand.Rand, clk clock.Clock, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Simulator{list: list, opener: opener, cfg: cfg, rng: rng, clock: clk, logger: logger}
}

// Browse visits min(limit, available) distinct topics. A limit of zero only
// checks that topics are listed. Failed topic visits are counted, not
// returned.
func (s *Simulator) Browse(ctx context.Context, limit int) (Result, error) {
	found, err := s.list.Exists(ctx, TopicListSelector)
	if err != nil {
		return Result{}, fmt.Errorf("locate topic list: %w", err)
	}
	if !found {
		return Result{}, ErrNoTopicList
	}
	links, err := s.list.Links(ctx, TopicLinkSelector)
	if err != nil {
		return Result{}, fmt.Errorf("collect topic links: %w", err)
	}
	topics := unique(links)
	if len(topics) == 0 {
		return Result{}, ErrNoTopics
	}

	res := Result{Available: len(topics)}
	if limit <= 0 {
		s.logger.Info("browse cap is 0, skipping topic visits")
		return res, nil
	}
	res.Sampled = min(limit, len(topics))
	s.logger.Info("topics sampled", zap.Int("available", res.Available), zap.Int("sampled", res.Sampled))

	for _, i := range s.rng.Perm(len(topics))[:res.Sampled] {
		topic := topics[i]
		liked := false
		policy := retry.Policy{MaxAttempts: s.cfg.VisitAttempts, Backoff: retry.Fixed(s.cfg.VisitBackoff)}
		err := retry.Do(ctx, s.clock, policy, func(ctx context.Context, _ int) error {
			var visitErr error
			liked, visitErr = s.visit(ctx, topic)
			return visitErr
		}, func(attempt int, err error, _ time.Duration) {
			s.logger.Warn("topic visit attempt failed",
				zap.String("topic", topic), zap.Int("attempt", attempt),
				zap.Int("max_attempts", s.cfg.VisitAttempts), zap.Error(err))
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.Failed++
			s.logger.Error("topic visit gave up", zap.String("topic", topic), zap.Error(err))
			continue
		}
		res.Visited++
		if liked {
			res.Liked++
		}
	}
	return res, nil
}

func (s *Simulator) visit(ctx context.Context, topic string) (bool, error) {
	page, err := s.opener.OpenPage(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: open tab: %w", ErrTopicVisit, err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			s.logger.Debug("close topic tab", zap.Error(closeErr))
		}
	}()

	if err := page.Navigate(ctx, topic); err != nil {
		return false, fmt.Errorf("%w: %w", ErrTopicVisit, err)
	}
	liked := false
	if s.rng.Float64() < s.cfg.LikeChance {
		liked = s.like(ctx, page)
	}
	if err := s.read(ctx, page); err != nil {
		return liked, fmt.Errorf("%w: %w", ErrTopicVisit, err)
	}
	return liked, nil
}

// like clicks the first reaction control. Failures are logged only.
func (s *Simulator) like(ctx context.Context, page browser.Page) bool {
	found, err := page.Exists(ctx, LikeSelector)
	if err != nil {
		s.logger.Error("like failed", zap.Error(err))
		return false
	}
	if !found {
		s.logger.Info("no like control, topic probably already liked")
		return false
	}
	if err := page.Click(ctx, LikeSelector); err != nil {
		s.logger.Error("like failed", zap.Error(err))
		return false
	}
	s.logger.Info("topic liked")
	if err := s.clock.Sleep(ctx, s.between(s.cfg.LikePauseMin, s.cfg.LikePauseMax)); err != nil {
		s.logger.Debug("like pause interrupted", zap.Error(err))
	}
	return true
}

// read scrolls down the topic until the bottom, a random early exit, or the
// step limit.
func (s *Simulator) read(ctx context.Context, page browser.Page) error {
	prevURL := ""
	for step := 1; step <= s.cfg.MaxScrolls; step++ {
		distance := s.cfg.ScrollMin
		if span := s.cfg.ScrollMax - s.cfg.ScrollMin; span > 0 {
			distance += s.rng.IntN(span + 1)
		}
		if err := page.Evaluate(ctx, fmt.Sprintf("window.scrollBy(0, %d)", distance), nil); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		s.logger.Debug("scrolled", zap.Int("step", step), zap.Int("pixels", distance))

		if s.rng.Float64() < s.cfg.EarlyExitChance {
			s.logger.Info("leaving topic early", zap.Int("step", step))
			return nil
		}

		var atBottom bool
		if err := page.Evaluate(ctx, atBottomScript, &atBottom); err != nil {
			return fmt.Errorf("probe scroll position: %w", err)
		}
		current, err := page.URL(ctx)
		if err != nil {
			return fmt.Errorf("read location: %w", err)
		}
		if current != prevURL {
			prevURL = current
		} else if atBottom {
			s.logger.Info("reached end of topic", zap.Int("step", step))
			return nil
		}

		if err := s.clock.Sleep(ctx, s.between(s.cfg.WaitMin, s.cfg.WaitMax)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)+1))
}

func unique(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, l := range links {
		if _, dup := seen[l]; dup || l == "" {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
