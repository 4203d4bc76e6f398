// Package notify composes check-in reports and delivers them to push
// services.
package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/clock"
	"github.com/JakeFAU/linuxdo-checkin/internal/metrics"
	"github.com/JakeFAU/linuxdo-checkin/internal/retry"
)

var (
	// ErrDelivery indicates a push service did not accept a message.
	ErrDelivery = errors.New("notification delivery failed")
	// ErrInvalidSendKey indicates a ServerChan key without a uid.
	ErrInvalidSendKey = errors.New("invalid serverchan send key")
)

const (
	// DefaultServerChanEndpoint is formatted with the uid and the key.
	DefaultServerChanEndpoint = "https://%s.push.ft07.com/send/%s"

	deliveryTimeout = 10 * time.Second
)

var sendKeyPattern = regexp.MustCompile(`(?i)^sct(\d+)t`)

// Backend delivers one message.
type Backend interface {
	Name() string
	Send(ctx context.Context, title, message string) error
}

// Gotify posts messages to a Gotify server.
type Gotify struct {
	http  *resty.Client
	token string
}

// NewGotify builds a Gotify backend for the server at baseURL.
func NewGotify(baseURL, token string) *Gotify {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(deliveryTimeout)
	return &Gotify{http: client, token: token}
}

// Name implements Backend.
func (g *Gotify) Name() string { return "gotify" }

// Send implements Backend.
func (g *Gotify) Send(ctx context.Context, title, message string) error {
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParam("token", g.token).
		SetBody(map[string]any{
			"title":    title,
			"message":  message,
			"priority": 1,
		}).
		Post("/message")
	if err != nil {
		return fmt.Errorf("%w: gotify: %w", ErrDelivery, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: gotify status %d", ErrDelivery, resp.StatusCode())
	}
	return nil
}

// ServerChanConfig configures a ServerChan³ backend.
type ServerChanConfig struct {
	Key string
	// Endpoint is a format string receiving the uid and the key.
	Endpoint string
	Attempts int
	Backoff  retry.BackoffFunc
}

// ServerChan sends messages through ServerChan³.
type ServerChan struct {
	cfg    ServerChanConfig
	http   *resty.Client
	clock  clock.Clock
	logger *zap.Logger
}

// NewServerChan builds a ServerChan backend. The key is validated on send.
func NewServerChan(cfg ServerChanConfig, clk clock.Clock, logger *zap.Logger) *ServerChan {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultServerChanEndpoint
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 5
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.Uniform(180*time.Second, 360*time.Second)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServerChan{
		cfg:    cfg,
		http:   resty.New().SetTimeout(deliveryTimeout),
		clock:  clk,
		logger: logger,
	}
}

// Name implements Backend.
func (s *ServerChan) Name() string { return "serverchan" }

// ParseSendKey extracts the uid from a key of the form sct<uid>t....
func ParseSendKey(key string) (string, error) {
	m := sendKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", ErrInvalidSendKey
	}
	return m[1], nil
}

// Send implements Backend, retrying failed deliveries.
func (s *ServerChan) Send(ctx context.Context, title, message string) error {
	uid, err := ParseSendKey(s.cfg.Key)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf(s.cfg.Endpoint, uid, s.cfg.Key)
	policy := retry.Policy{MaxAttempts: s.cfg.Attempts, Backoff: s.cfg.Backoff}

	return retry.Do(ctx, s.clock, policy, func(ctx context.Context, _ int) error {
		resp, err := s.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"title": title, "desp": message}).
			Get(endpoint)
		if err != nil {
			return fmt.Errorf("%w: serverchan: %w", ErrDelivery, err)
		}
		if resp.IsError() {
			return fmt.Errorf("%w: serverchan status %d", ErrDelivery, resp.StatusCode())
		}
		s.logger.Info("serverchan accepted message", zap.String("response", strings.TrimSpace(resp.String())))
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("serverchan delivery failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	})
}

// Config selects the backends a Dispatcher uses.
type Config struct {
	Title         string
	GotifyURL     string
	GotifyToken   string
	ServerChanKey string
}

// Dispatcher delivers a message to every configured backend independently.
type Dispatcher struct {
	title    string
	backends []Backend
	logger   *zap.Logger
}

// NewDispatcher builds backends from cfg. Incomplete settings skip a backend.
func NewDispatcher(cfg Config, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	var backends []Backend
	if cfg.GotifyURL != "" && cfg.GotifyToken != "" {
		backends = append(backends, NewGotify(cfg.GotifyURL, cfg.GotifyToken))
	} else {
		logger.Info("gotify not configured, skipping")
	}
	if cfg.ServerChanKey != "" {
		backends = append(backends, NewServerChan(ServerChanConfig{Key: cfg.ServerChanKey}, clk, logger))
	} else {
		logger.Info("serverchan not configured, skipping")
	}
	return NewDispatcherWith(cfg.Title, backends, logger)
}

// NewDispatcherWith builds a Dispatcher over explicit backends.
func NewDispatcherWith(title string, backends []Backend, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{title: title, backends: backends, logger: logger}
}

// Backends lists the configured backend names.
func (d *Dispatcher) Backends() []string {
	names := make([]string, 0, len(d.backends))
	for _, b := range d.backends {
		names = append(names, b.Name())
	}
	return names
}

// Send delivers message to each backend. Failures are logged and joined;
// one backend failing never stops another.
func (d *Dispatcher) Send(ctx context.Context, message string) error {
	var errs []error
	for _, b := range d.backends {
		log := d.logger.With(zap.String("backend", b.Name()))
		err := b.Send(ctx, d.title, message)
		switch {
		case err == nil:
			log.Info("notification sent")
			metrics.ObserveNotification(b.Name(), "sent")
		case errors.Is(err, ErrInvalidSendKey):
			log.Error("send key is malformed, no uid found", zap.Error(err))
			metrics.ObserveNotification(b.Name(), "invalid")
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		default:
			log.Error("notification failed", zap.Error(err))
			metrics.ObserveNotification(b.Name(), "failed")
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}
