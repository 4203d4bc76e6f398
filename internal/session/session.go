// Package session drives the scripted HTTP login against the forum: CSRF
// token fetch, credential POST, and cookie harvest.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/account"
)

var (
	// ErrCSRFFetch indicates the anti-forgery token could not be obtained.
	ErrCSRFFetch = errors.New("csrf fetch failed")
	// ErrLoginTransport indicates the login request never produced a response.
	ErrLoginTransport = errors.New("login transport failed")
	// ErrLoginRejected indicates the forum answered the login with a refusal.
	ErrLoginRejected = errors.New("login rejected")
)

// RejectedError carries the forum's refusal details.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("login rejected (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("login rejected (status %d)", e.Status)
}

// Unwrap lets errors.Is match ErrLoginRejected.
func (e *RejectedError) Unwrap() error { return ErrLoginRejected }

const (
	acceptJSON     = "application/json, text/javascript, */*; q=0.01"
	acceptLanguage = "zh-CN,zh;q=0.9"
	loginTimezone  = "Asia/Shanghai"
	tokenLogPrefix = 10
)

// Config configures a Client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Cookie is a harvested session cookie ready for browser injection.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// State is the result of a successful Establish.
type State struct {
	CSRFToken     string
	Cookies       []Cookie
	Authenticated bool
}

// Client is the scripted HTTP session for one account. It is not safe for
// concurrent Establish calls.
type Client struct {
	base          *url.URL
	defaultDomain string
	userAgent     string
	logger        *zap.Logger
	http          *resty.Client

	mu       sync.Mutex
	jar      http.CookieJar
	captured map[string]Cookie
}

// New builds a Client with a browser-like TLS fingerprint and an empty jar.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid forum url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(base.String())
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("User-Agent", cfg.UserAgent)
	client.SetHeader("Accept", acceptJSON)
	client.SetHeader("Accept-Language", acceptLanguage)
	client.SetTimeout(timeout)

	c := &Client{
		base:          base,
		defaultDomain: apexDomain(base.Hostname()),
		userAgent:     cfg.UserAgent,
		logger:        logger,
		http:          client,
	}
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		c.capture(resp.Cookies())
		return nil
	})
	if err := c.reset(); err != nil {
		return nil, err
	}
	return c, nil
}

// Name identifies the client as a login observer.
func (c *Client) Name() string { return "scripted" }

// Jar exposes the session's cookies to other HTTP readers. It always refers
// to the jar of the most recent Establish.
func (c *Client) Jar() http.CookieJar { return sharedJar{c: c} }

type sharedJar struct{ c *Client }

func (j sharedJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.c.currentJar().SetCookies(u, cookies)
}

func (j sharedJar) Cookies(u *url.URL) []*http.Cookie {
	return j.c.currentJar().Cookies(u)
}

func (c *Client) currentJar() http.CookieJar {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jar
}

// Establish runs a full login from a clean slate: fresh jar, fresh CSRF
// token, credential POST, cookie harvest.
func (c *Client) Establish(ctx context.Context, acct account.Account) (State, error) {
	if err := c.reset(); err != nil {
		return State{}, err
	}
	log := c.logger.With(zap.String("account", acct.DisplayName()))

	log.Info("fetching csrf token")
	token, err := c.FetchCSRF(ctx)
	if err != nil {
		return State{}, err
	}
	log.Info("csrf token obtained", zap.String("csrf", truncate(token, tokenLogPrefix)+"..."))

	log.Info("submitting credentials")
	if err := c.Login(ctx, token, acct.Username, acct.Password); err != nil {
		return State{}, err
	}
	log.Info("login accepted")

	return State{
		CSRFToken:     token,
		Cookies:       c.Cookies(),
		Authenticated: true,
	}, nil
}

// FetchCSRF requests a new anti-forgery token.
func (c *Client) FetchCSRF(ctx context.Context) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetHeader("Referer", c.endpoint("/login")).
		Get("/session/csrf")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCSRFFetch, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrCSRFFetch, resp.StatusCode())
	}
	var body struct {
		CSRF string `json:"csrf"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("%w: decode body: %w", ErrCSRFFetch, err)
	}
	if body.CSRF == "" {
		return "", fmt.Errorf("%w: empty token", ErrCSRFFetch)
	}
	return body.CSRF, nil
}

// Login posts the credentials with the given token. A non-200 status or a
// non-empty error field in the body is a rejection.
func (c *Client) Login(ctx context.Context, token, username, password string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetHeader("X-CSRF-Token", token).
		SetHeader("Origin", c.origin()).
		SetHeader("Referer", c.endpoint("/login")).
		SetFormData(map[string]string{
			"login":                username,
			"password":             password,
			"second_factor_method": "1",
			"timezone":             loginTimezone,
		}).
		Post("/session")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginTransport, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &RejectedError{Status: resp.StatusCode(), Message: snippet(resp.String())}
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return &RejectedError{Status: resp.StatusCode(), Message: "unexpected response body: " + snippet(resp.String())}
	}
	if body.Error != "" {
		return &RejectedError{Status: resp.StatusCode(), Message: body.Error}
	}
	return nil
}

// Cookies returns the live session cookies. Attributes sent by the server are
// kept; otherwise the apex domain and root path apply.
func (c *Client) Cookies() []Cookie {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := c.jar.Cookies(c.base)
	out := make([]Cookie, 0, len(live))
	for _, ck := range live {
		cookie := Cookie{Name: ck.Name, Value: ck.Value, Domain: c.defaultDomain, Path: "/"}
		if seen, ok := c.captured[ck.Name]; ok {
			if seen.Domain != "" {
				cookie.Domain = seen.Domain
			}
			if seen.Path != "" {
				cookie.Path = seen.Path
			}
		}
		out = append(out, cookie)
	}
	return out
}

// Authenticated asks the forum whether the scripted session is logged in.
func (c *Client) Authenticated(ctx context.Context) (bool, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		Get("/session/current.json")
	if err != nil {
		return false, fmt.Errorf("query current session: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, nil
	}
	var body struct {
		CurrentUser *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"current_user"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return false, fmt.Errorf("decode current session: %w", err)
	}
	return body.CurrentUser != nil && (body.CurrentUser.Username != "" || body.CurrentUser.ID != 0), nil
}

func (c *Client) reset() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	c.mu.Lock()
	c.jar = jar
	c.captured = make(map[string]Cookie)
	c.mu.Unlock()
	c.http.SetCookieJar(jar)
	return nil
}

func (c *Client) capture(cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ck := range cookies {
		if ck.MaxAge < 0 {
			delete(c.captured, ck.Name)
			continue
		}
		domain := ck.Domain
		if domain != "" && !strings.HasPrefix(domain, ".") {
			domain = "." + domain
		}
		c.captured[ck.Name] = Cookie{Name: ck.Name, Value: ck.Value, Domain: domain, Path: ck.Path}
	}
}

func (c *Client) origin() string {
	return c.base.Scheme + "://" + c.base.Host
}

func (c *Client) endpoint(path string) string {
	return c.origin() + path
}

// apexDomain returns the cookie domain shared by the forum and its
// subdomains, e.g. ".linux.do" for "www.linux.do".
func apexDomain(host string) string {
	host = strings.TrimPrefix(host, "www.")
	return "." + host
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func snippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		return body[:200]
	}
	return body
}
