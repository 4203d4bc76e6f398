// Package score reads the account's trust-level progress from the connect
// page and renders it as a console table.
package score

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
)

// ErrUnexpectedStatus is returned when the connect page answers with a
// non-200 status.
var ErrUnexpectedStatus = errors.New("unexpected connect page status")

const acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9," +
	"image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"

// Record is one requirement row.
type Record struct {
	Item        string
	Current     string
	Requirement string
}

// Config configures a Reader.
type Config struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
}

// Reader fetches the connect page using an existing session's cookies.
type Reader struct {
	cfg       Config
	jar       http.CookieJar
	transport http.RoundTripper
	logger    *zap.Logger
}

// NewReader builds a Reader sharing jar with the scripted session.
func NewReader(cfg Config, jar http.CookieJar, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Reader{
		cfg:       cfg,
		jar:       jar,
		transport: cloudflarebp.AddCloudFlareByPass(newHTTPTransport()),
		logger:    logger,
	}
}

// Read fetches and parses the requirement table.
func (r *Reader) Read(ctx context.Context) ([]Record, error) {
	var (
		records  []Record
		fetchErr error
	)
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	collector.WithTransport(contextTransport{ctx: ctx, base: r.transport})
	collector.SetRequestTimeout(r.cfg.Timeout)
	if r.jar != nil {
		collector.SetCookieJar(r.jar)
	}
	if r.cfg.UserAgent != "" {
		collector.UserAgent = r.cfg.UserAgent
	}

	collector.OnRequest(func(req *colly.Request) {
		req.Headers.Set("Accept", acceptHTML)
	})
	collector.OnHTML("table tr", func(e *colly.HTMLElement) {
		if rec, ok := parseRow(e.DOM); ok {
			records = append(records, rec)
		}
	})
	collector.OnResponse(func(resp *colly.Response) {
		if resp.StatusCode != http.StatusOK {
			fetchErr = fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(r.cfg.URL)
	}()
	select {
	case <-ctx.Done():
		<-done
		return nil, fmt.Errorf("connect page fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("connect page visit failed: %w", err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("connect page response failed: %w", fetchErr)
		}
	}
	r.logger.Debug("connect page parsed", zap.Int("rows", len(records)))
	return records, nil
}

// Parse extracts records from an HTML document.
func Parse(body io.Reader) ([]Record, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse connect page: %w", err)
	}
	var records []Record
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		if rec, ok := parseRow(row); ok {
			records = append(records, rec)
		}
	})
	return records, nil
}

// parseRow keeps rows with at least three cells; blank cells read as "0".
func parseRow(row *goquery.Selection) (Record, bool) {
	cells := row.Find("td")
	if cells.Length() < 3 {
		return Record{}, false
	}
	text := func(i int) string {
		return strings.TrimSpace(cells.Eq(i).Text())
	}
	return Record{
		Item:        text(0),
		Current:     orZero(text(1)),
		Requirement: orZero(text(2)),
	}, true
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// Render prints records as a table titled with the account name.
func Render(w io.Writer, name string, records []Record) {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetOutputMirror(w)
	tw.SetTitle(fmt.Sprintf("Connect Info (%s)", name))
	tw.AppendHeader(table.Row{"项目", "当前", "要求"})
	for _, rec := range records {
		tw.AppendRow(table.Row{rec.Item, rec.Current, rec.Requirement})
	}
	tw.Render()
}

// contextTransport binds every request of one Read to the caller's context so
// cancellation aborts the in-flight fetch.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
