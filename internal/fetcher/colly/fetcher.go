// Package collyfetcher implements crawler.PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/quotes-crawler/internal/crawler"
	"github.com/JakeFAU/quotes-crawler/internal/metrics"
)

// DefaultUserAgent is the browser identity sent with every request.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/113.0"

// DefaultPathTemplate resolves a page index against the base address.
const DefaultPathTemplate = "page/%d/"

// Config controls collector behavior.
type Config struct {
	BaseURL       string
	PathTemplate  string
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes fails pages with larger bodies; 0 reads bodies in full.
	MaxBodyBytes int
}

// Limiter paces requests before they are sent.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher issues one GET per page index.
type Fetcher struct {
	cfg           Config
	base          *url.URL
	limiter       Limiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

var _ crawler.PageFetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Limiter, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := normalizeBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = DefaultPathTemplate
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// Clones share the backend, so the timeout is set once here.
	c.SetRequestTimeout(cfg.Timeout)
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.UserAgent = cfg.UserAgent
	// colly truncates silently at MaxBodySize, so read one byte past the limit
	// to tell a full body from a cut one.
	c.MaxBodySize = 0
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes + 1
	}

	return &Fetcher{
		cfg:           cfg,
		base:          base,
		limiter:       limiter,
		logger:        logger,
		baseCollector: c,
	}, nil
}

func normalizeBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("base url must be an absolute http(s) url, got %q", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

// PageURL resolves the address of listing page index.
func (f *Fetcher) PageURL(index int) (string, error) {
	if index < 1 {
		return "", fmt.Errorf("page index must be >= 1, got %d", index)
	}
	ref, err := url.Parse(fmt.Sprintf(f.cfg.PathTemplate, index))
	if err != nil {
		return "", fmt.Errorf("parse page path: %w", err)
	}
	return f.base.ResolveReference(ref).String(), nil
}

// Fetch retrieves listing page index. Every failure is a *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, index int) (crawler.Page, error) {
	pageURL, err := f.PageURL(index)
	if err != nil {
		return crawler.Page{}, &crawler.FetchError{Page: index, Err: err}
	}
	fail := func(err error) (crawler.Page, error) {
		return crawler.Page{}, &crawler.FetchError{Page: index, URL: pageURL, Err: err}
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, pageURL); err != nil {
			return fail(err)
		}
	}

	var (
		page     crawler.Page
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, index, start, &page, &fetchErr)

	if err := f.runCollector(ctx, collector, pageURL, &fetchErr); err != nil {
		return fail(err)
	}
	metrics.ObserveFetch(pageURL, len(page.Body), page.Duration)

	if f.cfg.MaxBodyBytes > 0 && len(page.Body) > f.cfg.MaxBodyBytes {
		return fail(fmt.Errorf("%w: more than %d bytes", crawler.ErrBodyTooLarge, f.cfg.MaxBodyBytes))
	}
	if page.StatusCode < 200 || page.StatusCode > 299 {
		return fail(&crawler.StatusError{URL: page.URL, StatusCode: page.StatusCode})
	}
	if !utf8.ValidString(page.Body) {
		return fail(crawler.ErrUndecodableBody)
	}
	f.logger.Debug("page fetched",
		zap.Int("page", index),
		zap.String("url", page.URL),
		zap.Int("status", page.StatusCode),
		zap.Int("bytes", len(page.Body)),
		zap.Duration("duration", page.Duration),
	)
	return page, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	index int,
	start time.Time,
	page *crawler.Page,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = crawler.Page{
			Index:      index,
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       string(r.Body),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, pageURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		// The request is bound to ctx; wait for it to unwind so the caller's
		// slot covers the connection's whole lifetime.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if ctx.Err() != nil {
			return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		}
		if err != nil {
			if errors.Is(err, colly.ErrRobotsTxtBlocked) {
				return fmt.Errorf("blocked by robots.txt: %w", err)
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
