// Package fetch is the outbound HTTP layer for resource cards. It applies a
// browser user agent, a per-host rate limit, a per-host circuit breaker, an
// optional bbolt disk cache for fetched pages, and maps upstream failures
// onto the engine error vocabulary.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dossio.org/common"
	"dossio.org/config"
	"dossio.org/db/bolt"
)

const pageBucket = "pages"

// maxBodySize caps how much of an upstream response is read.
const maxBodySize = 8 << 20

// Response is one fetched page.
type Response struct {
	Status    int
	Body      []byte
	Header    http.Header
	FromCache bool
}

type cachedPage struct {
	Body      []byte    `json:"body"`
	Status    int       `json:"status"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Fetcher performs rate-limited, breaker-guarded HTTP GETs.
type Fetcher struct {
	client *http.Client
	cfg    config.FetchConfig
	disk   *bolt.DB

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a fetcher. When cfg.DiskCachePath is set, fetched pages are
// cached locally in bbolt and reused within cfg.DiskCacheTTL.
func New(cfg config.FetchConfig) (*Fetcher, error) {
	f := &Fetcher{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	f.client = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			common.Logger.WithFields(logrus.Fields{
				"from": via[len(via)-1].URL.String(),
				"to":   req.URL.String(),
			}).Debug("following redirect")
			return nil
		},
	}

	if cfg.DiskCachePath != "" {
		disk, err := bolt.Open(cfg.DiskCachePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open disk cache: %w", err)
		}
		if err := disk.CreateBucket(pageBucket); err != nil {
			disk.Close()
			return nil, err
		}
		f.disk = disk
	}
	return f, nil
}

// Close releases the disk cache.
func (f *Fetcher) Close() error {
	if f.disk != nil {
		return f.disk.Close()
	}
	return nil
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[host]; ok {
		return l
	}
	perHost := f.cfg.RatePerHost
	if perHost <= 0 {
		perHost = 2
	}
	l := rate.NewLimiter(rate.Limit(perHost), 1)
	f.limiters[host] = l
	return l
}

func (f *Fetcher) breaker(host string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[host]; ok {
		return b
	}
	threshold := uint32(f.cfg.BreakerThreshold)
	if threshold == 0 {
		threshold = 5
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// 404 and 429 are upstream verdicts, not host health signals
			switch common.KindOf(err) {
			case common.KindNotFound, common.KindUpstreamRatelimited:
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			common.Logger.WithFields(logrus.Fields{
				"host": name,
				"from": from.String(),
				"to":   to.String(),
			}).Warn("fetch circuit state changed")
		},
	})
	f.breakers[host] = b
	return b
}

// Get fetches a URL. Cached pages within the disk TTL are served without
// touching the network or consuming rate budget.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, common.NewError(common.KindInputInvalid, fmt.Sprintf("bad fetch url: %q", rawURL))
	}

	if page := f.fromDisk(rawURL); page != nil {
		return page, nil
	}

	if err := f.limiter(u.Host).Wait(ctx); err != nil {
		return nil, common.WrapError(common.KindCancelled, "rate wait interrupted", err)
	}

	result, err := f.breaker(u.Host).Execute(func() (interface{}, error) {
		return f.do(ctx, rawURL)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, common.WrapError(common.KindUpstreamUnavailable, fmt.Sprintf("circuit open for %s", u.Host), err)
		}
		return nil, err
	}

	resp := result.(*Response)
	f.toDisk(rawURL, resp)
	return resp, nil
}

func (f *Fetcher) do(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "failed to build request", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, common.WrapError(common.KindTimeout, "fetch deadline crossed", ctx.Err())
		}
		return nil, common.WrapError(common.KindUpstreamUnavailable, "fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, common.WrapError(common.KindUpstreamUnavailable, "failed to read body", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return &Response{Status: resp.StatusCode, Body: body, Header: resp.Header}, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, common.NewError(common.KindNotFound, fmt.Sprintf("%s returned 404", rawURL))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, common.NewError(common.KindUpstreamRatelimited, fmt.Sprintf("%s throttled the request", rawURL))
	case resp.StatusCode >= 500:
		return nil, common.NewError(common.KindUpstreamUnavailable, fmt.Sprintf("%s returned %d", rawURL, resp.StatusCode))
	default:
		return nil, common.NewError(common.KindUpstreamUnavailable, fmt.Sprintf("%s returned unexpected %d", rawURL, resp.StatusCode))
	}
}

func (f *Fetcher) fromDisk(rawURL string) *Response {
	if f.disk == nil {
		return nil
	}
	var page cachedPage
	if err := f.disk.GetJSON(pageBucket, rawURL, &page); err != nil {
		return nil
	}
	ttl := f.cfg.DiskCacheTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	if time.Since(page.FetchedAt) > ttl {
		_ = f.disk.Delete(pageBucket, rawURL)
		return nil
	}
	return &Response{Status: page.Status, Body: page.Body, FromCache: true}
}

func (f *Fetcher) toDisk(rawURL string, resp *Response) {
	if f.disk == nil || resp.FromCache {
		return
	}
	page := cachedPage{Body: resp.Body, Status: resp.Status, FetchedAt: time.Now()}
	if err := f.disk.PutJSON(pageBucket, rawURL, page); err != nil {
		common.Logger.WithError(err).Warn("failed to write page to disk cache")
	}
}
