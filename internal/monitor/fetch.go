package monitor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"xjedubot/internal/retry"
	logx "xjedubot/pkg/logx"
)

type FetchOptions struct {
	Timeout       time.Duration
	RetryMax      int // retries after the first attempt
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	UserAgent     string
	MaxBodySize   int64
	RatePerSec    int // 0 disables outbound rate limiting
}

const (
	defaultFetchTimeout = 20 * time.Second
	defaultRetryMax     = 2
	defaultRetryBase    = 2 * time.Second
	defaultMaxBody      = 2 << 20 // 2 MiB
	defaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// challengeMarkers are body substrings that identify an anti-automation
// interstitial even when the status code is 200.
var challengeMarkers = []string{
	"dynamic_challenge",
	"just a moment",
	"verify you are human",
	"captcha",
}

// Fetcher retrieves resource content read-only with a deadline, a global
// outbound rate cap, and bounded retry. Blocked responses and client
// errors are surfaced without retrying.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	opt     FetchOptions
	log     logx.Logger
}

func NewFetcher(opt FetchOptions, log logx.Logger) *Fetcher {
	if opt.Timeout <= 0 {
		opt.Timeout = defaultFetchTimeout
	}
	if opt.RetryMax < 0 {
		opt.RetryMax = defaultRetryMax
	}
	if opt.RetryBase <= 0 {
		opt.RetryBase = defaultRetryBase
	}
	if opt.RetryMaxDelay <= 0 {
		opt.RetryMaxDelay = 30 * time.Second
	}
	if opt.MaxBodySize <= 0 {
		opt.MaxBodySize = defaultMaxBody
	}
	if opt.UserAgent == "" {
		opt.UserAgent = defaultUserAgent
	}
	var limiter *rate.Limiter
	if opt.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opt.RatePerSec), opt.RatePerSec)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{
		client:  &http.Client{Timeout: opt.Timeout},
		limiter: limiter,
		opt:     opt,
		log:     log,
	}
}

// Fetch returns the resource body or one of NetworkError, TimeoutError,
// HTTPError, BlockedError. Network and server-side failures are retried
// with exponential backoff up to the configured attempt budget.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &TimeoutError{URL: url, Err: err}
		}
	}

	var body []byte
	err := retry.Do(ctx, retry.Config{
		Attempts:  f.opt.RetryMax + 1,
		BaseDelay: f.opt.RetryBase,
		MaxDelay:  f.opt.RetryMaxDelay,
	}, func(ctx context.Context) error {
		b, err := f.fetchOnce(ctx, url)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(&NetworkError{URL: url, Err: err})
	}
	req.Header.Set("User-Agent", f.opt.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{URL: url, Err: err}
		}
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return nil, retry.Permanent(&BlockedError{URL: url, Status: resp.StatusCode})
	}
	if resp.StatusCode/100 != 2 {
		herr := &HTTPError{URL: url, Status: resp.StatusCode}
		if resp.StatusCode/100 == 5 {
			return nil, herr // server errors are worth retrying
		}
		return nil, retry.Permanent(herr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opt.MaxBodySize))
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{URL: url, Err: err}
		}
		return nil, &NetworkError{URL: url, Err: err}
	}

	if marker := findChallengeMarker(body); marker != "" {
		return nil, retry.Permanent(&BlockedError{URL: url, Status: resp.StatusCode, Marker: marker})
	}
	return body, nil
}

func findChallengeMarker(body []byte) string {
	// Markers sit near the top of challenge pages; bound the scan.
	head := body
	if len(head) > 16<<10 {
		head = head[:16<<10]
	}
	lower := strings.ToLower(string(head))
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
