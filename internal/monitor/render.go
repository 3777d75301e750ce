package monitor

import (
	"context"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	logx "xjedubot/pkg/logx"
)

// RenderedFetcher retrieves a page after JavaScript execution. The
// pipeline only consults it when a raw fetch came back BlockedError.
type RenderedFetcher interface {
	FetchRendered(ctx context.Context, url string) ([]byte, error)
}

// Renderer drives a headless Chromium via rod. A fresh browser is
// launched per fetch: blocked fetches are rare and a persistent browser
// is not worth its memory footprint in a long-lived bot process.
type Renderer struct {
	timeout time.Duration
	log     logx.Logger
}

func NewRenderer(timeout time.Duration, log logx.Logger) *Renderer {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Renderer{timeout: timeout, log: log}
}

func (r *Renderer) FetchRendered(ctx context.Context, url string) ([]byte, error) {
	r.log.Debug("rendered fetch", logx.String("url", url))

	l := launcher.New().
		Headless(true).
		NoSandbox(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage")
	wsURL, err := l.Launch()
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer l.Cleanup()

	browser := rod.New().ControlURL(wsURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer func() { _ = browser.Close() }()

	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	page = page.Timeout(r.timeout)

	if err := page.WaitLoad(); err != nil {
		return nil, &TimeoutError{URL: url, Err: err}
	}
	// Give client-side list rendering a moment to settle.
	time.Sleep(500 * time.Millisecond)

	html, err := page.HTML()
	if err != nil {
		return nil, &ParseError{URL: url, Err: err}
	}
	return []byte(html), nil
}
