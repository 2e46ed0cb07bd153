// Package headless implements the primary extraction backend using chromedp
// and headless Chrome.
package headless

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jmansell/quotewatch/internal/extract"
	"github.com/jmansell/quotewatch/internal/market"
)

const defaultRowHint = "table tr"

// Config controls the behavior of the headless extractor.
type Config struct {
	UserAgent string
	// DomainQPS throttles navigations per target host; <= 0 disables.
	DomainQPS float64
	// SettleDelay gives client-side rendering a moment after body-ready.
	SettleDelay time.Duration
}

// Extractor renders a source's page in headless Chrome and extracts table
// rows. One browser process is shared; each call runs in its own tab. The
// hard attempt deadline is the caller's context.
type Extractor struct {
	cfg            Config
	allocator      context.Context
	allocCancel    context.CancelFunc
	domainLimiters sync.Map
	logger         *zap.Logger
}

// New creates a headless extractor backed by chromedp.
func New(cfg Config, logger *zap.Logger) (*Extractor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Extractor{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context, tearing down the browser.
func (e *Extractor) Close() {
	e.allocCancel()
}

// Extract navigates to the source URL, waits for the page to settle, and
// returns the canonical rows plus the rendered DOM.
func (e *Extractor) Extract(ctx context.Context, src market.Source) (market.Extraction, error) {
	if err := e.waitDomainBudget(ctx, src.URL); err != nil {
		return market.Extraction{}, fmt.Errorf("headless rate limit: %w", err)
	}

	tabCtx, cancelTab := chromedp.NewContext(e.allocator)
	defer cancelTab()

	stopForward := forwardCancel(ctx, cancelTab)
	defer stopForward()

	rowHint := src.RowHint
	if rowHint == "" {
		rowHint = defaultRowHint
	}

	var (
		html string
		rows []extract.TableRow
	)
	actions := []chromedp.Action{
		e.setupAction(),
		chromedp.Navigate(src.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(e.cfg.SettleDelay),
		chromedp.Evaluate(rowScript(rowHint), &rows),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return market.Extraction{}, fmt.Errorf("headless extract: %w", ctx.Err())
		}
		return market.Extraction{}, fmt.Errorf("chromedp run: %w", err)
	}

	return market.Extraction{
		Rows: extract.MapTable(rows),
		Page: []byte(html),
	}, nil
}

func (e *Extractor) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// rowScript builds the in-page script that serializes the matched rows into
// {cells, link} objects.
func rowScript(rowHint string) string {
	return fmt.Sprintf(`(() => {
	const rows = [];
	document.querySelectorAll(%q).forEach((tr) => {
		const cells = [];
		tr.querySelectorAll('th,td').forEach((c) => cells.push(c.innerText.trim()));
		const a = tr.querySelector('a[href]');
		rows.push({cells: cells, link: a ? a.href : ''});
	});
	return rows;
})()`, rowHint)
}

func (e *Extractor) waitDomainBudget(ctx context.Context, rawURL string) error {
	if e.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := e.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(e.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

// forwardCancel ties the tab lifetime to the caller's context so a stop signal
// aborts an in-flight navigation.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
