// Package collyext implements the fallback extraction backend using gocolly.
package collyext

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/jmansell/quotewatch/internal/extract"
	"github.com/jmansell/quotewatch/internal/market"
)

const defaultRowHint = "table tr"

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Extractor fetches a source's page over plain HTTP and extracts table rows.
// It is the fallback for sources whose tables are server-rendered.
type Extractor struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())

	return &Extractor{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Extract performs a single GET and parses the hinted rows from the response.
func (e *Extractor) Extract(ctx context.Context, src market.Source) (market.Extraction, error) {
	collector := e.baseCollector.Clone()
	if e.cfg.UserAgent != "" {
		collector.UserAgent = e.cfg.UserAgent
	}
	timeout := e.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	rowHint := src.RowHint
	if rowHint == "" {
		rowHint = defaultRowHint
	}

	var (
		rows     []extract.TableRow
		page     []byte
		fetchErr error
	)
	collector.OnHTML(rowHint, func(el *colly.HTMLElement) {
		row := extract.TableRow{}
		el.ForEach("th,td", func(_ int, cell *colly.HTMLElement) {
			row.Cells = append(row.Cells, cell.Text)
		})
		if href := el.ChildAttr("a[href]", "href"); href != "" {
			row.Link = el.Request.AbsoluteURL(href)
		}
		rows = append(rows, row)
	})
	collector.OnResponse(func(r *colly.Response) {
		page = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := e.runCollector(ctx, collector, src.URL, &fetchErr); err != nil {
		return market.Extraction{}, err
	}

	return market.Extraction{
		Rows: extract.MapTable(rows),
		Page: page,
	}, nil
}

func (e *Extractor) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly extract canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
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
