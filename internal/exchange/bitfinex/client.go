// Package bitfinex implements the exchange.Fetcher and exchange.Streamer
// capability interfaces against Bitfinex's public REST and WebSocket
// APIs. Every numeric field is parsed directly into decimal.Decimal;
// float64 never touches a price or volume.
package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketdata/ingestd/internal/metrics"
	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/ratelimit"
)

const baseURL = "https://api-pub.bitfinex.com/v2"

// requestsPerPage is the maximum number of candles Bitfinex returns per
// REST call.
const requestsPerPage = 10000

// Config configures a Client.
type Config struct {
	// BaseURL overrides the Bitfinex public API root, defaulting to
	// baseURL. Tests point this at a local httptest server.
	BaseURL        string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PageDelay      time.Duration // extra spacing between paginated requests
	HTTPClient     *http.Client
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.PageDelay == 0 {
		c.PageDelay = 200 * time.Millisecond
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// Client is the Bitfinex REST adapter. It implements exchange.Fetcher.
type Client struct {
	cfg     Config
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New constructs a Client that acquires a slot from limiter before every
// request, so every goroutine using this Client shares the same
// upstream-wide spacing gate. m may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, m *metrics.Metrics, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg.withDefaults(), limiter: limiter, metrics: m, log: log}
}

func apiSymbol(symbol string) string {
	if strings.HasPrefix(symbol, "t") {
		return symbol
	}
	return "t" + symbol
}

// requestWithRetry performs a single GET with rate limiting and
// exponential backoff on 429 and transient errors. Retry exhaustion
// returns (nil, nil) rather than an error, so the caller's loop treats
// it as an empty page and persists whatever progress it already made;
// a real error is returned only for context cancellation.
func (c *Client) requestWithRetry(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	backoff := c.cfg.InitialBackoff

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		acquireStart := time.Now()
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.RateLimitWaitSeconds.Observe(time.Since(acquireStart).Seconds())
		}

		body, status, err := c.doGet(ctx, path, params)
		if err == nil && status == http.StatusOK {
			c.limiter.RecordSuccess()
			return body, nil
		}

		if status == http.StatusTooManyRequests {
			if c.metrics != nil {
				c.metrics.RateLimit429Total.Inc()
			}
			wait := c.limiter.RecordThrottled()
			lastErr = fmt.Errorf("bitfinex: rate limited (429)")
			if !sleepOrDone(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		}

		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("bitfinex: unexpected status %d", status)
		}
		if !sleepOrDone(ctx, backoff) {
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	c.log.Error("bitfinex: retries exhausted", "path", path, "attempts", c.cfg.MaxRetries, "error", lastErr)
	return nil, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) doGet(ctx context.Context, path string, params url.Values) (json.RawMessage, int, error) {
	u := c.cfg.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// parseCandle decodes a Bitfinex 6-tuple [MTS, OPEN, CLOSE, HIGH, LOW, VOLUME].
// Note the wire order puts close before high/low; volume is taken
// absolute since Bitfinex signs it by trade direction.
func parseCandle(raw []json.Number, exchange, symbol string, tf model.Timeframe) (model.Candle, error) {
	if len(raw) != 6 {
		return model.Candle{}, fmt.Errorf("bitfinex: expected 6-field candle, got %d", len(raw))
	}

	msInt, err := raw[0].Int64()
	if err != nil {
		return model.Candle{}, fmt.Errorf("bitfinex: parse timestamp: %w", err)
	}
	openTime := time.UnixMilli(msInt).UTC()

	open, err := decimal.NewFromString(raw[1].String())
	if err != nil {
		return model.Candle{}, fmt.Errorf("bitfinex: parse open: %w", err)
	}
	closeP, err := decimal.NewFromString(raw[2].String())
	if err != nil {
		return model.Candle{}, fmt.Errorf("bitfinex: parse close: %w", err)
	}
	high, err := decimal.NewFromString(raw[3].String())
	if err != nil {
		return model.Candle{}, fmt.Errorf("bitfinex: parse high: %w", err)
	}
	low, err := decimal.NewFromString(raw[4].String())
	if err != nil {
		return model.Candle{}, fmt.Errorf("bitfinex: parse low: %w", err)
	}
	volume, err := decimal.NewFromString(raw[5].String())
	if err != nil {
		return model.Candle{}, fmt.Errorf("bitfinex: parse volume: %w", err)
	}

	return model.Candle{
		Exchange:  exchange,
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  openTime,
		CloseTime: openTime.Add(tf.Delta()),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    volume.Abs(),
	}, nil
}

func decodeCandles(raw json.RawMessage, symbol string, tf model.Timeframe) ([]model.Candle, error) {
	var rows [][]json.Number
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("bitfinex: decode candles: %w", err)
	}

	out := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseCandle(row, "bitfinex", symbol, tf)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// FetchRange returns candles in [start, end), oldest first, paginating
// internally until the window is exhausted or the upstream returns no
// further data.
func (c *Client) FetchRange(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.Candle, error) {
	path := fmt.Sprintf("/candles/trade:%s:%s/hist", tf.APICode(), apiSymbol(symbol))

	var all []model.Candle
	cursor := start

	for cursor.Before(end) {
		params := url.Values{
			"start": {strconv.FormatInt(cursor.UnixMilli(), 10)},
			"end":   {strconv.FormatInt(end.UnixMilli(), 10)},
			"limit": {strconv.Itoa(requestsPerPage)},
			"sort":  {"1"},
		}

		raw, err := c.requestWithRetry(ctx, path, params)
		if err != nil {
			return all, err
		}
		if raw == nil {
			if c.metrics != nil {
				c.metrics.FetchErrorsTotal.WithLabelValues(symbol, string(tf)).Inc()
			}
			break
		}

		page, err := decodeCandles(raw, symbol, tf)
		if err != nil {
			return all, err
		}
		if len(page) == 0 {
			break
		}

		all = append(all, page...)
		cursor = page[len(page)-1].CloseTime

		if !sleepOrDone(ctx, c.cfg.PageDelay) {
			return all, ctx.Err()
		}
	}

	return all, nil
}

// FetchLatest returns the most recent n candles, oldest first.
func (c *Client) FetchLatest(ctx context.Context, symbol string, tf model.Timeframe, n int) ([]model.Candle, error) {
	path := fmt.Sprintf("/candles/trade:%s:%s/hist", tf.APICode(), apiSymbol(symbol))
	params := url.Values{
		"limit": {strconv.Itoa(n)},
		"sort":  {"-1"},
	}

	raw, err := c.requestWithRetry(ctx, path, params)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		if c.metrics != nil {
			c.metrics.FetchErrorsTotal.WithLabelValues(symbol, string(tf)).Inc()
		}
		return nil, nil
	}

	candles, err := decodeCandles(raw, symbol, tf)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// ListSymbols returns every trading pair Bitfinex exposes publicly.
func (c *Client) ListSymbols(ctx context.Context) ([]string, error) {
	raw, err := c.requestWithRetry(ctx, "/conf/pub:list:pair:exchange", nil)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var wrapper [][]string
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("bitfinex: decode symbols: %w", err)
	}
	if len(wrapper) == 0 {
		return nil, nil
	}
	return wrapper[0], nil
}
