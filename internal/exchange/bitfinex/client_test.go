package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/ratelimit"
)

func num(s string) json.Number { return json.Number(s) }

func TestParseCandleOrdersCloseBeforeHighLow(t *testing.T) {
	// Wire order: [MTS, OPEN, CLOSE, HIGH, LOW, VOLUME]
	raw := []json.Number{num("1700000000000"), num("100.5"), num("101.2"), num("102.0"), num("99.8"), num("-42.5")}

	c, err := parseCandle(raw, "bitfinex", "BTCUSD", model.TF1m)
	require.NoError(t, err)

	assert.True(t, c.Open.Equal(decimal.NewFromFloat(100.5)))
	assert.True(t, c.Close.Equal(decimal.NewFromFloat(101.2)))
	assert.True(t, c.High.Equal(decimal.NewFromFloat(102.0)))
	assert.True(t, c.Low.Equal(decimal.NewFromFloat(99.8)))
	assert.True(t, c.Volume.Equal(decimal.NewFromFloat(42.5)), "volume must be absolute")
	assert.Equal(t, c.OpenTime.Add(model.TF1m.Delta()), c.CloseTime)
}

func TestParseCandleDerivesBoundaryTimesFromMillis(t *testing.T) {
	raw := []json.Number{num("1700000000000"), num("100.0"), num("101.0"), num("102.0"), num("99.5"), num("-123.456")}

	c, err := parseCandle(raw, "bitfinex", "BTCUSD", model.TF1h)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), c.OpenTime)
	assert.Equal(t, time.Date(2023, 11, 14, 23, 13, 20, 0, time.UTC), c.CloseTime)
	assert.True(t, c.Volume.Equal(decimal.RequireFromString("123.456")))
}

func TestParseCandleRejectsWrongArity(t *testing.T) {
	_, err := parseCandle([]json.Number{num("1"), num("2")}, "bitfinex", "BTCUSD", model.TF1m)
	assert.Error(t, err)
}

func TestApiSymbolPrefixesTWhenMissing(t *testing.T) {
	assert.Equal(t, "tBTCUSD", apiSymbol("BTCUSD"))
	assert.Equal(t, "tBTCUSD", apiSymbol("tBTCUSD"))
}

// alwaysFailTransport answers every request with a 500, simulating an
// upstream that never recovers within the retry budget.
type alwaysFailTransport struct{ calls int }

func (t *alwaysFailTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls++
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusInternalServerError)
	return rec.Result(), nil
}

func TestFetchRangeReturnsPartialNotErrorOnRetryExhaustion(t *testing.T) {
	transport := &alwaysFailTransport{}
	cfg := Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		PageDelay:      time.Millisecond,
		HTTPClient:     &http.Client{Transport: transport},
	}
	limiter := ratelimit.New(ratelimit.Config{RequestDelay: time.Millisecond})
	client := New(cfg, limiter, nil, slog.Default())

	start := time.Now().Add(-time.Hour)
	end := time.Now()
	candles, err := client.FetchRange(context.Background(), "BTCUSD", model.TF1m, start, end)

	require.NoError(t, err, "retry exhaustion must not surface as an error")
	assert.Empty(t, candles)
	assert.True(t, transport.calls >= cfg.MaxRetries, "expected at least MaxRetries attempts, got %d", transport.calls)
}

func TestFetchRangeStopsAfterFullPageFollowedByEmptyPage(t *testing.T) {
	var calls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/candles/trade:1m:tBTCUSD/hist", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n > 1 {
			w.Write([]byte(`[]`))
			return
		}

		base := int64(1700000000000)
		rows := make([]string, requestsPerPage)
		for i := 0; i < requestsPerPage; i++ {
			ts := base + int64(i)*60_000
			rows[i] = fmt.Sprintf(`[%d,"1","1","1","1","1"]`, ts)
		}
		w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := Config{
		BaseURL:    server.URL,
		PageDelay:  time.Millisecond,
		HTTPClient: server.Client(),
	}
	limiter := ratelimit.New(ratelimit.Config{RequestDelay: time.Millisecond})
	client := New(cfg, limiter, nil, slog.Default())

	start := time.UnixMilli(1700000000000)
	// The full page alone spans ~6.9 days (10,000 one-minute bars); end
	// must sit well beyond that so the cursor hasn't already reached it
	// and the loop is forced to make a second, empty-page call to stop.
	end := start.Add(30 * 24 * time.Hour)

	candles, err := client.FetchRange(context.Background(), "BTCUSD", model.TF1m, start, end)
	require.NoError(t, err)
	assert.Len(t, candles, requestsPerPage)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "expected exactly one full page call and one terminating empty-page call")
}

func TestDecodeCandlesPreservesWireOrder(t *testing.T) {
	raw := json.RawMessage(`[
		[1700000000000, "100", "101", "101.5", "99", "5"],
		[1700000060000, "101", "102", "103", "100", "-5"]
	]`)

	candles, err := decodeCandles(raw, "BTCUSD", model.TF1m)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].OpenTime.Before(candles[1].OpenTime))
}
