package bitfinex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdata/ingestd/internal/exchange"
	"github.com/marketdata/ingestd/internal/model"
)

// TestStreamResetsBackoffAfterCleanTenure drives three real WebSocket
// connections against a local server:
//
//  1. drops immediately, delivering nothing (an unhealthy attempt;
//     backoff would double after this one),
//  2. delivers one candle update, then drops (a clean tenure),
//  3. drops immediately again, delivering nothing.
//
// The wait before redialing connection 3 is timed against the wait
// before redialing connection 2. If the clean tenure on connection 2
// reset the backoff, both waits land near the initial backoff; if it
// didn't, the wait before connection 3 would be roughly double.
func TestStreamResetsBackoffAfterCleanTenure(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connNum int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		switch atomic.AddInt32(&connNum, 1) {
		case 1:
			return
		case 2:
			_, _, _ = conn.ReadMessage() // consume the subscribe request
			_ = conn.WriteJSON(map[string]interface{}{
				"event": "subscribed", "channel": "candles", "chanId": 1, "key": "trade:1m:tBTCUSD",
			})
			_ = conn.WriteJSON([]interface{}{1, []interface{}{1700000000000, "1", "1", "1", "1", "1"}})
			return
		case 3:
			return
		default:
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	initial := 80 * time.Millisecond
	c := NewWS(WSConfig{
		ReconnectInitialBackoff: initial,
		ReconnectMaxBackoff:     5 * time.Second,
		URL:                     wsURL,
	}, nil)

	reconnectTimes := make([]time.Time, 0, 4)
	c.SetOnReconnect(func() { reconnectTimes = append(reconnectTimes, time.Now()) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c.Stream(ctx, []exchange.Subscription{{Symbol: "BTCUSD", Timeframe: model.TF1m}}, func([]model.Candle) {})

	require.GreaterOrEqual(t, len(reconnectTimes), 3, "expected three reconnects: unhealthy, clean, unhealthy")

	gapBeforeConn2 := reconnectTimes[1].Sub(reconnectTimes[0])
	gapBeforeConn3 := reconnectTimes[2].Sub(reconnectTimes[1])

	assert.Less(t, gapBeforeConn3, gapBeforeConn2*3/2,
		"backoff before redialing after a clean tenure should not have doubled (gap2=%s, gap1=%s)",
		gapBeforeConn3, gapBeforeConn2)
}
