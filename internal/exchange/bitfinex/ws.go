package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketdata/ingestd/internal/exchange"
	"github.com/marketdata/ingestd/internal/model"
)

const wsURL = "wss://api-pub.bitfinex.com/ws/2"

// WSConfig configures a WSClient's reconnect behavior.
type WSConfig struct {
	// URL overrides the Bitfinex public WS endpoint, defaulting to
	// wsURL. Tests point this at a local httptest server.
	URL                     string
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	PingInterval            time.Duration
	PongTimeout             time.Duration
}

func (c WSConfig) withDefaults() WSConfig {
	if c.URL == "" {
		c.URL = wsURL
	}
	if c.ReconnectInitialBackoff == 0 {
		c.ReconnectInitialBackoff = time.Second
	}
	if c.ReconnectMaxBackoff == 0 {
		c.ReconnectMaxBackoff = 60 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 20 * time.Second
	}
	return c
}

// WSClient streams realtime candle updates off Bitfinex's public
// WebSocket feed. It implements exchange.Streamer.
type WSClient struct {
	cfg WSConfig
	log *slog.Logger

	// OnReconnect, if set, is invoked each time a reconnection happens.
	OnReconnect func()
}

// NewWS constructs a WSClient.
func NewWS(cfg WSConfig, log *slog.Logger) *WSClient {
	if log == nil {
		log = slog.Default()
	}
	return &WSClient{cfg: cfg.withDefaults(), log: log}
}

// SetOnReconnect registers the reconnect hook. Exists as a method (in
// addition to the exported field) so callers that only hold a
// narrower streaming interface can still wire it via a type assertion.
func (c *WSClient) SetOnReconnect(fn func()) {
	c.OnReconnect = fn
}

func candlesKey(sub exchange.Subscription) string {
	symbol := sub.Symbol
	if !strings.HasPrefix(symbol, "t") {
		symbol = "t" + symbol
	}
	return fmt.Sprintf("trade:%s:%s", sub.Timeframe.APICode(), symbol)
}

// Stream connects to the Bitfinex public feed and reconnects with
// exponential backoff until ctx is cancelled. A connection that
// delivers at least one candle before dropping counts as a clean
// tenure and resets the backoff to its initial value, so a brief
// disconnect after a long healthy stream doesn't inherit a stretched
// delay from earlier, unrelated failures.
func (c *WSClient) Stream(ctx context.Context, subs []exchange.Subscription, onCandles func([]model.Candle)) error {
	backoff := c.cfg.ReconnectInitialBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		delivered, err := c.runOnce(ctx, subs, onCandles)
		if err == nil {
			return nil
		}

		c.log.Warn("bitfinex ws disconnected, reconnecting", "error", err, "backoff", backoff)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		if delivered {
			backoff = c.cfg.ReconnectInitialBackoff
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		if !delivered {
			backoff *= 2
			if backoff > c.cfg.ReconnectMaxBackoff {
				backoff = c.cfg.ReconnectMaxBackoff
			}
		}
	}
}

type subKey struct {
	symbol string
	tf     model.Timeframe
}

func (c *WSClient) runOnce(ctx context.Context, subs []exchange.Subscription, onCandles func([]model.Candle)) (bool, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	c.log.Info("bitfinex ws connected", "subscriptions", len(subs))

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PongTimeout)); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	pendingByKey := make(map[string]subKey, len(subs))
	for _, sub := range subs {
		pendingByKey[candlesKey(sub)] = subKey{symbol: sub.Symbol, tf: sub.Timeframe}
		msg := map[string]string{"event": "subscribe", "channel": "candles", "key": candlesKey(sub)}
		if err := conn.WriteJSON(msg); err != nil {
			return false, fmt.Errorf("bitfinex ws: subscribe: %w", err)
		}
	}

	chanIDToSub := make(map[int64]subKey, len(subs))
	delivered := false

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return delivered, nil
			default:
			}
			return delivered, err
		}

		emitted, err := c.handleMessage(raw, pendingByKey, chanIDToSub, onCandles)
		if err != nil {
			return delivered, err
		}
		if emitted {
			delivered = true
		}
	}
}

// handleMessage decodes one wire frame and reports whether it resulted
// in a candle being emitted, so the caller can track whether this
// connection had a clean streaming tenure.
func (c *WSClient) handleMessage(raw []byte, pendingByKey map[string]subKey, chanIDToSub map[int64]subKey, onCandles func([]model.Candle)) (bool, error) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 {
		return false, nil
	}

	if trimmed[0] == '{' {
		var event struct {
			Event   string `json:"event"`
			Channel string `json:"channel"`
			ChanID  int64  `json:"chanId"`
			Key     string `json:"key"`
			Code    int    `json:"code"`
			Msg     string `json:"msg"`
		}
		if err := json.Unmarshal(raw, &event); err != nil {
			c.log.Warn("bitfinex ws: malformed event message", "error", err)
			return false, nil
		}

		switch event.Event {
		case "subscribed":
			if event.Channel != "candles" {
				return false, nil
			}
			sub, ok := pendingByKey[event.Key]
			if !ok {
				return false, nil
			}
			chanIDToSub[event.ChanID] = sub
			c.log.Info("bitfinex ws subscribed", "symbol", sub.symbol, "timeframe", sub.tf, "chan_id", event.ChanID)
		case "error":
			return false, fmt.Errorf("bitfinex ws error %d: %s", event.Code, event.Msg)
		}
		return false, nil
	}

	var envelope []json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope) < 2 {
		return false, nil
	}

	var chanID int64
	if err := json.Unmarshal(envelope[0], &chanID); err != nil {
		return false, nil
	}

	sub, ok := chanIDToSub[chanID]
	if !ok {
		return false, nil
	}

	if string(envelope[1]) == `"hb"` {
		return false, nil
	}

	var latest []json.Number

	var rows [][]json.Number
	if err := json.Unmarshal(envelope[1], &rows); err == nil && len(rows) > 0 {
		// Snapshot: a batch of candles, take the most recent by timestamp.
		latest = rows[0]
		for _, row := range rows[1:] {
			if len(row) > 0 && len(latest) > 0 {
				a, _ := row[0].Int64()
				b, _ := latest[0].Int64()
				if a > b {
					latest = row
				}
			}
		}
	} else {
		// Update: a single flat 6-tuple.
		var flat []json.Number
		if err := json.Unmarshal(envelope[1], &flat); err != nil {
			return false, nil
		}
		latest = flat
	}

	if len(latest) == 0 {
		return false, nil
	}

	candle, err := parseCandle(latest, "bitfinex", strings.TrimPrefix(sub.symbol, "t"), sub.tf)
	if err != nil {
		c.log.Warn("bitfinex ws: parse candle", "error", err)
		return false, nil
	}
	onCandles([]model.Candle{candle})
	return true, nil
}
