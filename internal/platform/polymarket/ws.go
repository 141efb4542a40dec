package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TickHandler is called for every price observation.
type TickHandler func(Tick)

// WSClient streams prices from the CLOB market channel. Book snapshots and
// price changes yield the best bid; trades yield the trade price. The asset
// set survives reconnects.
type WSClient struct {
	wsURL  string
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
	assets map[string]struct{}

	handlerMu sync.RWMutex
	handlers  []TickHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a new WebSocket client for the given WebSocket URL.
//
// wsURL is the market channel endpoint, e.g. "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:  wsURL,
		logger: logger.With(slog.String("component", "polymarket_ws")),
		assets: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// Connect dials the market channel and replays the current asset set.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	w.conn = conn

	// Set up pong handler for keep-alive.
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go w.readLoop(conn)
	go w.pingLoop(conn)

	if len(w.assets) > 0 {
		if err := w.sendCommand(WSCommand{Type: "market", AssetsIDs: w.assetListLocked()}); err != nil {
			return fmt.Errorf("polymarket/ws: restore subscription: %w", err)
		}
	}
	return nil
}

// Subscribe adds tokens to the streamed set. Tokens already streamed are
// ignored. Before Connect the set is only recorded.
func (w *WSClient) Subscribe(_ context.Context, tokenIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var added []string
	for _, id := range tokenIDs {
		if _, ok := w.assets[id]; ok || id == "" {
			continue
		}
		w.assets[id] = struct{}{}
		added = append(added, id)
	}
	if len(added) == 0 || w.conn == nil {
		return nil
	}
	// The market channel replaces the subscription on every command, so the
	// full set is resent.
	if err := w.sendCommand(WSCommand{Type: "market", AssetsIDs: w.assetListLocked()}); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes tokens from the streamed set.
func (w *WSClient) Unsubscribe(_ context.Context, tokenIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, id := range tokenIDs {
		delete(w.assets, id)
	}
	if w.conn == nil {
		return nil
	}
	if err := w.sendCommand(WSCommand{Type: "market", AssetsIDs: w.assetListLocked()}); err != nil {
		return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
	}
	return nil
}

// Assets returns the streamed token ids, sorted.
func (w *WSClient) Assets() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.assetListLocked()
}

// Close shuts down the WebSocket connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// OnTick registers a handler for every price observation.
func (w *WSClient) OnTick(handler TickHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (w *WSClient) assetListLocked() []string {
	out := make([]string, 0, len(w.assets))
	for id := range w.assets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd WSCommand) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads until the connection drops, then hands over to reconnect.
func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Warn("market channel dropped, reconnecting", slog.String("error", err.Error()))
			w.reconnect()
			return
		}
		w.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			current := w.conn == conn
			var err error
			if current {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			w.mu.Unlock()
			if !current || err != nil {
				return
			}
		}
	}
}

// handleMessage decodes one frame. The server batches events into arrays.
func (w *WSClient) handleMessage(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	if raw[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return
		}
		for _, m := range batch {
			w.handleEvent(m)
		}
		return
	}
	w.handleEvent(raw)
}

func (w *WSClient) handleEvent(raw []byte) {
	var envelope struct {
		Event string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.Event {
	case "book":
		var book BookMessage
		if err := json.Unmarshal(raw, &book); err != nil {
			return
		}
		if bid, ok := book.BestBid(); ok {
			w.dispatch(Tick{TokenID: book.AssetID, Price: bid, At: book.Timestamp.Time()})
		}

	case "price_change":
		var pc PriceChangeMessage
		if err := json.Unmarshal(raw, &pc); err != nil {
			return
		}
		at := pc.Timestamp.Time()
		for _, ch := range pc.PriceChanges {
			if bid := ch.BestBid.Decimal(); bid.IsPositive() {
				w.dispatch(Tick{TokenID: ch.AssetID, Price: bid, At: at})
			}
		}

	case "last_trade_price":
		var lt LastTradeMessage
		if err := json.Unmarshal(raw, &lt); err != nil {
			return
		}
		if p := lt.Price.Decimal(); p.IsPositive() {
			w.dispatch(Tick{TokenID: lt.AssetID, Price: p, At: lt.Timestamp.Time()})
		}
	}
}

func (w *WSClient) dispatch(t Tick) {
	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(t)
	}
}

// reconnect attempts to re-establish the WebSocket connection with
// exponential backoff. It blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			w.logger.Info("market channel reconnected")
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
