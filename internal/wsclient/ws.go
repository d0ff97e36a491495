// Package wsclient implements the broker WebSocket client (spec §4.3/§6):
// a single persistent connection with ping/pong heartbeat, reconnect with
// exponential backoff, subscription-set tracking and replay on reconnect,
// and the pipe/caret-delimited realtime message parser.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	maxReconnectAttempts = 30
	maxReconnectWait     = 60 * time.Second
	readTimeout          = 90 * time.Second
	writeTimeout         = 10 * time.Second
	subscribeReplayDelay = 50 * time.Millisecond
	inboundBufferSize    = 256
)

// Realtime stream transaction ids (spec §6).
const (
	TrTrade     = "H0STCNT0" // trade execution
	TrOrderbook = "H0STASP0" // orderbook
	TrVI        = "H0STVI0"  // volatility interruption
	TrOrderNotice = "H0STCNC0" // order notices
)

// RealtimeEvent is one parsed caret-delimited realtime data row for a
// given tr_id, handed to the subscriber registered for that tr_id.
type RealtimeEvent struct {
	TrID   string
	Fields []string
}

// Key identifies one subscription: a transaction id plus its key (usually
// a stock code).
type Key struct {
	TrID  string
	TrKey string
}

// Handler processes realtime events for one tr_id.
type Handler func(RealtimeEvent)

// Client manages a single WebSocket connection to the broker's realtime
// feed. Subscriptions are tracked so they can be replayed after a
// reconnect.
type Client struct {
	url         string
	approvalKey string

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu      sync.RWMutex
	subscribed map[Key]bool

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	encryptedCh chan RealtimeEvent // encrypted frames, left undecoded (spec §9 open item)

	logger zerolog.Logger
}

// New creates a WebSocket client for the given URL, authenticated with
// approvalKey.
func New(url, approvalKey string, logger zerolog.Logger) *Client {
	return &Client{
		url:         url,
		approvalKey: approvalKey,
		subscribed:  make(map[Key]bool),
		handlers:    make(map[string]Handler),
		encryptedCh: make(chan RealtimeEvent, inboundBufferSize),
		logger:      logger.With().Str("component", "wsclient").Logger(),
	}
}

// RegisterHandler wires a callback for all realtime events carrying trID.
func (c *Client) RegisterHandler(trID string, h Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[trID] = h
}

// EncryptedEvents returns a channel of frames that arrived with
// encrypted=="1". Decryption is not implemented (spec §9 open question);
// the frames arrive with their payload still encrypted, so callers can
// observe undecoded data instead of it vanishing silently. When the
// channel is full, further encrypted frames are dropped.
func (c *Client) EncryptedEvents() <-chan RealtimeEvent { return c.encryptedCh }

// ErrEncryptedFrameUnsupported names the missing decryption. No code path
// in this package returns it; encrypted frames are delivered undecoded on
// EncryptedEvents instead.
var ErrEncryptedFrameUnsupported = fmt.Errorf("wsclient: encrypted realtime frame decoding is not implemented")

// Run connects and maintains the WebSocket connection, reconnecting with
// backoff min(2^attempt, 60s) up to maxReconnectAttempts. After exhausting
// attempts it logs critically and returns an error; callers own the
// decision to exit the process.
func (c *Client) Run(ctx context.Context) error {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("websocket disconnected, reconnecting")

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	c.logger.Error().Int("attempts", maxReconnectAttempts).Msg("websocket reconnect attempts exhausted, giving up")
	return fmt.Errorf("wsclient: exhausted %d reconnect attempts", maxReconnectAttempts)
}

// Subscribe adds a tr_id/tr_key pair and sends the subscribe frame.
func (c *Client) Subscribe(key Key) error {
	c.subMu.Lock()
	c.subscribed[key] = true
	c.subMu.Unlock()
	return c.sendSubscription(key, "1")
}

// Unsubscribe removes a tr_id/tr_key pair and sends the unsubscribe frame.
func (c *Client) Unsubscribe(key Key) error {
	c.subMu.Lock()
	delete(c.subscribed, key)
	c.subMu.Unlock()
	return c.sendSubscription(key, "2")
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

type subscribeHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"` // "1" subscribe, "2" unsubscribe
	ContentType string `json:"content-type"`
}

type subscribeInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

type subscribeBody struct {
	Input subscribeInput `json:"input"`
}

type subscribeMsg struct {
	Header subscribeHeader `json:"header"`
	Body   subscribeBody   `json:"body"`
}

func (c *Client) sendSubscription(key Key, trType string) error {
	msg := subscribeMsg{
		Header: subscribeHeader{
			ApprovalKey: c.approvalKey,
			CustType:    "P",
			TrType:      trType,
			ContentType: "utf-8",
		},
		Body: subscribeBody{Input: subscribeInput{TrID: key.TrID, TrKey: key.TrKey}},
	}
	return c.writeJSON(msg)
}

func (c *Client) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if err := c.replaySubscriptions(); err != nil {
		return fmt.Errorf("replay subscriptions: %w", err)
	}

	c.logger.Info().Msg("websocket connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		c.dispatchMessage(msg)
	}
}

func (c *Client) replaySubscriptions() error {
	c.subMu.RLock()
	keys := make([]Key, 0, len(c.subscribed))
	for k := range c.subscribed {
		keys = append(keys, k)
	}
	c.subMu.RUnlock()

	for _, k := range keys {
		if err := c.sendSubscription(k, "1"); err != nil {
			return err
		}
		time.Sleep(subscribeReplayDelay)
	}
	return nil
}

// dispatchMessage routes an inbound frame: realtime pipe-delimited data
// (first byte '0' unencrypted or '1' encrypted) vs JSON control frames.
func (c *Client) dispatchMessage(data []byte) {
	if len(data) == 0 {
		return
	}

	switch data[0] {
	case '0', '1':
		c.dispatchRealtime(data)
	default:
		c.dispatchJSON(data)
	}
}

func (c *Client) dispatchRealtime(data []byte) {
	// encrypted|tr_id|count|data
	parts := strings.SplitN(string(data), "|", 4)
	if len(parts) != 4 {
		c.logger.Warn().Str("data", string(data)).Msg("malformed realtime frame")
		return
	}
	encrypted, trID, _, payload := parts[0], parts[1], parts[2], parts[3]

	if encrypted == "1" {
		select {
		case c.encryptedCh <- RealtimeEvent{TrID: trID, Fields: strings.Split(payload, "^")}:
		default:
			c.logger.Warn().Str("tr_id", trID).Msg("encrypted channel full, dropping frame")
		}
		return
	}

	fields := strings.Split(payload, "^")

	c.handlerMu.RLock()
	h, ok := c.handlers[trID]
	c.handlerMu.RUnlock()
	if !ok {
		c.logger.Debug().Str("tr_id", trID).Msg("no handler registered for tr_id")
		return
	}
	h(RealtimeEvent{TrID: trID, Fields: fields})
}

type controlFrame struct {
	Header struct {
		TrID string `json:"tr_id"`
	} `json:"header"`
}

func (c *Client) dispatchJSON(data []byte) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug().Str("data", string(data)).Msg("ignoring non-json control frame")
		return
	}

	if frame.Header.TrID == "PINGPONG" {
		if err := c.writeMessage(websocket.TextMessage, data); err != nil {
			c.logger.Warn().Err(err).Msg("pingpong echo failed")
		}
		return
	}
	c.logger.Debug().Str("tr_id", frame.Header.TrID).Msg("unhandled json control frame")
}

func (c *Client) writeJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(msgType, data)
}
