// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package cdp drives a Chrome instance over the DevTools protocol and turns
// one browser tab into one capture.Handle.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/streamctx"
)

const writeTimeout = 10 * time.Second

// ProtocolError is an error response from the DevTools endpoint.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

type message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
}

type request struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
}

// EventFunc receives events for one session. It runs on the read loop and must not block.
type EventFunc func(method string, params json.RawMessage)

// Conn is one multiplexed DevTools websocket. Sessions attached with
// flatten=true share it and are told apart by sessionId.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]chan *message
	listeners map[string]EventFunc

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to endpoint, which is either a ws:// debugger URL or the
// http:// remote-debugging address whose /json/version names one.
func Dial(ctx context.Context, endpoint string) (*Conn, error) {
	wsURL := endpoint
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		u, err := debuggerURL(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		wsURL = u
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools %s: %w", wsURL, err)
	}
	c := &Conn{
		ws:        ws,
		pending:   make(map[int64]chan *message),
		listeners: make(map[string]EventFunc),
		closed:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func debuggerURL(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("devtools version: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("devtools version: unexpected status %d", resp.StatusCode)
	}
	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("devtools version: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", errors.New("devtools version: no webSocketDebuggerUrl")
	}
	return v.WebSocketDebuggerURL, nil
}

// Send issues method on sessionID ("" for the browser target) and decodes the
// result into out when out is non-nil.
func (c *Conn) Send(ctx context.Context, sessionID, method string, params, out any) error {
	ch := make(chan *message, 1)
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return c.err()
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteJSON(request{ID: id, SessionID: sessionID, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	case <-c.closed:
		return fmt.Errorf("%s: %w", method, c.err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen routes events of sessionID to fn until the returned func is called.
func (c *Conn) Listen(sessionID string, fn EventFunc) (stop func()) {
	c.mu.Lock()
	c.listeners[sessionID] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, sessionID)
		c.mu.Unlock()
	}
}

// Done is closed when the websocket is gone.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Close closes the websocket.
func (c *Conn) Close() error {
	c.shutdown(streamctx.ErrSessionClosed)
	return nil
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) err() error {
	if c.closeErr == nil {
		return streamctx.ErrSessionClosed
	}
	return fmt.Errorf("%w: %v", streamctx.ErrSessionClosed, c.closeErr)
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.mu.Unlock()
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop() {
	logger := log.WithComponent("cdp")
	for {
		var msg message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("devtools connection lost")
			}
			c.shutdown(err)
			c.broadcastDetach()
			return
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}

		target := msg.SessionID
		if msg.Method == "Target.detachedFromTarget" {
			var p struct {
				SessionID string `json:"sessionId"`
			}
			if json.Unmarshal(msg.Params, &p) == nil && p.SessionID != "" {
				target = p.SessionID
			}
		}
		c.mu.Lock()
		fn := c.listeners[target]
		c.mu.Unlock()
		if fn != nil {
			fn(msg.Method, msg.Params)
		}
	}
}

// broadcastDetach tells every session its transport is gone.
func (c *Conn) broadcastDetach() {
	c.mu.Lock()
	fns := make([]EventFunc, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn("Target.detachedFromTarget", nil)
	}
}
