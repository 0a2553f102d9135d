// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/webtuner/internal/capture"
	"github.com/ManuGH/webtuner/internal/streamctx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

// fakeDevTools speaks just enough of the protocol for one tab.
type fakeDevTools struct {
	t      *testing.T
	srv    *httptest.Server
	chunks []string

	mu       sync.Mutex
	methods  []string
	startOK  bool
	hang     map[string]bool
	failWith map[string]string
	conns    []*websocket.Conn
}

func newFakeDevTools(t *testing.T) *fakeDevTools {
	f := &fakeDevTools{
		t:        t,
		startOK:  true,
		hang:     map[string]bool{},
		failWith: map[string]string{},
		chunks:   []string{"hello ", "world"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		ws := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"Browser": "Fake/1.0", "webSocketDebuggerUrl": ws})
	})
	mux.HandleFunc("/devtools/browser/fake", f.serveWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.mu.Lock()
		for _, c := range f.conns {
			_ = c.Close()
		}
		f.mu.Unlock()
		f.srv.Close()
	})
	return f
}

func (f *fakeDevTools) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeDevTools) serveWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	var writeMu sync.Mutex
	send := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(v)
	}

	for {
		var req struct {
			ID        int64           `json:"id"`
			SessionID string          `json:"sessionId"`
			Method    string          `json:"method"`
			Params    json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		f.mu.Lock()
		f.methods = append(f.methods, req.Method)
		hang := f.hang[req.Method]
		failMsg := f.failWith[req.Method]
		startOK := f.startOK
		f.mu.Unlock()

		if hang {
			continue
		}
		if failMsg != "" {
			send(map[string]any{"id": req.ID, "error": map[string]any{"code": -32000, "message": failMsg}})
			continue
		}

		var result any = map[string]any{}
		emit := false
		switch req.Method {
		case "Target.createTarget":
			result = map[string]any{"targetId": "T1"}
		case "Target.attachToTarget":
			result = map[string]any{"sessionId": "S1"}
		case "Browser.getVersion":
			result = map[string]any{"product": "Fake/1.0"}
		case "Page.navigate":
			result = map[string]any{"frameId": "F1"}
		case "Runtime.evaluate":
			var p struct {
				Expression string `json:"expression"`
			}
			_ = json.Unmarshal(req.Params, &p)
			if p.Expression == titleExpression {
				result = map[string]any{"result": map[string]any{"type": "string", "value": "Fake News 24"}}
				break
			}
			result = map[string]any{"result": map[string]any{"type": "boolean", "value": startOK}}
			emit = startOK
		case "Target.closeTarget":
			result = map[string]any{"success": true}
			send(map[string]any{"id": req.ID, "result": result})
			send(map[string]any{"method": "Target.detachedFromTarget", "params": map[string]any{"sessionId": "S1", "targetId": "T1"}})
			continue
		}
		send(map[string]any{"id": req.ID, "result": result})
		if emit {
			for _, c := range f.chunks {
				send(map[string]any{
					"sessionId": req.SessionID,
					"method":    "Runtime.bindingCalled",
					"params": map[string]any{
						"name":    bindingName,
						"payload": base64.StdEncoding.EncodeToString([]byte(c)),
					},
				})
			}
		}
	}
}

func newTestBrowser(f *fakeDevTools, reg *streamctx.Registry) *Browser {
	return New(Config{
		Endpoint:      f.srv.URL,
		CallTimeout:   2 * time.Second,
		SelectRetries: 2,
		RetryBackoff:  10 * time.Millisecond,
	}, reg)
}

func readN(t *testing.T, r io.Reader, n int) string {
	t.Helper()
	buf := make([]byte, n)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(r, buf)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out reading media")
	}
	return string(buf)
}

func TestAcquireStreamsMedia(t *testing.T) {
	f := newFakeDevTools(t)
	b := newTestBrowser(f, streamctx.NewRegistry(0))
	defer b.Close()

	h, err := b.Acquire(context.Background(), "https://tv.example/cnn", capture.Profile{Selector: "#play"})
	require.NoError(t, err)
	assert.Equal(t, "T1", h.ID())
	assert.True(t, h.Alive())

	assert.Equal(t, "hello world", readN(t, h.Media(), len("hello world")))
	assert.WithinDuration(t, time.Now(), h.LastData(), 2*time.Second)

	title, err := h.Title(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Fake News 24", title)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.False(t, h.Alive())
	assert.Contains(t, f.calls(), "Target.closeTarget")

	assert.Equal(t, []string{
		"Target.createTarget", "Target.attachToTarget", "Page.enable", "Runtime.enable",
		"Runtime.addBinding", "Page.navigate", "Runtime.evaluate",
	}, f.calls()[:7])
}

func TestAcquirePlaybackFailureClosesTarget(t *testing.T) {
	f := newFakeDevTools(t)
	f.startOK = false
	b := newTestBrowser(f, streamctx.NewRegistry(0))
	defer b.Close()

	h, err := b.Acquire(context.Background(), "https://tv.example/dead", capture.Profile{})
	require.Error(t, err)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, capture.ErrAcquire)
	assert.ErrorIs(t, err, errPlaybackNotStarted)

	evals := 0
	for _, m := range f.calls() {
		if m == "Runtime.evaluate" {
			evals++
		}
	}
	assert.Equal(t, 2, evals, "start script retried SelectRetries times")
	assert.Contains(t, f.calls(), "Target.closeTarget")
}

func TestAcquireClosedSessionIsNotRetried(t *testing.T) {
	f := newFakeDevTools(t)
	f.failWith["Runtime.evaluate"] = "Session with given id not found."
	b := newTestBrowser(f, streamctx.NewRegistry(0))
	defer b.Close()

	_, err := b.Acquire(context.Background(), "https://tv.example/gone", capture.Profile{})
	require.Error(t, err)
	assert.True(t, streamctx.IsSessionClosed(err))

	evals := 0
	for _, m := range f.calls() {
		if m == "Runtime.evaluate" {
			evals++
		}
	}
	assert.Equal(t, 1, evals)

	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, -32000, pe.Code)
}

func TestStreamCancelAbortsHungCall(t *testing.T) {
	f := newFakeDevTools(t)
	reg := streamctx.NewRegistry(0)
	b := New(Config{Endpoint: f.srv.URL, CallTimeout: 10 * time.Second, SelectRetries: 1}, reg)
	defer b.Close()

	h, err := b.Acquire(context.Background(), "https://tv.example/cnn", capture.Profile{})
	require.NoError(t, err)
	defer h.Close()
	readN(t, h.Media(), len("hello world"))

	f.mu.Lock()
	f.hang["Runtime.evaluate"] = true
	f.mu.Unlock()

	ctx := reg.Register(7, "cnn")
	go func() {
		time.Sleep(50 * time.Millisecond)
		reg.Cancel(7, "terminate")
	}()

	start := time.Now()
	_, err = h.Title(ctx)
	require.ErrorIs(t, err, streamctx.ErrAborted)
	assert.NotErrorIs(t, err, streamctx.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnLossMarksSessionDead(t *testing.T) {
	f := newFakeDevTools(t)
	b := newTestBrowser(f, streamctx.NewRegistry(0))

	h, err := b.Acquire(context.Background(), "https://tv.example/cnn", capture.Profile{})
	require.NoError(t, err)
	readN(t, h.Media(), len("hello world"))

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return !h.Alive() }, 2*time.Second, 10*time.Millisecond)

	err = h.Reselect(context.Background())
	assert.True(t, streamctx.IsSessionClosed(err))
	require.NoError(t, h.Close())
}

func TestPing(t *testing.T) {
	f := newFakeDevTools(t)
	b := newTestBrowser(f, streamctx.NewRegistry(0))
	defer b.Close()
	require.NoError(t, b.Ping(context.Background()))

	unreachable := New(Config{Endpoint: "http://127.0.0.1:1", CallTimeout: time.Second}, nil)
	require.Error(t, unreachable.Ping(context.Background()))
}

func TestStartScript(t *testing.T) {
	s := startScript(capture.Profile{Selector: `button[data-x="1"]`, TimeSlice: 500 * time.Millisecond})
	assert.Contains(t, s, `const selector = "button[data-x=\"1\"]";`)
	assert.Contains(t, s, "recorder.start(500)")
	assert.Contains(t, s, `window["__webtunerChunk"]`)
	assert.NotContains(t, s, "__SELECTOR__")

	custom := startScript(capture.Profile{Script: "(async () => true)()"})
	assert.Equal(t, "(async () => true)()", custom)

	assert.Contains(t, startScript(capture.Profile{}), "const selector = null;")
}
