package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/webtuner/internal/capture"
)

// FakeHandle is an in-memory capture.Handle. Bytes written with Feed appear on Media.
type FakeHandle struct {
	id string
	pr *io.PipeReader
	pw *io.PipeWriter

	mu          sync.Mutex
	alive       bool
	lastData    time.Time
	title       string
	reselectErr error

	Reselects atomic.Int32
	Closes    atomic.Int32
}

// NewFakeHandle creates a live handle.
func NewFakeHandle(id string) *FakeHandle {
	pr, pw := io.Pipe()
	return &FakeHandle{id: id, pr: pr, pw: pw, alive: true, lastData: time.Now(), title: "Live: " + id}
}

func (h *FakeHandle) ID() string       { return h.id }
func (h *FakeHandle) Media() io.Reader { return h.pr }

// Feed writes media bytes and refreshes LastData. It blocks until read.
func (h *FakeHandle) Feed(b []byte) error {
	h.mu.Lock()
	h.lastData = time.Now()
	h.mu.Unlock()
	_, err := h.pw.Write(b)
	return err
}

func (h *FakeHandle) Reselect(ctx context.Context) error {
	h.Reselects.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reselectErr != nil {
		return h.reselectErr
	}
	h.lastData = time.Now()
	return ctx.Err()
}

func (h *FakeHandle) Title(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.title, nil
}

func (h *FakeHandle) LastData() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastData
}

// SetLastData backdates the handle to simulate a stalled feed.
func (h *FakeHandle) SetLastData(t time.Time) {
	h.mu.Lock()
	h.lastData = t
	h.mu.Unlock()
}

// SetReselectErr makes Reselect fail.
func (h *FakeHandle) SetReselectErr(err error) {
	h.mu.Lock()
	h.reselectErr = err
	h.mu.Unlock()
}

// Kill simulates the browser session disappearing.
func (h *FakeHandle) Kill() {
	h.mu.Lock()
	h.alive = false
	h.mu.Unlock()
	_ = h.pw.CloseWithError(errors.New("target closed"))
}

func (h *FakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *FakeHandle) Close() error {
	h.Closes.Add(1)
	h.mu.Lock()
	h.alive = false
	h.mu.Unlock()
	_ = h.pw.Close()
	return nil
}

// FakeAcquirer hands out FakeHandles and records every call.
type FakeAcquirer struct {
	// Delay holds each Acquire before it returns.
	Delay time.Duration
	// Fail makes every Acquire fail with this reason.
	Fail string

	Calls atomic.Int32

	mu      sync.Mutex
	handles []*FakeHandle
}

func (a *FakeAcquirer) Acquire(ctx context.Context, url string, _ capture.Profile) (capture.Handle, error) {
	n := a.Calls.Add(1)
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return nil, &capture.AcquireError{URL: url, Reason: "cancelled", Err: ctx.Err()}
		}
	}
	if a.Fail != "" {
		return nil, &capture.AcquireError{URL: url, Reason: a.Fail}
	}
	h := NewFakeHandle(fmt.Sprintf("cap-%d", n))
	a.mu.Lock()
	a.handles = append(a.handles, h)
	a.mu.Unlock()
	return h, nil
}

// Handles returns every handle handed out so far.
func (a *FakeAcquirer) Handles() []*FakeHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*FakeHandle(nil), a.handles...)
}

// Last returns the most recent handle, or nil.
func (a *FakeAcquirer) Last() *FakeHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.handles) == 0 {
		return nil
	}
	return a.handles[len(a.handles)-1]
}
