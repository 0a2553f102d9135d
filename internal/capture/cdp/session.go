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
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/webtuner/internal/capture"
	"github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/streamctx"
)

// chunkBuffer bounds queued MediaRecorder chunks between the read loop and the
// media reader. At one chunk per second this is several minutes of slack.
const chunkBuffer = 256

var errPlaybackNotStarted = errors.New("playback did not start")

// session is one attached tab. It implements capture.Handle.
type session struct {
	b         *Browser
	conn      *Conn
	targetID  string
	sessionID string
	profile   capture.Profile

	pr     *io.PipeReader
	pw     *io.PipeWriter
	chunks chan []byte

	logger zerolog.Logger

	lastData  atomic.Int64
	dropped   atomic.Int64
	detached  atomic.Bool
	stop      func()
	closeOnce sync.Once
	chunkMu   sync.Mutex
	chunksOff bool
}

var _ capture.Handle = (*session)(nil)

func newSession(b *Browser, conn *Conn, targetID, sessionID string, profile capture.Profile) *session {
	pr, pw := io.Pipe()
	s := &session{
		b:         b,
		conn:      conn,
		targetID:  targetID,
		sessionID: sessionID,
		profile:   profile,
		pr:        pr,
		pw:        pw,
		chunks:    make(chan []byte, chunkBuffer),
		logger:    log.WithComponent("cdp").With().Str(log.FieldCaptureID, targetID).Logger(),
	}
	s.lastData.Store(time.Now().UnixNano())
	s.stop = conn.Listen(sessionID, s.onEvent)
	go s.pump()
	return s
}

func (s *session) ID() string { return s.targetID }

func (s *session) Media() io.Reader { return s.pr }

func (s *session) LastData() time.Time { return time.Unix(0, s.lastData.Load()) }

func (s *session) Alive() bool {
	if s.detached.Load() {
		return false
	}
	select {
	case <-s.conn.Done():
		return false
	default:
		return true
	}
}

// start runs the start-playback script once.
func (s *session) start(ctx context.Context) error {
	var res evalResult
	err := s.b.call(ctx, s.conn, s.sessionID, "Runtime.evaluate", map[string]any{
		"expression":    startScript(s.profile),
		"awaitPromise":  true,
		"returnByValue": true,
		"userGesture":   true,
	}, &res)
	if err != nil {
		return err
	}
	if err := res.err(); err != nil {
		return err
	}
	if ok, _ := res.Result.Value.(bool); !ok {
		return errPlaybackNotStarted
	}
	return nil
}

// Reselect re-runs the start action on the already open page.
func (s *session) Reselect(ctx context.Context) error {
	if !s.Alive() {
		return streamctx.ErrSessionClosed
	}
	return streamctx.Retry(ctx, s.b.cfg.SelectRetries, s.b.cfg.RetryBackoff, func(int) error {
		return s.start(ctx)
	})
}

func (s *session) Title(ctx context.Context) (string, error) {
	var res evalResult
	err := s.b.call(ctx, s.conn, s.sessionID, "Runtime.evaluate", map[string]any{
		"expression":    titleExpression,
		"returnByValue": true,
	}, &res)
	if err != nil {
		return "", err
	}
	if err := res.err(); err != nil {
		return "", err
	}
	title, _ := res.Result.Value.(string)
	return title, nil
}

// Close releases the tab and ends the media feed.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		s.detached.Store(true)
		s.b.closeTarget(s.conn, s.targetID)
		s.closeChunks()
		_ = s.pr.Close()
	})
	return nil
}

func (s *session) closeChunks() {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	if !s.chunksOff {
		s.chunksOff = true
		close(s.chunks)
	}
}

func (s *session) onEvent(method string, params json.RawMessage) {
	switch method {
	case "Runtime.bindingCalled":
		var p struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Name != bindingName {
			return
		}
		data, err := base64.StdEncoding.DecodeString(p.Payload)
		if err != nil || len(data) == 0 {
			return
		}
		s.lastData.Store(time.Now().UnixNano())
		s.enqueue(data)

	case "Target.detachedFromTarget", "Inspector.detached":
		if !s.detached.Swap(true) {
			s.logger.Warn().Str(log.FieldEvent, method).Msg("capture target detached")
		}
		s.closeChunks()
	}
}

func (s *session) enqueue(data []byte) {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	if s.chunksOff {
		return
	}
	select {
	case s.chunks <- data:
	default:
		if s.dropped.Add(1)%32 == 1 {
			s.logger.Warn().Int64("dropped", s.dropped.Load()).Msg("media reader too slow, dropping chunks")
		}
	}
}

// pump moves queued chunks into the media pipe so the read loop never blocks on a reader.
func (s *session) pump() {
	for data := range s.chunks {
		if _, err := s.pw.Write(data); err != nil {
			for range s.chunks {
			}
			return
		}
	}
	_ = s.pw.Close()
}
