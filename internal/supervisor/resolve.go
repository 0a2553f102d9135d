// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/ManuGH/webtuner/internal/log"
)

// ErrBinaryNotFound is returned when no candidate answered -version.
var ErrBinaryNotFound = errors.New("ffmpeg binary not found")

// DefaultCandidates are probed after the configured path and before $PATH.
var DefaultCandidates = []string{
	"/usr/bin/ffmpeg",
	"/usr/local/bin/ffmpeg",
	"/opt/homebrew/bin/ffmpeg",
	"/snap/bin/ffmpeg",
}

const probeTimeout = 5 * time.Second

// Resolver finds a working ffmpeg once and caches the answer, success or failure.
type Resolver struct {
	candidates []string
	probe      func(ctx context.Context, path string) error

	once sync.Once
	path string
	err  error
}

// NewResolver probes configured (if set), then candidates, then "ffmpeg" on $PATH.
func NewResolver(configured string, candidates ...string) *Resolver {
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	list := make([]string, 0, len(candidates)+2)
	if configured != "" {
		list = append(list, configured)
	}
	list = append(list, candidates...)
	if p, err := exec.LookPath("ffmpeg"); err == nil {
		list = append(list, p)
	}
	return &Resolver{candidates: list, probe: runVersion}
}

// Resolve returns the first candidate that actually runs. The answer is
// cached for the process, so the probe is detached from ctx cancellation and
// bounded by probeTimeout per candidate instead.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	r.once.Do(func() {
		ctx := context.WithoutCancel(ctx)
		logger := log.WithComponent("supervisor")
		tried := make(map[string]struct{}, len(r.candidates))
		for _, c := range r.candidates {
			if _, dup := tried[c]; dup {
				continue
			}
			tried[c] = struct{}{}
			if err := r.probe(ctx, c); err != nil {
				logger.Debug().Str("path", c).Err(err).Msg("ffmpeg candidate rejected")
				continue
			}
			r.path = c
			logger.Info().Str("path", c).Msg("ffmpeg resolved")
			return
		}
		r.err = fmt.Errorf("%w (tried %d candidates)", ErrBinaryNotFound, len(tried))
	})
	return r.path, r.err
}

func runVersion(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	// #nosec G204 -- candidates come from config and a fixed list
	return exec.CommandContext(ctx, path, "-version").Run()
}
