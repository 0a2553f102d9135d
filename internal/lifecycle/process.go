// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"io"

	"github.com/ManuGH/webtuner/internal/supervisor"
)

// Process is the part of a supervised subprocess the manager drives.
// *supervisor.Process implements it.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Done() <-chan struct{}
	Alive() bool
	Kill() error
}

// Spawner starts remux subprocesses. onError is called at most once, for a
// spawn error or an unexpected exit before Kill.
type Spawner interface {
	Spawn(ctx context.Context, kind supervisor.Kind, params supervisor.Params, onError func(error)) (Process, error)
}

type supervisorSpawner struct {
	sup *supervisor.Supervisor
}

// FromSupervisor adapts a supervisor to the Spawner interface.
func FromSupervisor(sup *supervisor.Supervisor) Spawner {
	return supervisorSpawner{sup: sup}
}

func (s supervisorSpawner) Spawn(ctx context.Context, kind supervisor.Kind, params supervisor.Params, onError func(error)) (Process, error) {
	p, err := s.sup.Spawn(ctx, kind, params, onError)
	if err != nil {
		return nil, err
	}
	return p, nil
}
