// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtuner_proc_terminate_total",
		Help: "Signals sent to supervised process groups by signal and result",
	}, []string{"signal", "result"})

	procWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtuner_proc_wait_total",
		Help: "Supervised process reaps by outcome",
	}, []string{"outcome"})

	// ProcessExitTotal classifies subprocess exits.
	ProcessExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtuner_process_exit_total",
		Help: "Subprocess exits by kind and class (expected, clean, failure)",
	}, []string{"kind", "class"})

	// ProcessSpawnTotal counts subprocess spawn attempts.
	ProcessSpawnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtuner_process_spawn_total",
		Help: "Subprocess spawn attempts by kind and result",
	}, []string{"kind", "result"})
)

// IncProcTerminate records a signal delivery attempt.
func IncProcTerminate(signal, result string) {
	procTerminateTotal.WithLabelValues(signal, result).Inc()
}

// IncProcWait records how a terminated process was reaped.
func IncProcWait(outcome string) {
	procWaitTotal.WithLabelValues(outcome).Inc()
}

// IncProcessExit records a classified subprocess exit.
func IncProcessExit(kind, class string) {
	ProcessExitTotal.WithLabelValues(kind, class).Inc()
}

// IncProcessSpawn records a spawn attempt.
func IncProcessSpawn(kind string, success bool) {
	result := "error"
	if success {
		result = "ok"
	}
	ProcessSpawnTotal.WithLabelValues(kind, result).Inc()
}
