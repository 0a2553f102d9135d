// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build linux

package procgroup

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGroup(t *testing.T, script string) (*exec.Cmd, chan struct{}) {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	Set(cmd)
	require.NoError(t, cmd.Start())

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return cmd, done
}

func TestKill_ReachesWholeGroup(t *testing.T) {
	cmd, done := startGroup(t, "sleep 10 & sleep 10")
	time.Sleep(100 * time.Millisecond)

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pgid, "process should be group leader")

	require.NoError(t, Kill(cmd, syscall.SIGKILL))
	<-done

	sig, ok := ExitSignal(cmd.ProcessState)
	require.True(t, ok)
	assert.Equal(t, syscall.SIGKILL, sig)

	// orphans may linger as zombies when PID 1 does not reap them
	t.Cleanup(func() { _ = syscall.Kill(-pgid, syscall.SIGKILL) })
	require.Eventually(t, func() bool {
		return len(liveGroupMembers(t, pgid)) == 0
	}, time.Second, 20*time.Millisecond, "process group %d still has running members", pgid)
}

// liveGroupMembers lists non-zombie processes whose process group is pgid.
func liveGroupMembers(t *testing.T, pgid int) []int {
	t.Helper()
	stats, err := filepath.Glob("/proc/[0-9]*/stat")
	require.NoError(t, err)

	var live []int
	for _, path := range stats {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue // exited while scanning
		}
		// pid (comm) state ppid pgrp ...; comm may contain spaces
		line := string(raw)
		end := strings.LastIndexByte(line, ')')
		if end < 0 {
			continue
		}
		fields := strings.Fields(line[end+1:])
		if len(fields) < 3 || fields[0] == "Z" || fields[0] == "X" {
			continue
		}
		if pg, err := strconv.Atoi(fields[2]); err == nil && pg == pgid {
			pid, _ := strconv.Atoi(filepath.Base(filepath.Dir(path)))
			live = append(live, pid)
		}
	}
	return live
}

func TestLiveGroupMembersSeesRunningGroup(t *testing.T) {
	cmd, done := startGroup(t, "sleep 10")
	time.Sleep(50 * time.Millisecond)

	assert.Contains(t, liveGroupMembers(t, cmd.Process.Pid), cmd.Process.Pid)
	require.NoError(t, Kill(cmd, syscall.SIGKILL))
	<-done
}

func TestKill_NilAndExited(t *testing.T) {
	assert.NoError(t, Kill(nil, syscall.SIGTERM))

	cmd, done := startGroup(t, "exit 0")
	<-done
	assert.NoError(t, Kill(cmd, syscall.SIGTERM))
}

func TestTerminate_EscalatesToSIGKILL(t *testing.T) {
	cmd, done := startGroup(t, "trap '' TERM; sleep 10")
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	Terminate(cmd, done, 150*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	sig, ok := ExitSignal(cmd.ProcessState)
	require.True(t, ok)
	assert.Equal(t, syscall.SIGKILL, sig)
}

func TestTerminate_GracefulExit(t *testing.T) {
	cmd, done := startGroup(t, "sleep 10")

	Terminate(cmd, done, 2*time.Second)

	sig, ok := ExitSignal(cmd.ProcessState)
	require.True(t, ok)
	assert.Equal(t, syscall.SIGTERM, sig)
}
