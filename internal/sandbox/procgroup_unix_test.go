//go:build unix

package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestProcessTerminateReachesGrandchildren(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	script := "sleep 30 & echo $! > " + pidFile + "; wait"
	sb, _ := New(Config{Agent: AgentCustom, Binary: "sh", Args: []string{"-c", script}}, nil)
	proc, err := sb.Launch(context.Background(), Spec{RunID: "r", Workdir: dir}, nil)
	if err != nil {
		t.Fatalf("Launch() error: %v", err)
	}

	var pid int
	deadline := time.Now().Add(5 * time.Second)
	for pid == 0 {
		if data, err := os.ReadFile(pidFile); err == nil {
			pid, _ = strconv.Atoi(strings.TrimSpace(string(data)))
		}
		if time.Now().After(deadline) {
			proc.Kill()
			t.Fatal("child pid never written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := proc.Terminate(); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		syscall.Kill(pid, syscall.SIGKILL)
		t.Fatal("Wait still blocked after Terminate")
	}

	// the orphaned sleep is reaped by init shortly after it dies
	deadline = time.Now().Add(2 * time.Second)
	for !errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
		if time.Now().After(deadline) {
			syscall.Kill(pid, syscall.SIGKILL)
			t.Fatalf("child %d survived Terminate", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProcessWaitBoundedByLeftoverWriter(t *testing.T) {
	// the background sleep inherits the output pipes and outlives sh
	cmd := exec.Command("sh", "-c", "echo hello; sleep 30 &")
	setProcessGroup(cmd)
	var lines []string
	p := &process{cmd: cmd, drain: 100 * time.Millisecond}
	if err := p.start(func(_, line string) { lines = append(lines, line) }); err != nil {
		t.Fatalf("start() error: %v", err)
	}
	defer signalGroup(cmd, syscall.SIGKILL)

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait blocked on a pipe held by a leftover process")
	}
	if len(lines) != 1 || lines[0] != "hello" {
		t.Errorf("lines = %v, want [hello]", lines)
	}
}
