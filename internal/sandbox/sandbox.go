// Package sandbox launches the coding agent for one run in an isolated
// environment: a local process confined to the run's clone, or a container
// with only that clone mounted.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// AgentKind selects the coding agent CLI
type AgentKind string

const (
	AgentOpenCode   AgentKind = "opencode"
	AgentClaudeCode AgentKind = "claude-code"
	// AgentCustom runs Config.Binary with Config.Args followed by the prompt
	AgentCustom AgentKind = "custom"
)

// Spec describes one agent launch
type Spec struct {
	RunID   string
	TaskID  string
	Workdir string
	Prompt  string
	Env     []string
}

// LineFunc receives each output line; stream is "stdout" or "stderr"
type LineFunc func(stream, line string)

// Process is a running agent
type Process interface {
	// Wait blocks until the agent exits and its output is drained
	Wait() error
	// Terminate asks the agent to stop
	Terminate() error
	// Kill stops the agent immediately
	Kill() error
}

// Sandbox provisions isolated agent processes
type Sandbox interface {
	// Available reports whether a launch can be attempted at all. Failures
	// wrap domain.ErrSandboxUnavailable.
	Available(ctx context.Context) error
	Launch(ctx context.Context, spec Spec, onLine LineFunc) (Process, error)
}

// Config configures New
type Config struct {
	// Kind is "process" or "docker"
	Kind        string
	Agent       AgentKind
	Model       string
	DockerImage string
	Binary      string
	Args        []string
	StopTimeout time.Duration
}

// New returns the sandbox selected by cfg.Kind
func New(cfg Config, logger *slog.Logger) (Sandbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Agent == "" {
		cfg.Agent = AgentOpenCode
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	logger = logger.With("component", "sandbox", "kind", cfg.Kind)

	switch cfg.Kind {
	case "", "process":
		return &ProcessSandbox{cfg: cfg, logger: logger}, nil
	case "docker":
		if cfg.DockerImage == "" {
			return nil, fmt.Errorf("docker sandbox needs an image")
		}
		return &DockerSandbox{cfg: cfg, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown sandbox kind %q", cfg.Kind)
	}
}

// agentCommand returns the agent binary and its arguments
func agentCommand(cfg Config, prompt string) (string, []string) {
	switch cfg.Agent {
	case AgentClaudeCode:
		return "claude", []string{
			"--print",
			"--verbose",
			"--dangerously-skip-permissions",
			"--output-format", "stream-json",
			"-p", prompt,
		}
	case AgentCustom:
		args := append([]string{}, cfg.Args...)
		return cfg.Binary, append(args, prompt)
	default:
		args := []string{"run"}
		if cfg.Model != "" {
			args = append(args, "-m", cfg.Model)
		}
		return "opencode", append(args, prompt)
	}
}

// ProcessSandbox runs the agent as a local child process whose working
// directory is the run's exclusive clone
type ProcessSandbox struct {
	cfg    Config
	logger *slog.Logger
}

// Available checks that the agent binary is installed
func (s *ProcessSandbox) Available(ctx context.Context) error {
	bin, _ := agentCommand(s.cfg, "")
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("%w: %s not found: %v", domain.ErrSandboxUnavailable, bin, err)
	}
	return nil
}

// Launch starts the agent
func (s *ProcessSandbox) Launch(ctx context.Context, spec Spec, onLine LineFunc) (Process, error) {
	bin, args := agentCommand(s.cfg, spec.Prompt)
	cmd := exec.Command(bin, args...)
	cmd.Dir = spec.Workdir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, "TASKORCH_RUN_ID="+spec.RunID, "TASKORCH_TASK_ID="+spec.TaskID)
	setProcessGroup(cmd)

	p := &process{
		cmd:       cmd,
		terminate: func() error { return signalGroup(cmd, syscall.SIGTERM) },
		kill:      func() error { return signalGroup(cmd, syscall.SIGKILL) },
	}
	if err := p.start(onLine); err != nil {
		return nil, fmt.Errorf("starting %s: %w", bin, err)
	}
	s.logger.Info("agent started", "run_id", spec.RunID, "pid", cmd.Process.Pid, "agent", s.cfg.Agent)
	return p, nil
}

// DockerSandbox runs the agent in a throwaway container with the run's
// clone mounted at /workspace
type DockerSandbox struct {
	cfg    Config
	logger *slog.Logger
}

// Available checks that the docker daemon answers
func (s *DockerSandbox) Available(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("%w: docker not found: %v", domain.ErrSandboxUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").CombinedOutput(); err != nil {
		return fmt.Errorf("%w: docker daemon: %s: %v", domain.ErrSandboxUnavailable, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// ContainerName returns the container name used for a run
func ContainerName(runID string) string {
	return "taskorch-" + runID
}

// Launch starts the agent container
func (s *DockerSandbox) Launch(ctx context.Context, spec Spec, onLine LineFunc) (Process, error) {
	name := ContainerName(spec.RunID)
	args := []string{
		"run", "--rm", "--name", name,
		"--label", "taskorch.run=" + spec.RunID,
		"-v", spec.Workdir + ":/workspace",
		"-w", "/workspace",
		"-e", "TASKORCH_RUN_ID=" + spec.RunID,
		"-e", "TASKORCH_TASK_ID=" + spec.TaskID,
	}
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}
	bin, agentArgs := agentCommand(s.cfg, spec.Prompt)
	args = append(args, s.cfg.DockerImage, bin)
	args = append(args, agentArgs...)

	stopSecs := fmt.Sprintf("%d", int(s.cfg.StopTimeout.Seconds()))
	cmd := exec.Command("docker", args...)
	p := &process{
		cmd: cmd,
		terminate: func() error {
			return exec.Command("docker", "stop", "--time", stopSecs, name).Start()
		},
		kill: func() error {
			err := exec.Command("docker", "kill", name).Run()
			cmd.Process.Kill()
			return err
		},
	}
	if err := p.start(onLine); err != nil {
		return nil, fmt.Errorf("starting container %s: %w", name, err)
	}
	s.logger.Info("agent container started", "run_id", spec.RunID, "container", name)
	return p, nil
}

// outputDrainTimeout bounds how long output is read after the agent exits.
// A descendant that left the process group may hold the pipes open.
const outputDrainTimeout = 2 * time.Second

type process struct {
	cmd       *exec.Cmd
	terminate func() error
	kill      func() error
	drain     time.Duration

	done chan struct{}
	err  error
}

func (p *process) start(onLine LineFunc) error {
	outR, outW, err := os.Pipe()
	if err != nil {
		return err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return err
	}
	// *os.File outputs are handed to the child directly, so Wait returns
	// when the agent exits rather than when every pipe writer is gone
	p.cmd.Stdout = outW
	p.cmd.Stderr = errW
	err = p.cmd.Start()
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return err
	}
	if p.drain <= 0 {
		p.drain = outputDrainTimeout
	}

	p.done = make(chan struct{})
	drained := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, outR, "stdout", onLine)
	go streamLines(&wg, errR, "stderr", onLine)
	go func() {
		wg.Wait()
		close(drained)
	}()
	go func() {
		p.err = p.cmd.Wait()
		select {
		case <-drained:
		case <-time.After(p.drain):
		}
		// unblocks readers still waiting on a leftover writer
		outR.Close()
		errR.Close()
		<-drained
		close(p.done)
	}()
	return nil
}

func (p *process) Wait() error {
	<-p.done
	return p.err
}

func (p *process) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.terminate()
}

func (p *process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.kill()
}

func streamLines(wg *sync.WaitGroup, r io.Reader, stream string, onLine LineFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	// agents emit long JSON lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(stream, scanner.Text())
		}
	}
	// drain whatever is left after an oversized line so the process never blocks
	io.Copy(io.Discard, r)
}
