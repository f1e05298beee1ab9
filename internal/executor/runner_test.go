package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
	"github.com/hochfrequenz/task-orchestrator/internal/gitflow"
	"github.com/hochfrequenz/task-orchestrator/internal/logging"
	"github.com/hochfrequenz/task-orchestrator/internal/sandbox"
)

// fakeSandbox runs script in place of an agent. With block set the process
// stays alive until terminated, or forever when ignoreTerm is also set.
type fakeSandbox struct {
	unavailable error
	launchErr   error
	script      func(spec sandbox.Spec, onLine sandbox.LineFunc)
	exitErr     error
	block       bool
	ignoreTerm  bool
	probeGate   chan struct{}
	launches    atomic.Int32
	probes      atomic.Int32
}

func (s *fakeSandbox) Available(ctx context.Context) error {
	s.probes.Add(1)
	if s.probeGate != nil {
		select {
		case <-s.probeGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.unavailable
}

func (s *fakeSandbox) Launch(_ context.Context, spec sandbox.Spec, onLine sandbox.LineFunc) (sandbox.Process, error) {
	if s.launchErr != nil {
		return nil, s.launchErr
	}
	s.launches.Add(1)
	p := &fakeProcess{done: make(chan struct{}), stop: make(chan struct{}), ignoreTerm: s.ignoreTerm}
	go func() {
		defer close(p.done)
		if s.script != nil {
			s.script(spec, onLine)
		}
		if s.block {
			<-p.stop
			p.err = errors.New("signal: terminated")
			return
		}
		p.err = s.exitErr
	}()
	return p, nil
}

type fakeProcess struct {
	done       chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	ignoreTerm bool
	err        error
	terminated atomic.Int32
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	if !p.ignoreTerm {
		p.stopOnce.Do(func() { close(p.stop) })
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	if !p.ignoreTerm {
		p.stopOnce.Do(func() { close(p.stop) })
	}
	return nil
}

type fakeGit struct {
	base      string
	committed bool
	cloneErr  error
	pushErr   error
	pr        gitflow.PullRequest
	prErr     error

	mu             sync.Mutex
	calls          []string
	pushed         []string
	commitIdentity gitflow.Identity
	pushIdentity   gitflow.Identity
}

func (g *fakeGit) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGit) called(call string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (g *fakeGit) Clone(ctx context.Context, repo domain.RepoRef, runID string) (string, error) {
	g.record("clone")
	if g.cloneErr != nil {
		return "", g.cloneErr
	}
	dir := filepath.Join(g.base, runID)
	return dir, os.MkdirAll(dir, 0o755)
}

func (g *fakeGit) CreateBranch(ctx context.Context, workdir, branch string) error {
	g.record("branch")
	return ctx.Err()
}

func (g *fakeGit) Commit(ctx context.Context, workdir, message string, id gitflow.Identity) (gitflow.CommitResult, error) {
	g.record("commit")
	g.mu.Lock()
	g.commitIdentity = id
	g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return gitflow.CommitResult{}, err
	}
	if !g.committed {
		return gitflow.CommitResult{}, nil
	}
	return gitflow.CommitResult{SHA: "abc1234def", Committed: true}, nil
}

func (g *fakeGit) Push(ctx context.Context, workdir, branch string, id gitflow.Identity) error {
	g.record("push")
	g.mu.Lock()
	g.pushed = append(g.pushed, branch)
	g.pushIdentity = id
	g.mu.Unlock()
	return g.pushErr
}

func (g *fakeGit) OpenPullRequest(ctx context.Context, repo domain.RepoRef, req gitflow.PullRequestRequest) (gitflow.PullRequest, error) {
	g.record("pr")
	return g.pr, g.prErr
}

func (g *fakeGit) Remove(workdir string) error {
	g.record("remove")
	return os.RemoveAll(workdir)
}

type fakeTracker struct {
	mu       sync.Mutex
	begun    []string
	finished []domain.ExecutionRun
	progress int
}

func (t *fakeTracker) Begin(taskID, runID, branch string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.begun = append(t.begun, runID)
	return nil
}

func (t *fakeTracker) Progress(runID string, progress, files, tools int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = progress
}

func (t *fakeTracker) Finish(run domain.ExecutionRun) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = append(t.finished, run)
	return nil
}

func (t *fakeTracker) lastFinished() domain.ExecutionRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.finished) == 0 {
		return domain.ExecutionRun{}
	}
	return t.finished[len(t.finished)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) phases(runID string) []domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Phase
	for _, ev := range r.events {
		if p, ok := ev.(events.ExecutionProgress); ok && p.RunID == runID {
			out = append(out, p.Status)
		}
	}
	return out
}

func (r *recorder) last(runID string) events.ExecutionProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if p, ok := r.events[i].(events.ExecutionProgress); ok && p.RunID == runID {
			return p
		}
	}
	return events.ExecutionProgress{}
}

type harness struct {
	runner  *Runner
	sb      *fakeSandbox
	git     *fakeGit
	tracker *fakeTracker
	rec     *recorder
}

func newHarness(t *testing.T, sb *fakeSandbox, git *fakeGit, opts ...func(*Options)) *harness {
	t.Helper()
	git.base = t.TempDir()
	h := &harness{sb: sb, git: git, tracker: &fakeTracker{}, rec: &recorder{}}
	o := Options{
		Git:         git,
		Sandbox:     sb,
		Tracker:     h.tracker,
		Events:      h.rec,
		Logger:      logging.Discard(),
		CancelGrace: 100 * time.Millisecond,
		Getenv:      func(string) string { return "" },
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.runner = NewRunner(o)
	return h
}

func newTask(id string) *domain.Task {
	return &domain.Task{ID: id, Title: "Add dark mode toggle", Status: domain.TaskTodo, Priority: domain.PriorityMedium}
}

var testRepo = domain.RepoRef{FullName: "acme/widgets", CloneURL: "https://github.com/acme/widgets.git", DefaultBranch: "main"}

func waitResult(t *testing.T, h *RunHandle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
	return res
}

func equalPhases(a, b []domain.Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunnerHappyPath(t *testing.T) {
	sb := &fakeSandbox{script: func(spec sandbox.Spec, onLine sandbox.LineFunc) {
		onLine("stdout", `{"type":"tool_use","name":"edit"}`)
		onLine("stdout", `{"type":"tool_use","name":"bash"}`)
		onLine("stdout", "plain output")
	}}
	git := &fakeGit{committed: true, pr: gitflow.PullRequest{URL: "https://github.com/acme/widgets/pull/7", Number: 7}}
	h := newHarness(t, sb, git)

	handle, err := h.runner.Start(context.Background(), newTask("task-0001-aaaa"), testRepo, RunOptions{})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	res := waitResult(t, handle)

	if res.Phase != domain.PhaseDone || res.Status != domain.RunCompleted {
		t.Fatalf("result = %+v, want done/completed", res)
	}
	if res.PRURL != "https://github.com/acme/widgets/pull/7" || res.IsCompareLink {
		t.Errorf("PR = %q compare=%v", res.PRURL, res.IsCompareLink)
	}
	if res.ToolsExecuted != 2 {
		t.Errorf("ToolsExecuted = %d, want 2", res.ToolsExecuted)
	}

	want := []domain.Phase{domain.PhaseCloning, domain.PhaseExecuting, domain.PhaseCommitting, domain.PhaseCreatingPR, domain.PhaseDone}
	if got := h.rec.phases(handle.RunID); !equalPhases(got, want) {
		t.Errorf("phases = %v, want %v", got, want)
	}
	last := h.rec.last(handle.RunID)
	if last.PRURL != res.PRURL || last.Progress == nil || *last.Progress != 100 {
		t.Errorf("done event = %+v", last)
	}

	run := h.tracker.lastFinished()
	if run.Status != domain.RunCompleted || run.Progress != 100 || run.CommitSHA != "abc1234def" || run.PRNumber != 7 {
		t.Errorf("persisted run = %+v", run)
	}
	if run.Branch != gitflow.BranchName("task-0001-aaaa") {
		t.Errorf("branch = %q", run.Branch)
	}
	if !git.called("remove") {
		t.Error("workdir was not removed")
	}
	if len(handle.Logs()) != 3 {
		t.Errorf("Logs() has %d entries, want 3", len(handle.Logs()))
	}
	if h.runner.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after finish", h.runner.ActiveCount())
	}
}

func TestRunnerPushUsesCommitIdentity(t *testing.T) {
	git := &fakeGit{committed: true, pr: gitflow.PullRequest{URL: "https://github.com/acme/widgets/pull/8", Number: 8}}
	h := newHarness(t, &fakeSandbox{}, git)

	override := &gitflow.Identity{AuthorName: "Ada", AuthorEmail: "ada@example.com"}
	handle, err := h.runner.Start(context.Background(), newTask("task-0009-iiii"), testRepo, RunOptions{Identity: override})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitResult(t, handle)

	git.mu.Lock()
	defer git.mu.Unlock()
	want := gitflow.Identity{AuthorName: "Ada", AuthorEmail: "ada@example.com", CommitterName: "Ada", CommitterEmail: "ada@example.com"}
	if git.commitIdentity != want {
		t.Errorf("commit identity = %+v, want %+v", git.commitIdentity, want)
	}
	if git.pushIdentity != git.commitIdentity {
		t.Errorf("push identity = %+v, want the commit identity %+v", git.pushIdentity, git.commitIdentity)
	}
}

func TestRunnerNoChanges(t *testing.T) {
	git := &fakeGit{committed: false}
	h := newHarness(t, &fakeSandbox{}, git)

	handle, err := h.runner.Start(context.Background(), newTask("task-nochange"), testRepo, RunOptions{})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	res := waitResult(t, handle)

	if res.Phase != domain.PhaseDone {
		t.Fatalf("phase = %s, want done", res.Phase)
	}
	if res.PRURL != "" || res.Committed {
		t.Errorf("no-change run produced PR %q committed=%v", res.PRURL, res.Committed)
	}
	if res.Message != OutcomeNoChanges {
		t.Errorf("message = %q", res.Message)
	}
	if git.called("push") || git.called("pr") {
		t.Error("no-change run must not push or open a PR")
	}
	want := []domain.Phase{domain.PhaseCloning, domain.PhaseExecuting, domain.PhaseCommitting, domain.PhaseDone}
	if got := h.rec.phases(handle.RunID); !equalPhases(got, want) {
		t.Errorf("phases = %v, want %v", got, want)
	}
	if run := h.tracker.lastFinished(); run.Outcome != OutcomeNoChanges || run.Status != domain.RunCompleted {
		t.Errorf("persisted run = %+v", run)
	}
}

func TestRunnerCompareLinkFallback(t *testing.T) {
	git := &fakeGit{
		committed: true,
		pr:        gitflow.PullRequest{URL: "https://github.com/acme/widgets/compare/main...taskorch/x", IsCompareLink: true},
		prErr:     &gitflow.Error{Op: "pull request", Kind: domain.CategoryRateLimit, Err: errors.New("403")},
	}
	h := newHarness(t, &fakeSandbox{}, git)

	handle, _ := h.runner.Start(context.Background(), newTask("task-compare"), testRepo, RunOptions{})
	res := waitResult(t, handle)
	if res.Phase != domain.PhaseDone || !res.IsCompareLink {
		t.Fatalf("result = %+v, want done with compare link", res)
	}
	if ev := h.rec.last(handle.RunID); !ev.IsCompareLink || ev.PRURL == "" {
		t.Errorf("done event = %+v", ev)
	}
}

func TestRunnerSkipPullRequest(t *testing.T) {
	git := &fakeGit{committed: true}
	h := newHarness(t, &fakeSandbox{}, git)

	handle, _ := h.runner.Start(context.Background(), newTask("task-skip-pr"), testRepo, RunOptions{SkipPullRequest: true})
	res := waitResult(t, handle)
	if res.Phase != domain.PhaseDone || !res.Committed {
		t.Fatalf("result = %+v", res)
	}
	if git.called("pr") {
		t.Error("pull request opened despite SkipPullRequest")
	}
	if !git.called("push") {
		t.Error("branch not pushed")
	}
}

func TestRunnerFailures(t *testing.T) {
	tests := []struct {
		name string
		sb   *fakeSandbox
		git  *fakeGit
		want domain.ErrorCategory
	}{
		{
			name: "agent auth failure",
			sb: &fakeSandbox{
				script: func(_ sandbox.Spec, onLine sandbox.LineFunc) {
					onLine("stderr", "Error: 401 Unauthorized")
				},
				exitErr: errors.New("exit status 1"),
			},
			git:  &fakeGit{},
			want: domain.CategoryAuth,
		},
		{
			name: "push conflict",
			sb:   &fakeSandbox{},
			git: &fakeGit{
				committed: true,
				pushErr:   &gitflow.Error{Op: "push", Kind: domain.CategoryMergeConflict, Err: errors.New("rejected")},
			},
			want: domain.CategoryMergeConflict,
		},
		{
			name: "clone failure",
			sb:   &fakeSandbox{},
			git:  &fakeGit{cloneErr: errors.New("repository not found")},
			want: domain.CategoryUnknown,
		},
		{
			name: "launch failure",
			sb:   &fakeSandbox{launchErr: errors.New("exec: opencode: not found")},
			git:  &fakeGit{},
			want: domain.CategoryUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.sb, tt.git)
			handle, err := h.runner.Start(context.Background(), newTask("task-fail"), testRepo, RunOptions{})
			if err != nil {
				t.Fatalf("Start() error: %v", err)
			}
			res := waitResult(t, handle)
			if res.Phase != domain.PhaseError || res.Status != domain.RunFailed {
				t.Fatalf("result = %+v, want error", res)
			}
			if res.ErrorCategory != tt.want {
				t.Errorf("category = %s, want %s", res.ErrorCategory, tt.want)
			}
			if run := h.tracker.lastFinished(); run.ErrorMessage == "" {
				t.Error("error message not persisted")
			}
		})
	}
}

func TestRunnerRejectsSecondRunForTask(t *testing.T) {
	h := newHarness(t, &fakeSandbox{block: true}, &fakeGit{})
	task := newTask("task-dup")

	first, err := h.runner.Start(context.Background(), task, testRepo, RunOptions{})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := h.runner.Start(context.Background(), task, testRepo, RunOptions{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	h.runner.Cancel(first)
	waitResult(t, first)

	again, err := h.runner.Start(context.Background(), task, testRepo, RunOptions{})
	if err != nil {
		t.Fatalf("Start() after finish error: %v", err)
	}
	if again.RunID == first.RunID {
		t.Error("new attempt reused the run id")
	}
	h.runner.Cancel(again)
	waitResult(t, again)
}

func TestRunnerParallelLimit(t *testing.T) {
	h := newHarness(t, &fakeSandbox{block: true}, &fakeGit{})

	a, err := h.runner.Start(context.Background(), newTask("task-a"), testRepo, RunOptions{Limit: 1})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := h.runner.Start(context.Background(), newTask("task-b"), testRepo, RunOptions{Limit: 1}); !errors.Is(err, ErrParallelLimit) {
		t.Errorf("Start() = %v, want ErrParallelLimit", err)
	}
	h.runner.Cancel(a)
	waitResult(t, a)
}

func TestRunnerSandboxUnavailable(t *testing.T) {
	sb := &fakeSandbox{unavailable: errors.New("docker daemon not running")}
	git := &fakeGit{}
	h := newHarness(t, sb, git)

	handle, err := h.runner.Start(context.Background(), newTask("task-nosb"), testRepo, RunOptions{})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	res := waitResult(t, handle)
	if res.Status != domain.RunFailed || !errors.Is(res.Err, domain.ErrSandboxUnavailable) {
		t.Fatalf("result = %+v, want failed with ErrSandboxUnavailable", res)
	}
	if git.called("clone") || sb.launches.Load() != 0 {
		t.Error("run went ahead although sandbox was unavailable")
	}

	// the cached failure is reported synchronously to the next start
	_, err = h.runner.Start(context.Background(), newTask("task-nosb-2"), testRepo, RunOptions{})
	if !errors.Is(err, domain.ErrSandboxUnavailable) {
		t.Fatalf("second Start() = %v, want ErrSandboxUnavailable", err)
	}
	if len(h.tracker.begun) != 1 {
		t.Errorf("recorded %d runs, want 1", len(h.tracker.begun))
	}
	if h.runner.ActiveCount() != 0 {
		t.Error("task left active")
	}
}

func TestRunnerStartDoesNotWaitForSandboxProbe(t *testing.T) {
	sb := &fakeSandbox{probeGate: make(chan struct{})}
	h := newHarness(t, sb, &fakeGit{committed: true})

	started := make(chan *RunHandle, 1)
	go func() {
		handle, err := h.runner.Start(context.Background(), newTask("task-slow-probe"), testRepo, RunOptions{})
		if err != nil {
			t.Errorf("Start() error: %v", err)
		}
		started <- handle
	}()

	var handle *RunHandle
	select {
	case handle = <-started:
	case <-time.After(2 * time.Second):
		close(sb.probeGate)
		t.Fatal("Start blocked on the sandbox probe")
	}
	close(sb.probeGate)
	if res := waitResult(t, handle); res.Status != domain.RunCompleted {
		t.Errorf("result = %+v, want completed", res)
	}

	// a fresh successful probe is reused
	second, err := h.runner.Start(context.Background(), newTask("task-slow-probe-2"), testRepo, RunOptions{})
	if err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	waitResult(t, second)
	if n := sb.probes.Load(); n != 1 {
		t.Errorf("probed %d times, want 1", n)
	}
}

func TestRunnerCancel(t *testing.T) {
	sb := &fakeSandbox{block: true}
	h := newHarness(t, sb, &fakeGit{committed: true})

	handle, _ := h.runner.Start(context.Background(), newTask("task-cancel"), testRepo, RunOptions{})
	waitForPhase(t, handle, domain.PhaseExecuting)

	if !h.runner.CancelTask("task-cancel") {
		t.Fatal("CancelTask() found no run")
	}
	res := waitResult(t, handle)
	if res.Phase != domain.PhaseCancelled || res.Status != domain.RunCancelled {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	if h.git.called("commit") {
		t.Error("cancelled run must not commit")
	}
	if h.runner.CancelTask("task-cancel") {
		t.Error("CancelTask() after finish reported a run")
	}
}

func TestRunnerCancelForcedAfterGrace(t *testing.T) {
	sb := &fakeSandbox{block: true, ignoreTerm: true}
	h := newHarness(t, sb, &fakeGit{})

	handle, _ := h.runner.Start(context.Background(), newTask("task-stuck"), testRepo, RunOptions{})
	waitForPhase(t, handle, domain.PhaseExecuting)

	start := time.Now()
	h.runner.Cancel(handle)
	h.runner.Cancel(handle)
	res := waitResult(t, handle)
	if res.Phase != domain.PhaseCancelled {
		t.Fatalf("phase = %s, want cancelled", res.Phase)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("force cancel took %s", elapsed)
	}

	terminal := 0
	for _, p := range h.rec.phases(handle.RunID) {
		if p.IsTerminal() {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("%d terminal events, want exactly 1", terminal)
	}
}

func TestRunnerTimeout(t *testing.T) {
	sb := &fakeSandbox{block: true}
	h := newHarness(t, sb, &fakeGit{}, func(o *Options) { o.TaskTimeout = 50 * time.Millisecond })

	handle, _ := h.runner.Start(context.Background(), newTask("task-slow"), testRepo, RunOptions{})
	res := waitResult(t, handle)
	if res.Phase != domain.PhaseError || res.ErrorCategory != domain.CategoryTimeout {
		t.Fatalf("result = %+v, want TIMEOUT error", res)
	}
}

func TestRunnerOutlivesStartContext(t *testing.T) {
	h := newHarness(t, &fakeSandbox{}, &fakeGit{committed: true, pr: gitflow.PullRequest{URL: "https://github.com/acme/widgets/pull/1", Number: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := h.runner.Start(ctx, newTask("task-req"), testRepo, RunOptions{})
	cancel()
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if res := waitResult(t, handle); res.Phase != domain.PhaseDone {
		t.Errorf("phase = %s, want done", res.Phase)
	}
}

func TestRunnerShutdown(t *testing.T) {
	h := newHarness(t, &fakeSandbox{block: true}, &fakeGit{})
	a, _ := h.runner.Start(context.Background(), newTask("task-s1"), testRepo, RunOptions{})
	b, _ := h.runner.Start(context.Background(), newTask("task-s2"), testRepo, RunOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.runner.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	for _, handle := range []*RunHandle{a, b} {
		if res := handle.Result(); res.Phase != domain.PhaseCancelled {
			t.Errorf("run %s phase = %s, want cancelled", handle.RunID, res.Phase)
		}
	}
}

func TestRunHandleResolveOnce(t *testing.T) {
	h := NewRunHandle("run-1", "task-1")
	if !h.Resolve(Result{Phase: domain.PhaseDone}) {
		t.Fatal("first Resolve() = false")
	}
	if h.Resolve(Result{Phase: domain.PhaseError}) {
		t.Error("second Resolve() = true")
	}
	res := h.Result()
	if res.Status != domain.RunCompleted || res.RunID != "run-1" || res.TaskID != "task-1" {
		t.Errorf("Result() = %+v", res)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() not closed")
	}
}

func waitForPhase(t *testing.T, h *RunHandle, phase domain.Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.Phase() == phase {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run never reached %s, at %s", phase, h.Phase())
}
