// Package gitflow performs the repository side of a run: clone, branch,
// commit, push, merge and pull request creation.
package gitflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// BranchPrefix namespaces every branch the orchestrator creates
const BranchPrefix = "taskorch/"

// CommitResult describes the outcome of Commit
type CommitResult struct {
	SHA string
	// Committed is false when the working tree had nothing to commit
	Committed bool
}

// MergeResult lists which branches made it into the target branch
type MergeResult struct {
	Merged     []string
	Conflicted []string
}

// Engine runs git operations with the git CLI
type Engine struct {
	reposDir string
	token    string
	webURL   string
	pool     *Pool
	prs      *GitHub
	logger   *slog.Logger
}

// Options configures an Engine
type Options struct {
	ReposDir string
	Token    string
	WebURL   string
	Pool     *Pool
	GitHub   *GitHub
	Logger   *slog.Logger
}

// NewEngine creates a git workflow engine
func NewEngine(opts Options) *Engine {
	if opts.WebURL == "" {
		opts.WebURL = "https://github.com"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		reposDir: opts.ReposDir,
		token:    opts.Token,
		webURL:   strings.TrimSuffix(opts.WebURL, "/"),
		pool:     opts.Pool,
		prs:      opts.GitHub,
		logger:   opts.Logger.With("component", "gitflow"),
	}
}

// BranchName returns the working branch for a task
func BranchName(taskID string) string {
	return BranchPrefix + domain.ShortID(taskID)
}

// BatchBranchName returns the branch a combined batch is merged into
func BatchBranchName(batchID string) string {
	return BranchPrefix + "batch-" + domain.ShortID(batchID)
}

// Workdir returns the exclusive clone directory of a run
func (e *Engine) Workdir(repo domain.RepoRef, runID string) string {
	return filepath.Join(e.reposDir, sanitizeName(repo.Name()), runID)
}

// Clone makes a shallow clone of the repository's base branch into a
// directory owned by runID alone and returns that directory.
func (e *Engine) Clone(ctx context.Context, repo domain.RepoRef, runID string) (string, error) {
	workdir := e.Workdir(repo, runID)
	if _, err := os.Stat(workdir); err == nil {
		return "", fmt.Errorf("workdir %s already exists", workdir)
	}
	if err := os.MkdirAll(filepath.Dir(workdir), 0755); err != nil {
		return "", fmt.Errorf("creating repos dir: %w", err)
	}

	src := e.cloneSource(repo)
	args := []string{"clone", "--single-branch", "--branch", repo.Base()}
	if isRemote(src) {
		args = append(args, "--depth", "1")
	}
	args = append(args, src, workdir)

	err := e.pool.Run(ctx, func() error {
		_, err := e.run(ctx, "", nil, "clone", args...)
		return err
	})
	if err != nil {
		os.RemoveAll(workdir)
		return "", err
	}
	return workdir, nil
}

// CreateBranch creates and checks out a new branch in workdir
func (e *Engine) CreateBranch(ctx context.Context, workdir, branch string) error {
	_, err := e.run(ctx, workdir, nil, "checkout", "checkout", "-b", branch)
	return err
}

// Commit stages everything in workdir and commits it with the given
// identity. A clean working tree is not an error: Committed is false.
func (e *Engine) Commit(ctx context.Context, workdir, message string, id Identity) (CommitResult, error) {
	if _, err := e.run(ctx, workdir, nil, "add", "add", "-A"); err != nil {
		return CommitResult{}, err
	}

	status, err := e.run(ctx, workdir, nil, "status", "status", "--porcelain")
	if err != nil {
		return CommitResult{}, err
	}
	if strings.TrimSpace(status) == "" {
		return CommitResult{Committed: false}, nil
	}

	args := []string{
		"-c", "user.name=" + id.CommitterName,
		"-c", "user.email=" + id.CommitterEmail,
		"commit", "-m", message,
	}
	if _, err := e.run(ctx, workdir, id.Env(), "commit", args...); err != nil {
		return CommitResult{}, err
	}

	sha, err := e.HeadSHA(ctx, workdir)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{SHA: sha, Committed: true}, nil
}

// HeadSHA returns the commit checked out in workdir
func (e *Engine) HeadSHA(ctx context.Context, workdir string) (string, error) {
	out, err := e.run(ctx, workdir, nil, "rev-parse", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Push publishes branch to origin. When the remote rejects the push because
// it has moved on, the branch is rebased onto the remote once and pushed
// again, committing as id; a second failure is reported as a merge conflict.
func (e *Engine) Push(ctx context.Context, workdir, branch string, id Identity) error {
	return e.pool.Run(ctx, func() error {
		out, err := e.run(ctx, workdir, nil, "push", "push", "-u", "origin", branch)
		if err == nil {
			return nil
		}
		if !isRejected(out) {
			return err
		}

		e.logger.Info("push rejected, rebasing onto remote", "branch", branch)
		if _, rerr := e.run(ctx, workdir, id.Env(), "rebase",
			"-c", "user.name="+id.CommitterName, "-c", "user.email="+id.CommitterEmail,
			"pull", "--rebase", "origin", branch); rerr != nil {
			e.run(ctx, workdir, nil, "rebase", "rebase", "--abort")
			return conflictError("push", rerr)
		}

		if _, err := e.run(ctx, workdir, nil, "push", "push", "-u", "origin", branch); err != nil {
			return conflictError("push", err)
		}
		return nil
	})
}

// Merge creates branch into from the current HEAD of workdir and merges each
// of branches into it with a merge commit. Branches that conflict are
// aborted and reported in Conflicted; the rest are merged in order.
func (e *Engine) Merge(ctx context.Context, workdir, into string, branches []string, id Identity) (MergeResult, error) {
	var res MergeResult
	if err := e.CreateBranch(ctx, workdir, into); err != nil {
		return res, err
	}

	for _, branch := range branches {
		ref := "refs/remotes/origin/" + branch
		err := e.pool.Run(ctx, func() error {
			_, err := e.run(ctx, workdir, nil, "fetch", "fetch", "origin", "+"+branch+":"+ref)
			return err
		})
		if err != nil {
			return res, err
		}

		_, err = e.run(ctx, workdir, id.Env(), "merge",
			"-c", "user.name="+id.CommitterName, "-c", "user.email="+id.CommitterEmail,
			"merge", "--no-ff", "-m", "Merge "+branch+" into "+into, ref)
		if err != nil {
			if ctx.Err() != nil {
				return res, err
			}
			e.run(ctx, workdir, nil, "merge", "merge", "--abort")
			e.logger.Warn("branch does not merge cleanly", "branch", branch, "into", into)
			res.Conflicted = append(res.Conflicted, branch)
			continue
		}
		res.Merged = append(res.Merged, branch)
	}
	return res, nil
}

// OpenPullRequest opens a pull request for branch. When that fails it still
// returns a usable compare link together with the error.
func (e *Engine) OpenPullRequest(ctx context.Context, repo domain.RepoRef, req PullRequestRequest) (PullRequest, error) {
	if req.Base == "" {
		req.Base = repo.Base()
	}
	if e.prs == nil {
		return CompareLink(e.webURL, repo, req.Base, req.Branch), errors.New("no pull request client configured")
	}
	return e.prs.OpenPullRequest(ctx, repo, req)
}

// Remove deletes a run's working directory
func (e *Engine) Remove(workdir string) error {
	if workdir == "" || !strings.HasPrefix(filepath.Clean(workdir), filepath.Clean(e.reposDir)+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %q outside repos dir", workdir)
	}
	return os.RemoveAll(workdir)
}

func (e *Engine) run(ctx context.Context, dir string, env []string, op string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, env...)

	out, err := cmd.CombinedOutput()
	output := e.redact(strings.TrimSpace(string(out)))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return output, &Error{Op: "git " + op, Kind: Classify(output, err), Output: output, Err: err}
	}
	return output, nil
}

func (e *Engine) cloneSource(repo domain.RepoRef) string {
	src := repo.CloneURL
	if src == "" {
		src = e.webURL + "/" + repo.FullName + ".git"
	}
	if e.token == "" {
		return src
	}
	u, err := url.Parse(src)
	if err != nil || u.Scheme != "https" {
		return src
	}
	u.User = url.UserPassword("x-access-token", e.token)
	return u.String()
}

func (e *Engine) redact(s string) string {
	if e.token == "" {
		return s
	}
	return strings.ReplaceAll(s, e.token, "***")
}

func conflictError(op string, err error) error {
	ge := &Error{Op: op, Kind: domain.CategoryMergeConflict, Err: err}
	var inner *Error
	if errors.As(err, &inner) {
		ge.Output = inner.Output
		ge.Err = inner.Err
		if inner.Kind == domain.CategoryTimeout || inner.Kind == domain.CategoryAuth {
			ge.Kind = inner.Kind
		}
	}
	return ge
}

func isRejected(out string) bool {
	o := strings.ToLower(out)
	return strings.Contains(o, "[rejected]") ||
		strings.Contains(o, "non-fast-forward") ||
		strings.Contains(o, "fetch first")
}

func isRemote(src string) bool {
	return strings.Contains(src, "://") || strings.HasPrefix(src, "git@")
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeName(name string) string {
	name = unsafeName.ReplaceAllString(name, "-")
	if name == "" || name == "." || name == ".." {
		return "repo"
	}
	return name
}
