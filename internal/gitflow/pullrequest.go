package gitflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// PullRequestRequest describes a pull request to open
type PullRequestRequest struct {
	Branch string
	Base   string
	Title  string
	Body   string
}

// PullRequest is an opened pull request, or a compare link standing in for one
type PullRequest struct {
	URL           string
	Number        int
	IsCompareLink bool
}

// GitHub opens pull requests through the GitHub REST API
type GitHub struct {
	apiURL string
	webURL string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewGitHub creates a pull request client. An empty token disables the API
// and every request degrades to a compare link.
func NewGitHub(apiURL, webURL, token string, timeout time.Duration, logger *slog.Logger) *GitHub {
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	if webURL == "" {
		webURL = "https://github.com"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		apiURL: strings.TrimSuffix(apiURL, "/"),
		webURL: strings.TrimSuffix(webURL, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "github"),
	}
}

type createPullRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
}

type pullRequestResponse struct {
	HTMLURL string `json:"html_url"`
	Number  int    `json:"number"`
}

// OpenPullRequest opens a pull request. On any failure it returns the
// compare link for the branch along with the error, so callers always have
// something to show.
func (g *GitHub) OpenPullRequest(ctx context.Context, repo domain.RepoRef, req PullRequestRequest) (PullRequest, error) {
	if req.Base == "" {
		req.Base = repo.Base()
	}
	fallback := CompareLink(g.webURL, repo, req.Base, req.Branch)

	if g.token == "" {
		return fallback, errors.New("no GitHub token configured")
	}

	payload, err := json.Marshal(createPullRequest{Title: req.Title, Head: req.Branch, Base: req.Base, Body: req.Body})
	if err != nil {
		return fallback, err
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls", g.apiURL, repo.Owner(), repo.Name())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fallback, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.token)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fallback, &Error{Op: "create pull request", Kind: Classify("", err), Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusCreated {
		kind := classifyStatus(resp.StatusCode, string(body))
		return fallback, &Error{
			Op:     "create pull request",
			Kind:   kind,
			Output: strings.TrimSpace(string(body)),
			Err:    fmt.Errorf("github returned %d", resp.StatusCode),
		}
	}

	var pr pullRequestResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return fallback, fmt.Errorf("decoding pull request response: %w", err)
	}
	if pr.HTMLURL == "" {
		return fallback, errors.New("pull request response has no html_url")
	}
	if pr.Number == 0 {
		pr.Number = extractPRNumber(pr.HTMLURL)
	}
	return PullRequest{URL: pr.HTMLURL, Number: pr.Number}, nil
}

// CompareLink builds the compare URL shown when no pull request exists
func CompareLink(webURL string, repo domain.RepoRef, base, branch string) PullRequest {
	return PullRequest{
		URL:           fmt.Sprintf("%s/%s/%s/compare/%s...%s", strings.TrimSuffix(webURL, "/"), repo.Owner(), repo.Name(), base, branch),
		IsCompareLink: true,
	}
}

// BuildPRBody renders the pull request description for a task
func BuildPRBody(task *domain.Task, runID string, filesChanged int) string {
	var b strings.Builder
	b.WriteString("## Summary\n")
	b.WriteString(task.Title)
	b.WriteString("\n")
	if task.Description != "" {
		b.WriteString("\n")
		b.WriteString(task.Description)
		b.WriteString("\n")
	}
	if labels := task.LabelNames(); len(labels) > 0 {
		fmt.Fprintf(&b, "\n**Labels:** %s\n", strings.Join(labels, ", "))
	}
	fmt.Fprintf(&b, "\n## Run\n- Task: `%s`\n- Run: `%s`\n- Files changed: %d\n", task.ID, runID, filesChanged)
	b.WriteString("\n---\nAutonomous implementation by Task Orchestrator\n")
	return b.String()
}

func classifyStatus(status int, body string) domain.ErrorCategory {
	switch status {
	case http.StatusUnauthorized:
		return domain.CategoryAuth
	case http.StatusForbidden:
		if strings.Contains(strings.ToLower(body), "rate limit") {
			return domain.CategoryRateLimit
		}
		return domain.CategoryAuth
	case http.StatusTooManyRequests:
		return domain.CategoryRateLimit
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return domain.CategoryTimeout
	default:
		return domain.CategoryUnknown
	}
}

func extractPRNumber(url string) int {
	// URL format: https://github.com/owner/repo/pull/123
	parts := strings.Split(url, "/")
	if len(parts) > 0 {
		var num int
		fmt.Sscanf(parts[len(parts)-1], "%d", &num)
		return num
	}
	return 0
}
