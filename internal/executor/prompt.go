package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

const promptTemplate = `You are implementing: %s
%s%s
Instructions:
1. Work only inside the current directory, it is a fresh clone of the repository
2. Implement the task
3. Run the existing tests and make sure they pass
4. Do not commit, push or open pull requests, this is done for you

Do not ask for clarification. Make reasonable decisions based on the task.
`

// BuildPrompt constructs the agent prompt from a task
func BuildPrompt(task *domain.Task) string {
	var desc string
	if d := strings.TrimSpace(task.Description); d != "" {
		desc = fmt.Sprintf("\n%s\n", d)
	}
	var labels string
	if names := task.LabelNames(); len(names) > 0 {
		labels = fmt.Sprintf("\nLabels: %s\n", strings.Join(names, ", "))
	}
	return fmt.Sprintf(promptTemplate, task.Title, desc, labels)
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9\s]`)

// BuildCommitMessage creates the commit subject for a task run
func BuildCommitMessage(task *domain.Task) string {
	subject := nonAlnum.ReplaceAllString(strings.ToLower(task.Title), "")
	if len(subject) > 50 {
		subject = subject[:50]
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "task " + task.ShortID()
	}
	return "feat: " + subject
}

// EstimateProgress approximates how far along a running agent is from the
// tools it used, the files it touched and the time it has been running
func EstimateProgress(tools, files int, minutes float64) int {
	p := min(tools*5, 40) + min(files*10, 30) + min(int(minutes*3), 20)
	return min(p, 95)
}
