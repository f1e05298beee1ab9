package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Desktop shows notifications through osascript on macOS and notify-send
// on Linux. Other platforms are silently ignored.
type Desktop struct {
	goos string
	run  func(ctx context.Context, name string, args ...string) error
}

// NewDesktop creates a desktop notifier for the running platform
func NewDesktop() *Desktop {
	return &Desktop{
		goos: runtime.GOOS,
		run: func(ctx context.Context, name string, args ...string) error {
			out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s: %s: %w", name, strings.TrimSpace(string(out)), err)
			}
			return nil
		},
	}
}

func (d *Desktop) Send(ctx context.Context, n Notification) error {
	body := n.Body
	for _, f := range n.Fields {
		body += "\n" + f.Label + ": " + f.Value
	}
	switch d.goos {
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s"`, appleScriptQuote(body), appleScriptQuote(n.Title))
		return d.run(ctx, "osascript", "-e", script)
	case "linux":
		return d.run(ctx, "notify-send", "--app-name=task-orch", "--icon", desktopIcon(n.Level), n.Title, body)
	default:
		return nil
	}
}

func appleScriptQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func desktopIcon(l Level) string {
	switch l {
	case LevelSuccess:
		return "dialog-positive"
	case LevelWarning:
		return "dialog-warning"
	case LevelError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
