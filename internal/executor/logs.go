package executor

import (
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// LogCapacity is the number of output lines kept per run
const LogCapacity = 500

type logRing struct {
	mu    sync.Mutex
	buf   []domain.LogEntry
	start int
	n     int
}

func newLogRing(capacity int) *logRing {
	return &logRing{buf: make([]domain.LogEntry, capacity)}
}

func (r *logRing) add(e domain.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *logRing) entries() []domain.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LogEntry, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// lastError returns the most recent error line, if any
func (r *logRing) lastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := r.n - 1; i >= 0; i-- {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Type == domain.LogError {
			return e.Message
		}
	}
	return ""
}

// parseLine turns one agent output line into a log entry and reports how
// many tool invocations it contains
func parseLine(stream, line string, now time.Time) (domain.LogEntry, int) {
	entry := domain.LogEntry{Timestamp: now, Type: domain.LogAgent, Message: line}
	if stream == "stderr" {
		if strings.Contains(strings.ToLower(line), "error") {
			entry.Type = domain.LogError
		}
		return entry, 0
	}
	if !gjson.Valid(line) {
		return entry, 0
	}

	doc := gjson.Parse(line)
	switch doc.Get("type").String() {
	case "tool_use", "tool":
		entry.Type = domain.LogTool
		entry.Message = "Tool: " + toolName(doc)
		return entry, 1
	case "error":
		entry.Type = domain.LogError
		if msg := doc.Get("error.message").String(); msg != "" {
			entry.Message = msg
		} else if msg := doc.Get("message").String(); msg != "" {
			entry.Message = msg
		}
		return entry, 0
	case "result":
		entry.Type = domain.LogSuccess
		if msg := doc.Get("result").String(); msg != "" {
			entry.Message = msg
		}
		return entry, 0
	}

	// stream-json nests tool calls in assistant message content
	uses := doc.Get(`message.content.#(type=="tool_use")#`)
	if n := len(uses.Array()); n > 0 {
		entry.Type = domain.LogTool
		names := make([]string, 0, n)
		for _, u := range uses.Array() {
			names = append(names, u.Get("name").String())
		}
		entry.Message = "Tool: " + strings.Join(names, ", ")
		return entry, n
	}
	if text := doc.Get(`message.content.#(type=="text").text`).String(); text != "" {
		entry.Message = text
	}
	return entry, 0
}

func toolName(doc gjson.Result) string {
	for _, path := range []string{"name", "tool", "part.tool", "tool_name"} {
		if v := doc.Get(path).String(); v != "" {
			return v
		}
	}
	return "unknown"
}
