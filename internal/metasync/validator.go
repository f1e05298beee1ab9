// Package metasync admits execution metadata reported from inside a
// sandbox. Only an allow-listed set of run fields crosses this boundary;
// anything that could carry prompts, logs, code or credentials is refused.
package metasync

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// Rejection codes
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeForbiddenFields = "FORBIDDEN_FIELDS"
)

// FieldError describes one invalid field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Rejection is returned for any payload that is not admitted
type Rejection struct {
	Message string       `json:"error"`
	Code    string       `json:"code"`
	Details []FieldError `json:"details,omitempty"`
}

func (r *Rejection) Error() string {
	if len(r.Details) == 0 {
		return r.Message
	}
	parts := make([]string, len(r.Details))
	for i, d := range r.Details {
		parts[i] = d.Field + ": " + d.Message
	}
	return r.Message + ": " + strings.Join(parts, "; ")
}

// forbidden keys, compared case-insensitively
var forbidden = []string{
	"prompt", "logs", "toolLogs", "executionLogs", "repoPath", "accessToken", "apiKey",
	"passwordHash", "jwt", "client", "timeoutId", "rawOutput", "diff", "fileContents",
	"env", "environment", "processEnv", "token", "secret", "password",
}

var forbiddenSet = func() map[string]bool {
	m := make(map[string]bool, len(forbidden))
	for _, k := range forbidden {
		m[strings.ToLower(k)] = true
	}
	return m
}()

var allowed = map[string]bool{
	"taskId": true, "runId": true, "status": true, "startedAt": true, "completedAt": true,
	"durationMs": true, "progress": true, "branch": true, "commitSha": true, "prUrl": true,
	"prNumber": true, "outcome": true, "errorCategory": true, "filesChanged": true, "toolsExecuted": true,
}

// ForbiddenKeys returns the keys that are always refused
func ForbiddenKeys() []string {
	return append([]string(nil), forbidden...)
}

var hexSHA = regexp.MustCompile(`^[0-9a-fA-F]{7,64}$`)

// Admit validates raw and returns the admitted sync. Forbidden keys are
// reported before any field rule is checked.
func Admit(raw []byte) (*domain.ExecutionMetadataSync, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &Rejection{Message: "Request body must be a JSON object", Code: CodeValidation}
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, &Rejection{Message: "Request body must be a JSON object", Code: CodeValidation}
	}

	var refused []string
	doc.ForEach(func(key, _ gjson.Result) bool {
		k := key.String()
		if forbiddenSet[strings.ToLower(k)] || !allowed[k] {
			refused = append(refused, k)
		}
		return true
	})
	if len(refused) > 0 {
		sort.Strings(refused)
		details := make([]FieldError, len(refused))
		for i, k := range refused {
			details[i] = FieldError{Field: k, Message: "field is not allowed"}
		}
		return nil, &Rejection{
			Message: "Payload contains forbidden fields: " + strings.Join(refused, ", "),
			Code:    CodeForbiddenFields,
			Details: details,
		}
	}

	v := validator{doc: doc}
	m := &domain.ExecutionMetadataSync{
		TaskID: v.id("taskId"),
		RunID:  v.id("runId"),
		Status: domain.RunStatus(v.requiredString("status")),
	}
	if m.Status != "" && !m.Status.Valid() {
		v.fail("status", "must be one of pending, running, completed, failed, cancelled")
	}
	m.StartedAt = v.timestamp("startedAt")
	m.CompletedAt = v.timestamp("completedAt")
	if n, ok := v.integer("durationMs", 0, -1); ok {
		d := int64(n)
		m.DurationMs = &d
	}
	m.Progress = v.intPtr("progress", 0, 100)
	m.Branch = v.stringPtr("branch", 255, nil)
	m.CommitSHA = v.stringPtr("commitSha", 64, func(s string) string {
		if !hexSHA.MatchString(s) {
			return "must be a hex SHA of 7 to 64 characters"
		}
		return ""
	})
	m.PRURL = v.stringPtr("prUrl", 2048, func(s string) string {
		u, err := url.Parse(s)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "must be an absolute http(s) URL"
		}
		return ""
	})
	m.PRNumber = v.intPtr("prNumber", 1, -1)
	m.Outcome = v.stringPtr("outcome", 500, nil)
	if s := v.stringPtr("errorCategory", 64, func(s string) string {
		if !domain.ErrorCategory(s).Valid() {
			return "must be one of AUTH, RATE_LIMIT, MERGE_CONFLICT, TIMEOUT, UNKNOWN"
		}
		return ""
	}); s != nil {
		c := domain.ErrorCategory(*s)
		m.ErrorCategory = &c
	}
	m.FilesChanged = v.intPtr("filesChanged", 0, -1)
	m.ToolsExecuted = v.intPtr("toolsExecuted", 0, -1)

	if len(v.errs) > 0 {
		return nil, &Rejection{Message: "Invalid execution metadata", Code: CodeValidation, Details: v.errs}
	}
	return m, nil
}

type validator struct {
	doc  gjson.Result
	errs []FieldError
}

func (v *validator) fail(field, msg string) {
	v.errs = append(v.errs, FieldError{Field: field, Message: msg})
}

// get returns the field, treating null as absent
func (v *validator) get(field string) (gjson.Result, bool) {
	r := v.doc.Get(field)
	if !r.Exists() || r.Type == gjson.Null {
		return r, false
	}
	return r, true
}

func (v *validator) requiredString(field string) string {
	r, ok := v.get(field)
	if !ok {
		v.fail(field, "is required")
		return ""
	}
	if r.Type != gjson.String {
		v.fail(field, "must be a string")
		return ""
	}
	return r.String()
}

func (v *validator) id(field string) string {
	r, ok := v.get(field)
	switch {
	case !ok:
		v.fail(field, "is required")
	case r.Type != gjson.String:
		v.fail(field, "must be a string")
	case strings.TrimSpace(r.String()) == "":
		v.fail(field, "must not be empty")
	case len(r.String()) > 128:
		v.fail(field, "must be at most 128 characters")
	default:
		return r.String()
	}
	return ""
}

func (v *validator) stringPtr(field string, maxLen int, check func(string) string) *string {
	r, ok := v.get(field)
	if !ok {
		return nil
	}
	if r.Type != gjson.String {
		v.fail(field, "must be a string")
		return nil
	}
	s := r.String()
	if len(s) > maxLen {
		v.fail(field, fmt.Sprintf("must be at most %d characters", maxLen))
		return nil
	}
	if check != nil {
		if msg := check(s); msg != "" {
			v.fail(field, msg)
			return nil
		}
	}
	return &s
}

// integer reads a whole number within [lo, hi]; hi < 0 means unbounded
func (v *validator) integer(field string, lo, hi int) (int, bool) {
	r, ok := v.get(field)
	if !ok {
		return 0, false
	}
	if r.Type != gjson.Number || r.Num != float64(int64(r.Num)) {
		v.fail(field, "must be an integer")
		return 0, false
	}
	n := int(r.Int())
	if n < lo || (hi >= 0 && n > hi) {
		if hi >= 0 {
			v.fail(field, fmt.Sprintf("must be between %d and %d", lo, hi))
		} else {
			v.fail(field, fmt.Sprintf("must be at least %d", lo))
		}
		return 0, false
	}
	return n, true
}

func (v *validator) intPtr(field string, lo, hi int) *int {
	n, ok := v.integer(field, lo, hi)
	if !ok {
		return nil
	}
	return &n
}

func (v *validator) timestamp(field string) *time.Time {
	s := v.stringPtr(field, 64, nil)
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		v.fail(field, "must be an RFC3339 timestamp")
		return nil
	}
	return &t
}
