package gitflow

import "os"

// Fallback identity used when nothing else is configured
const (
	DefaultName  = "Task Orchestrator"
	DefaultEmail = "agent@task-orchestrator.local"
)

// Identity is the author and committer recorded on agent commits
type Identity struct {
	AuthorName     string
	AuthorEmail    string
	CommitterName  string
	CommitterEmail string
}

// ResolveIdentity determines the commit identity. Each field resolves
// independently, first match wins:
//
//  1. the explicit override, when non-nil and the field is set
//  2. GIT_AUTHOR_* / GIT_COMMITTER_*
//  3. TASKORCH_GIT_AUTHOR_* / TASKORCH_GIT_COMMITTER_*
//  4. DefaultName / DefaultEmail for the author; the resolved author for
//     the committer
//
// getenv is os.Getenv when nil.
func ResolveIdentity(override *Identity, getenv func(string) string) Identity {
	if getenv == nil {
		getenv = os.Getenv
	}
	var o Identity
	if override != nil {
		o = *override
	}

	var id Identity
	id.AuthorName = first(o.AuthorName, getenv("GIT_AUTHOR_NAME"), getenv("TASKORCH_GIT_AUTHOR_NAME"), DefaultName)
	id.AuthorEmail = first(o.AuthorEmail, getenv("GIT_AUTHOR_EMAIL"), getenv("TASKORCH_GIT_AUTHOR_EMAIL"), DefaultEmail)
	id.CommitterName = first(o.CommitterName, getenv("GIT_COMMITTER_NAME"), getenv("TASKORCH_GIT_COMMITTER_NAME"), id.AuthorName)
	id.CommitterEmail = first(o.CommitterEmail, getenv("GIT_COMMITTER_EMAIL"), getenv("TASKORCH_GIT_COMMITTER_EMAIL"), id.AuthorEmail)
	return id
}

// Env returns the git environment variables that pin this identity
func (id Identity) Env() []string {
	return []string{
		"GIT_AUTHOR_NAME=" + id.AuthorName,
		"GIT_AUTHOR_EMAIL=" + id.AuthorEmail,
		"GIT_COMMITTER_NAME=" + id.CommitterName,
		"GIT_COMMITTER_EMAIL=" + id.CommitterEmail,
	}
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
