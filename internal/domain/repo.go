package domain

import "strings"

// RepoRef identifies the source repository a task runs against
type RepoRef struct {
	// FullName is "owner/name" on the git host
	FullName      string `json:"fullName"`
	CloneURL      string `json:"cloneUrl,omitempty"`
	DefaultBranch string `json:"defaultBranch"`
}

// Owner returns the owner part of FullName
func (r RepoRef) Owner() string {
	owner, _, _ := strings.Cut(r.FullName, "/")
	return owner
}

// Name returns the repository part of FullName
func (r RepoRef) Name() string {
	_, name, ok := strings.Cut(r.FullName, "/")
	if !ok {
		return r.FullName
	}
	return name
}

// Base returns the branch new work starts from
func (r RepoRef) Base() string {
	if r.DefaultBranch == "" {
		return "main"
	}
	return r.DefaultBranch
}
