// Package git holds the domain vocabulary GitRunner's JSON operation-data
// payloads and decoded results are shaped around (spec.md §4.9, §6.6).
// GitRunner itself operates through a sandboxed git binary, not GitHub's
// REST API, so the API-calling methods this package's original GitService
// provided have no equivalent operation here; only the domain types survive.
package git

import "time"

// Repository describes a project's connected remote, as recorded after a
// GitRunner add-remote/clone operation.
type Repository struct {
	ProjectID   uint      `json:"project_id"`
	RemoteURL   string    `json:"remote_url"`
	Provider    string    `json:"provider"` // github, gitlab, bitbucket
	RepoOwner   string    `json:"repo_owner"`
	RepoName    string    `json:"repo_name"`
	Branch      string    `json:"branch"`
	LastSync    time.Time `json:"last_sync"`
	IsConnected bool      `json:"is_connected"`
}

// Commit is the decoded shape of a GitRunner commit/log result.
type Commit struct {
	SHA       string    `json:"sha"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
	Files     []string  `json:"files,omitempty"`
}

// Branch is the decoded shape of a branch entry in a GitRunner status/
// list-remotes result.
type Branch struct {
	Name      string `json:"name"`
	SHA       string `json:"sha"`
	IsDefault bool   `json:"is_default"`
	Ahead     int    `json:"ahead"`
	Behind    int    `json:"behind"`
}

// FileChange is one working-tree entry in a GitRunner status result.
type FileChange struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // added, modified, deleted, renamed
	Staged    bool   `json:"staged"`
	OldPath   string `json:"old_path,omitempty"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}
