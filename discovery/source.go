// Package discovery finds actionable issues in external trackers and
// normalizes them for workflow creation.
package discovery

import (
	"context"
	"time"
)

// Issue is a tracker-neutral view of one open issue.
type Issue struct {
	Number    int       `json:"number"`
	Repo      string    `json:"repo"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Labels    []string  `json:"labels"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Source lists open issues eligible for automation. Implementations
// filter by trigger label and exclude pull requests.
type Source interface {
	DiscoverIssues(ctx context.Context, repo string) ([]Issue, error)
}
