package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v68/github"
)

// DefaultTriggerLabel marks issues that opt in to automated handling.
const DefaultTriggerLabel = "ai-resolve"

// GitHubSource discovers issues via the GitHub REST API.
type GitHubSource struct {
	client       *github.Client
	triggerLabel string
	logger       *slog.Logger
}

// NewGitHubSource creates a source authenticated with the given token.
// An empty token yields an unauthenticated client with tight rate
// limits, usable for local testing only.
func NewGitHubSource(token, triggerLabel string, logger *slog.Logger) *GitHubSource {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if triggerLabel == "" {
		triggerLabel = DefaultTriggerLabel
	}
	return &GitHubSource{
		client:       client,
		triggerLabel: triggerLabel,
		logger:       logger,
	}
}

// DiscoverIssues lists open issues carrying the trigger label. Pull
// requests share the issues endpoint and are skipped. Transient API
// failures are retried with exponential backoff.
func (s *GitHubSource) DiscoverIssues(ctx context.Context, repo string) ([]Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{s.triggerLabel},
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var discovered []Issue
	for {
		var (
			issues []*github.Issue
			resp   *github.Response
		)
		list := func() error {
			var listErr error
			issues, resp, listErr = s.client.Issues.ListByRepo(ctx, owner, name, opts)
			return listErr
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(list, policy); err != nil {
			return nil, fmt.Errorf("list issues for %s: %w", repo, err)
		}

		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			discovered = append(discovered, toIssue(repo, issue))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	s.logger.Debug("discovered issues",
		"repo", repo,
		"label", s.triggerLabel,
		"count", len(discovered))
	return discovered, nil
}

func toIssue(repo string, issue *github.Issue) Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, label.GetName())
	}
	return Issue{
		Number:    issue.GetNumber(),
		Repo:      repo,
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		Labels:    labels,
		URL:       issue.GetHTMLURL(),
		CreatedAt: issue.GetCreatedAt().Time,
		UpdatedAt: issue.GetUpdatedAt().Time,
	}
}

func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q, expected owner/name", repo)
	}
	return parts[0], parts[1], nil
}
