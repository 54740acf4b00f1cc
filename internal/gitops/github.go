package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"
)

// OpenPullRequest opens a PR from the working branch to the target
// branch after a final push. remoteURL must be a GitHub https or ssh
// URL. Returns the PR URL.
func OpenPullRequest(ctx context.Context, token, remoteURL, workingBranch, target, title, body string) (string, error) {
	owner, repo, err := parseGitHubRemote(remoteURL)
	if err != nil {
		return "", err
	}

	client := github.NewClient(nil).WithAuthToken(token)
	pr, _, err := client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(workingBranch),
		Base:  github.String(target),
		Body:  github.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("failed to open pull request: %w", err)
	}
	return pr.GetHTMLURL(), nil
}

// parseGitHubRemote extracts owner and repo from a GitHub remote URL.
func parseGitHubRemote(url string) (owner, repo string, err error) {
	trimmed := strings.TrimSuffix(url, ".git")
	switch {
	case strings.HasPrefix(trimmed, "https://github.com/"):
		trimmed = strings.TrimPrefix(trimmed, "https://github.com/")
	case strings.HasPrefix(trimmed, "git@github.com:"):
		trimmed = strings.TrimPrefix(trimmed, "git@github.com:")
	default:
		return "", "", fmt.Errorf("not a GitHub remote: %s", url)
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot parse GitHub remote: %s", url)
	}
	return parts[0], parts[1], nil
}
