package review

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var pullRequestRe = regexp.MustCompile(`^https?://(?:www\.)?github\.com/([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)/pulls?/(\d+)(?:[/?#]\S*)?$`)

// PullRequest identifies a pull request on GitHub.
type PullRequest struct {
	Owner  string
	Repo   string
	Number int
}

func (p PullRequest) String() string {
	return fmt.Sprintf("%s/%s#%d", p.Owner, p.Repo, p.Number)
}

// ParsePullRequestURL recognises a GitHub pull request URL. Surrounding
// whitespace is ignored; anything else in s means it is not a URL.
func ParsePullRequestURL(s string) (PullRequest, bool) {
	m := pullRequestRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return PullRequest{}, false
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return PullRequest{}, false
	}
	return PullRequest{Owner: m[1], Repo: strings.TrimSuffix(m[2], ".git"), Number: n}, true
}

// DiffResolver fetches the unified diff of a pull request. Implementations
// live outside this service; narrate requests carrying a URL fail when none
// is configured.
type DiffResolver interface {
	ResolveDiff(ctx context.Context, pr PullRequest) (string, error)
}

// DiffResolverFunc adapts a function to DiffResolver.
type DiffResolverFunc func(ctx context.Context, pr PullRequest) (string, error)

func (f DiffResolverFunc) ResolveDiff(ctx context.Context, pr PullRequest) (string, error) {
	return f(ctx, pr)
}
