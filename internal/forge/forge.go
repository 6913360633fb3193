// Package forge watches a code forge for work that is waiting on the
// user: pull requests where their review was requested and open issues
// assigned to them.
package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"
)

// ItemKind distinguishes the two watched queues.
type ItemKind string

const (
	ItemPullRequest ItemKind = "pr"
	ItemIssue       ItemKind = "issue"
)

// Item is a forge work item waiting on the user.
type Item struct {
	Kind      ItemKind
	Repo      string // "owner/name"
	Number    int
	Title     string
	URL       string
	UpdatedAt time.Time
}

// Client queries a GitHub-compatible API for the user's queues.
type Client struct {
	gh        *gogithub.Client
	user      string
	repoScope string // search qualifier limiting queries to named repos
	logger    *slog.Logger
}

// NewClient creates a forge client. baseURL selects a GitHub Enterprise
// instance; empty means github.com. user is the login whose queues are
// watched. A non-empty repos list narrows every query to those
// "owner/name" repositories; empty polls the whole account.
func NewClient(httpClient *http.Client, token, baseURL, user string, repos []string, logger *slog.Logger) (*Client, error) {
	if user == "" {
		return nil, fmt.Errorf("forge: user is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gh := gogithub.NewClient(httpClient)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	if baseURL != "" && baseURL != "https://api.github.com" {
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("forge: enterprise url %q: %w", baseURL, err)
		}
	}

	return &Client{
		gh:        gh,
		user:      user,
		repoScope: repoScope(repos),
		logger:    logger.With("component", "forge"),
	}, nil
}

// repoScope builds the "repo:owner/name" search qualifiers, space
// separated with a leading space, or "" when unrestricted.
func repoScope(repos []string) string {
	var b strings.Builder
	for _, r := range repos {
		if r = strings.TrimSpace(r); r != "" {
			b.WriteString(" repo:")
			b.WriteString(r)
		}
	}
	return b.String()
}

// ReviewRequests returns open pull requests where the user's review has
// been requested.
func (c *Client) ReviewRequests(ctx context.Context) ([]Item, error) {
	query := fmt.Sprintf("is:open is:pr review-requested:%s archived:false%s", c.user, c.repoScope)
	return c.search(ctx, query, ItemPullRequest)
}

// AssignedIssues returns open issues assigned to the user.
func (c *Client) AssignedIssues(ctx context.Context) ([]Item, error) {
	query := fmt.Sprintf("is:open is:issue assignee:%s archived:false%s", c.user, c.repoScope)
	return c.search(ctx, query, ItemIssue)
}

func (c *Client) search(ctx context.Context, query string, kind ItemKind) ([]Item, error) {
	result, resp, err := c.gh.Search.Issues(ctx, query, &gogithub.SearchOptions{
		Sort:        "updated",
		Order:       "desc",
		ListOptions: gogithub.ListOptions{PerPage: 30},
	})
	if err != nil {
		return nil, fmt.Errorf("forge: search %s: %w", kind, err)
	}
	c.checkRateLimit(resp)

	items := make([]Item, 0, len(result.Issues))
	for _, issue := range result.Issues {
		items = append(items, Item{
			Kind:      kind,
			Repo:      repoFromURL(issue.GetRepositoryURL()),
			Number:    issue.GetNumber(),
			Title:     issue.GetTitle(),
			URL:       issue.GetHTMLURL(),
			UpdatedAt: issue.GetUpdatedAt().Time,
		})
	}
	return items, nil
}

// Ping verifies API reachability and credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, resp, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("forge: ping: %w", err)
	}
	c.checkRateLimit(resp)
	return nil
}

// checkRateLimit logs a warning when remaining API calls run low.
func (c *Client) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		c.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// repoFromURL extracts "owner/name" from an API repository URL like
// "https://api.github.com/repos/owner/name".
func repoFromURL(u string) string {
	const marker = "/repos/"
	i := strings.Index(u, marker)
	if i < 0 {
		return ""
	}
	return u[i+len(marker):]
}
