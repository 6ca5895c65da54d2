package github

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	gogithub "github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"github.com/issuesync/issuesync/internal/config"
	"github.com/issuesync/issuesync/internal/intermediary"
	"github.com/issuesync/issuesync/internal/ratelimit"
)

// Adapter reads GitHub state and translates it into intermediary objects.
// Events carry only a repo and number; the adapter re-fetches the full item
// so webhook payload truncation can never leak stale state downstream.
type Adapter struct {
	cfg    *config.Config
	client *gogithub.Client
	boards *BoardReader
	guard  *ratelimit.Guard

	mu    sync.Mutex
	names map[string]string // login -> display name
}

// NewAdapter builds an adapter around one API token.
func NewAdapter(cfg *config.Config, token string, guard *ratelimit.Guard) *Adapter {
	httpClient := oauth2.NewClient(context.Background(),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	return &Adapter{
		cfg:    cfg,
		client: gogithub.NewClient(httpClient),
		boards: NewBoardReader(httpClient),
		guard:  guard,
		names:  make(map[string]string),
	}
}

// FetchIssue loads one issue, applies the repository filter, and builds the
// intermediary object. A nil issue with nil error means the item was filtered
// out or is not an issue at all.
func (a *Adapter) FetchIssue(ctx context.Context, upstream string, number int) (*intermediary.Issue, error) {
	pol, ok := a.cfg.Resolve("github", upstream)
	if !ok || !pol.SyncsKind("issue") {
		return nil, nil
	}
	owner, repo, err := splitRepo(upstream)
	if err != nil {
		return nil, err
	}

	var ghIssue *gogithub.Issue
	err = a.guard.Do(ctx, "github get issue", func() error {
		var resp *gogithub.Response
		var getErr error
		ghIssue, resp, getErr = a.client.Issues.Get(ctx, owner, repo, number)
		return wrapAPI(resp, getErr)
	})
	if err != nil {
		return nil, err
	}
	if ghIssue.IsPullRequest() {
		return nil, nil
	}
	if !passesFilter(pol.Filter, ghIssue) {
		log.Printf("[github] %s #%d filtered out", upstream, number)
		return nil, nil
	}
	return a.convertIssue(ctx, pol, upstream, ghIssue)
}

// FetchPR loads one pull request and builds the intermediary object, with the
// transition suffix resolved from the triggering action and the merge flag.
func (a *Adapter) FetchPR(ctx context.Context, upstream string, number int, action string) (*intermediary.PullRequest, error) {
	pol, ok := a.cfg.Resolve("github", upstream)
	if !ok || !pol.SyncsKind("pullrequest") {
		return nil, nil
	}
	owner, repo, err := splitRepo(upstream)
	if err != nil {
		return nil, err
	}

	var ghPR *gogithub.PullRequest
	err = a.guard.Do(ctx, "github get pr", func() error {
		var resp *gogithub.Response
		var getErr error
		ghPR, resp, getErr = a.client.PullRequests.Get(ctx, owner, repo, number)
		return wrapAPI(resp, getErr)
	})
	if err != nil {
		return nil, err
	}
	return a.convertPR(ctx, pol, upstream, ghPR, action)
}

func (a *Adapter) convertIssue(ctx context.Context, pol *config.Policy, upstream string, ghIssue *gogithub.Issue) (*intermediary.Issue, error) {
	owner, repo, err := splitRepo(upstream)
	if err != nil {
		return nil, err
	}
	number := ghIssue.GetNumber()

	comments, err := a.listIssueComments(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}

	issue := &intermediary.Issue{
		Source:   intermediary.SourceGitHub,
		Upstream: upstream,
		RawTitle: ghIssue.GetTitle(),
		URL:      ghIssue.GetHTMLURL(),
		ID:       strconv.FormatInt(ghIssue.GetID(), 10),
		Number:   number,
		Status:   convertState(ghIssue.GetState()),
		Reporter: a.displayName(ctx, ghIssue.GetUser().GetLogin()),
		Content:  ghIssue.GetBody(),
		Comments: comments,

		Downstream: pol,
	}
	for _, assignee := range ghIssue.Assignees {
		issue.Assignees = append(issue.Assignees, a.displayName(ctx, assignee.GetLogin()))
	}
	for _, label := range ghIssue.Labels {
		issue.Tags = append(issue.Tags, label.GetName())
	}
	if milestone := ghIssue.GetMilestone(); milestone != nil {
		issue.FixVersions = []string{expandFixVersion(pol, milestone.GetTitle())}
	}

	if pol.IssueFields.Has("github_project_fields") && len(pol.GitHubProjectFields) > 0 {
		var priority string
		var points *float64
		err := a.guard.Do(ctx, "github project fields", func() error {
			var boardErr error
			priority, points, boardErr = a.boards.ProjectFields(ctx, owner, repo, number, pol)
			return boardErr
		})
		if err != nil {
			// Board state is part of the upstream truth here; syncing
			// without it would silently diverge.
			return nil, fmt.Errorf("failed to read project fields for %s #%d: %w", upstream, number, err)
		}
		issue.Priority = priority
		issue.StoryPoints = points
	}

	issue.Normalize()
	return issue, nil
}

func (a *Adapter) convertPR(ctx context.Context, pol *config.Policy, upstream string, ghPR *gogithub.PullRequest, action string) (*intermediary.PullRequest, error) {
	owner, repo, err := splitRepo(upstream)
	if err != nil {
		return nil, err
	}
	number := ghPR.GetNumber()

	comments, err := a.listIssueComments(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}

	pr := &intermediary.PullRequest{
		Source:   intermediary.SourceGitHub,
		Upstream: upstream,
		RawTitle: ghPR.GetTitle(),
		URL:      ghPR.GetHTMLURL(),
		ID:       strconv.FormatInt(ghPR.GetID(), 10),
		Number:   number,
		Reporter: a.displayName(ctx, ghPR.GetUser().GetLogin()),
		Content:  ghPR.GetBody(),
		Comments: comments,
		Suffix:   intermediary.ResolveSuffix(action, ghPR.GetMerged()),

		Downstream: pol,
	}
	pr.Normalize()
	pr.JiraKey = intermediary.MatchJiraKey(pr.Content, pr.Comments)
	return pr, nil
}

// listIssueComments pages through the comment feed. PR conversation comments
// live on the same endpoint.
func (a *Adapter) listIssueComments(ctx context.Context, owner, repo string, number int) ([]intermediary.Comment, error) {
	var out []intermediary.Comment
	opts := &gogithub.IssueListCommentsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		var page []*gogithub.IssueComment
		var resp *gogithub.Response
		err := a.guard.Do(ctx, "github list comments", func() error {
			var listErr error
			page, resp, listErr = a.client.Issues.ListComments(ctx, owner, repo, number, opts)
			return wrapAPI(resp, listErr)
		})
		if err != nil {
			return nil, err
		}
		for _, c := range page {
			comment := intermediary.Comment{
				ID:        strconv.FormatInt(c.GetID(), 10),
				Author:    a.displayName(ctx, c.GetUser().GetLogin()),
				Username:  c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			}
			if c.UpdatedAt != nil && !c.GetUpdatedAt().Equal(c.GetCreatedAt()) {
				changed := c.GetUpdatedAt().Time
				comment.ChangedAt = &changed
			}
			out = append(out, comment)
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// displayName resolves a login to the account's full name, cached for the
// process lifetime. Fall back to the login when the profile has no name.
func (a *Adapter) displayName(ctx context.Context, login string) string {
	if login == "" {
		return ""
	}
	a.mu.Lock()
	if name, ok := a.names[login]; ok {
		a.mu.Unlock()
		return name
	}
	a.mu.Unlock()

	name := login
	err := a.guard.Do(ctx, "github get user", func() error {
		user, resp, getErr := a.client.Users.Get(ctx, login)
		if getErr == nil && user.GetName() != "" {
			name = user.GetName()
		}
		return wrapAPI(resp, getErr)
	})
	if err != nil {
		log.Printf("[github] user lookup for %s failed: %v", login, err)
	}

	a.mu.Lock()
	a.names[login] = name
	a.mu.Unlock()
	return name
}

// passesFilter applies the per-repository predicates. All configured
// predicates must hold.
func passesFilter(filter config.Filters, ghIssue *gogithub.Issue) bool {
	if filter.Empty() {
		return true
	}
	if filter.Status != "" && !strings.EqualFold(ghIssue.GetState(), filter.Status) {
		return false
	}
	if filter.Milestone != 0 && ghIssue.GetMilestone().GetNumber() != filter.Milestone {
		return false
	}
	for _, required := range filter.Labels {
		found := false
		for _, label := range ghIssue.Labels {
			if label.GetName() == required {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// expandFixVersion substitutes the milestone title into the policy's mapping
// template, if one is configured.
func expandFixVersion(pol *config.Policy, milestone string) string {
	if tmpl := pol.FixVersionTemplate(); tmpl != "" {
		return strings.ReplaceAll(tmpl, "XXX", milestone)
	}
	return milestone
}

func convertState(state string) intermediary.Status {
	if strings.EqualFold(state, "closed") {
		return intermediary.StatusClosed
	}
	return intermediary.StatusOpen
}

func splitRepo(upstream string) (string, string, error) {
	parts := strings.Split(upstream, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid repo format: %s (expected owner/repo)", upstream)
	}
	return parts[0], parts[1], nil
}

// wrapAPI folds a response status into the error so the retry guard can
// classify it.
func wrapAPI(resp *gogithub.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.Response != nil {
		return &statusError{status: resp.StatusCode, err: err}
	}
	return err
}

type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }
func (e *statusError) Temporary() bool {
	return ratelimit.RetryableStatus(e.status)
}
