package github

import (
	"context"
	"log"
	"strconv"

	gogithub "github.com/google/go-github/v66/github"

	"github.com/issuesync/issuesync/internal/intermediary"
)

// ListIssues walks every issue in a mapped repository for a full scan. The
// repository filter is pushed into the listing query where the API supports
// it, so filtered-out items are never fetched at all.
func (a *Adapter) ListIssues(ctx context.Context, upstream string) ([]*intermediary.Issue, error) {
	pol, ok := a.cfg.Resolve("github", upstream)
	if !ok || !pol.SyncsKind("issue") {
		return nil, nil
	}
	owner, repo, err := splitRepo(upstream)
	if err != nil {
		return nil, err
	}

	opts := &gogithub.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	if pol.Filter.Status != "" {
		opts.State = pol.Filter.Status
	}
	if len(pol.Filter.Labels) > 0 {
		opts.Labels = pol.Filter.Labels
	}
	if pol.Filter.Milestone != 0 {
		opts.Milestone = strconv.Itoa(pol.Filter.Milestone)
	}

	var out []*intermediary.Issue
	for {
		var page []*gogithub.Issue
		var resp *gogithub.Response
		err := a.guard.Do(ctx, "github list issues", func() error {
			var listErr error
			page, resp, listErr = a.client.Issues.ListByRepo(ctx, owner, repo, opts)
			return wrapAPI(resp, listErr)
		})
		if err != nil {
			return nil, err
		}
		for _, ghIssue := range page {
			// The issues feed includes pull requests; those sync on their
			// own path.
			if ghIssue.IsPullRequest() {
				continue
			}
			issue, err := a.convertIssue(ctx, pol, upstream, ghIssue)
			if err != nil {
				return nil, err
			}
			out = append(out, issue)
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	log.Printf("[github] listed %d issues from %s", len(out), upstream)
	return out, nil
}

// ListPRs walks the open pull requests in a mapped repository for a full
// scan. Each carries the "open" suffix; historical merge events are not
// replayed from a scan.
func (a *Adapter) ListPRs(ctx context.Context, upstream string) ([]*intermediary.PullRequest, error) {
	pol, ok := a.cfg.Resolve("github", upstream)
	if !ok || !pol.SyncsKind("pullrequest") {
		return nil, nil
	}
	owner, repo, err := splitRepo(upstream)
	if err != nil {
		return nil, err
	}

	opts := &gogithub.PullRequestListOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var out []*intermediary.PullRequest
	for {
		var page []*gogithub.PullRequest
		var resp *gogithub.Response
		err := a.guard.Do(ctx, "github list prs", func() error {
			var listErr error
			page, resp, listErr = a.client.PullRequests.List(ctx, owner, repo, opts)
			return wrapAPI(resp, listErr)
		})
		if err != nil {
			return nil, err
		}
		for _, ghPR := range page {
			pr, err := a.convertPR(ctx, pol, upstream, ghPR, "open")
			if err != nil {
				return nil, err
			}
			out = append(out, pr)
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	log.Printf("[github] listed %d pull requests from %s", len(out), upstream)
	return out, nil
}
