package sync

import (
	"context"
	"fmt"
	"log"

	"github.com/issuesync/issuesync/internal/intermediary"
)

// Initialize performs a full scan: every item of every mapped repository is
// reconciled once. Item failures are isolated; the scan finishes regardless
// and reports how many items did not converge.
func (p *Pipeline) Initialize(ctx context.Context, repoFilter string) error {
	failed := 0

	for _, upstream := range p.scanRepos("github", repoFilter) {
		failed += p.scanGitHubRepo(ctx, upstream)
	}
	for _, upstream := range p.scanRepos("pagure", repoFilter) {
		failed += p.scanPagureRepo(ctx, upstream)
	}

	if failed > 0 {
		return fmt.Errorf("full scan finished with %d items failing", failed)
	}
	log.Printf("[pipeline] full scan complete")
	return nil
}

// CloseDuplicates runs the duplicate-resolution maintenance pass over every
// mapped repository: for each upstream issue with several downstream tickets,
// the oldest survives and the rest are closed as duplicates.
func (p *Pipeline) CloseDuplicates(ctx context.Context, repoFilter string) error {
	failed := 0

	handle := func(issue *intermediary.Issue) {
		rec, ok := p.recs[issue.Downstream.Instance]
		if !ok {
			return
		}
		if err := rec.CloseDuplicates(ctx, issue); err != nil {
			log.Printf("[pipeline] close-duplicates failed for %s #%d: %v",
				issue.Upstream, issue.Number, err)
			failed++
		}
	}

	for _, upstream := range p.scanRepos("github", repoFilter) {
		issues, err := p.gh.ListIssues(ctx, upstream)
		if err != nil {
			log.Printf("[pipeline] listing %s failed: %v", upstream, err)
			failed++
			continue
		}
		for _, issue := range issues {
			handle(issue)
		}
	}
	for _, upstream := range p.scanRepos("pagure", repoFilter) {
		issues, err := p.pg.ListIssues(ctx, upstream)
		if err != nil {
			log.Printf("[pipeline] listing %s failed: %v", upstream, err)
			failed++
			continue
		}
		for _, issue := range issues {
			handle(issue)
		}
	}

	if failed > 0 {
		return fmt.Errorf("close-duplicates finished with %d failures", failed)
	}
	return nil
}

func (p *Pipeline) scanRepos(source, repoFilter string) []string {
	repos := p.cfg.MappedRepos(source)
	if repoFilter == "" {
		return repos
	}
	for _, repo := range repos {
		if repo == repoFilter {
			return []string{repo}
		}
	}
	return nil
}

func (p *Pipeline) scanGitHubRepo(ctx context.Context, upstream string) int {
	failed := 0

	issues, err := p.gh.ListIssues(ctx, upstream)
	if err != nil {
		log.Printf("[pipeline] listing issues of %s failed: %v", upstream, err)
		p.reportFailure(upstream, err)
		failed++
	}
	for _, issue := range issues {
		if err := p.reconcile(ctx, issue); err != nil {
			p.scanItemFailed(upstream, issue.Number, err)
			failed++
		}
	}

	prs, err := p.gh.ListPRs(ctx, upstream)
	if err != nil {
		log.Printf("[pipeline] listing pull requests of %s failed: %v", upstream, err)
		p.reportFailure(upstream, err)
		failed++
	}
	for _, pr := range prs {
		linker, ok := p.links[pr.Downstream.Instance]
		if !ok {
			continue
		}
		if err := linker.Sync(ctx, pr); err != nil {
			p.scanItemFailed(upstream, pr.Number, err)
			failed++
		}
	}
	return failed
}

func (p *Pipeline) scanPagureRepo(ctx context.Context, upstream string) int {
	failed := 0

	issues, err := p.pg.ListIssues(ctx, upstream)
	if err != nil {
		log.Printf("[pipeline] listing issues of %s failed: %v", upstream, err)
		p.reportFailure(upstream, err)
		failed++
	}
	for _, issue := range issues {
		if err := p.reconcile(ctx, issue); err != nil {
			p.scanItemFailed(upstream, issue.Number, err)
			failed++
		}
	}
	return failed
}

// scanItemFailed logs and reports one item failure without stopping the scan.
func (p *Pipeline) scanItemFailed(upstream string, number int, err error) {
	if isUnsyncable(err) {
		log.Printf("[pipeline] %s #%d is unsyncable, skipping: %v", upstream, number, err)
		return
	}
	log.Printf("[pipeline] scan item %s #%d failed: %v", upstream, number, err)
	p.reportFailure(upstream, err)
}
