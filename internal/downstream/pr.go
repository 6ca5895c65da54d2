package downstream

import (
	"context"
	"fmt"
	"log"

	"github.com/issuesync/issuesync/internal/intermediary"
	"github.com/issuesync/issuesync/internal/policy"
	"github.com/issuesync/issuesync/internal/ratelimit"
)

// PRLinker reflects pull request activity onto the downstream ticket the PR
// references. It only ever annotates existing tickets; a PR never creates one.
type PRLinker struct {
	client Client
	guard  *ratelimit.Guard
	dryRun bool
}

// NewPRLinker builds a linker sharing the reconciler's client and retry guard.
func NewPRLinker(client Client, guard *ratelimit.Guard, dryRun bool) *PRLinker {
	return &PRLinker{client: client, guard: guard, dryRun: dryRun}
}

// Sync annotates the referenced ticket for one pull request event. PRs with
// no ticket marker are skipped silently; that is the common case.
func (l *PRLinker) Sync(ctx context.Context, pr *intermediary.PullRequest) error {
	if pr.JiraKey == "" {
		log.Printf("[prlink] %s PR #%d carries no ticket marker, skipping", pr.Upstream, pr.Number)
		return nil
	}
	fields := pr.Downstream.PRFields
	if fields.Empty() {
		return nil
	}

	var snapshot *policy.Snapshot
	err := l.guard.Do(ctx, "downstream get", func() error {
		var getErr error
		snapshot, getErr = l.client.GetSnapshot(pr.JiraKey)
		return getErr
	})
	if err != nil {
		return err
	}

	comment := FormatPRComment(pr)
	haveComment := false
	for _, posted := range snapshot.Comments {
		if posted.Body == comment {
			haveComment = true
			break
		}
	}

	haveLink := true
	if fields.Has("link") {
		var links []RemoteLink
		err := l.guard.Do(ctx, "downstream remote links", func() error {
			var linksErr error
			links, linksErr = l.client.RemoteLinks(pr.JiraKey)
			return linksErr
		})
		if err != nil {
			return err
		}
		haveLink = false
		for _, link := range links {
			if link.URL == pr.URL {
				haveLink = true
				break
			}
		}
	}

	if haveComment && haveLink && pr.Suffix != "merged" {
		return nil
	}
	if l.dryRun {
		log.Printf("[prlink] dry-run: would annotate %s for %s PR #%d (%s)",
			pr.JiraKey, pr.Upstream, pr.Number, pr.Suffix)
		return nil
	}

	if !haveComment {
		err := l.guard.Do(ctx, "downstream comment add", func() error {
			return l.client.AddComment(pr.JiraKey, comment)
		})
		if err != nil {
			return err
		}
	}
	if !haveLink {
		err := l.guard.Do(ctx, "downstream link", func() error {
			return l.client.AddRemoteLink(pr.JiraKey, pr.URL, "[PR] "+pr.RawTitle)
		})
		if err != nil {
			return err
		}
		if target, ok := fields.NamedTransition("link_transition"); ok {
			if err := l.transition(ctx, pr.JiraKey, snapshot, target); err != nil {
				return err
			}
		}
	}

	if pr.Suffix == "merged" {
		if target, ok := fields.NamedTransition("merge_transition"); ok {
			if err := l.transition(ctx, pr.JiraKey, snapshot, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// transition moves the ticket for a merge or link event. Generic requests
// fall back to the shared closed-state preference list.
func (l *PRLinker) transition(ctx context.Context, key string, snapshot *policy.Snapshot, target string) error {
	var available []Transition
	err := l.guard.Do(ctx, "downstream transitions", func() error {
		var listErr error
		available, listErr = l.client.Transitions(key)
		return listErr
	})
	if err != nil {
		return err
	}

	preferred := policy.GenericCloseStates
	if target != "" {
		if snapshot != nil && snapshot.Status == target {
			return nil
		}
		preferred = []string{target}
	}
	picked := pickTransition(available, preferred)
	if picked == nil {
		log.Printf("[prlink] no transition to %q available on %s", target, key)
		return nil
	}
	err = l.guard.Do(ctx, "downstream transition", func() error {
		return l.client.DoTransition(key, picked.ID)
	})
	if err != nil {
		return err
	}
	log.Printf("[prlink] transitioned %s to %s", key, picked.Name)
	return nil
}

// FormatPRComment renders the annotation body for one pull request event.
// The body doubles as the idempotence token: an identical comment already
// posted suppresses a repeat.
func FormatPRComment(pr *intermediary.PullRequest) string {
	switch pr.Suffix {
	case "merged":
		return fmt.Sprintf("Merge request [%s| %s] was merged!", pr.RawTitle, pr.URL)
	case "closed":
		return fmt.Sprintf("Merge request [%s| %s] was closed.", pr.RawTitle, pr.URL)
	case "reopened":
		return fmt.Sprintf("Merge request [%s| %s] was reopened.", pr.RawTitle, pr.URL)
	default:
		return fmt.Sprintf("%s mentioned this issue in merge request [%s| %s].",
			pr.Reporter, pr.RawTitle, pr.URL)
	}
}
