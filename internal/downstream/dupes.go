package downstream

import (
	"context"
	"log"
	"sort"

	"github.com/issuesync/issuesync/internal/intermediary"
	"github.com/issuesync/issuesync/internal/policy"
)

// CloseDuplicates resolves a duplicate set for one upstream issue: the oldest
// downstream ticket survives, every younger one is closed with a Duplicate
// resolution. Run as an explicit maintenance pass, never during normal sync.
func (r *Reconciler) CloseDuplicates(ctx context.Context, issue *intermediary.Issue) error {
	var matches []policy.Snapshot
	err := r.guard.Do(ctx, "downstream search", func() error {
		var searchErr error
		matches, searchErr = r.client.SearchRemoteLinked(issue.URL)
		return searchErr
	})
	if err != nil {
		return err
	}
	if len(matches) < 2 {
		return nil
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Created.Before(matches[j].Created)
	})
	keeper := matches[0]

	for _, dup := range matches[1:] {
		if r.dryRun {
			log.Printf("[reconciler] dry-run: would close %s as duplicate of %s", dup.Key, keeper.Key)
			continue
		}
		if err := r.closeAsDuplicate(ctx, dup.Key, keeper.Key); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) closeAsDuplicate(ctx context.Context, key, keeperKey string) error {
	err := r.guard.Do(ctx, "downstream comment add", func() error {
		return r.client.AddComment(key, "Closed as duplicate of "+keeperKey+".")
	})
	if err != nil {
		return err
	}

	var available []Transition
	err = r.guard.Do(ctx, "downstream transitions", func() error {
		var listErr error
		available, listErr = r.client.Transitions(key)
		return listErr
	})
	if err != nil {
		return err
	}
	target := pickTransition(available, policy.GenericCloseStates)
	if target == nil {
		log.Printf("[reconciler] no close transition available on duplicate %s", key)
		return nil
	}

	err = r.guard.Do(ctx, "downstream transition", func() error {
		return r.client.DoTransitionWithResolution(key, target.ID, "Duplicate")
	})
	if err != nil {
		return err
	}
	log.Printf("[reconciler] closed %s as duplicate of %s", key, keeperKey)
	return nil
}
