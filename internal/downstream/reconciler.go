package downstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/issuesync/issuesync/internal/config"
	"github.com/issuesync/issuesync/internal/intermediary"
	"github.com/issuesync/issuesync/internal/policy"
	"github.com/issuesync/issuesync/internal/ratelimit"
)

// DuplicateNotifier is told when an upstream item maps to more than one
// downstream ticket. The reconciler never picks a winner itself.
type DuplicateNotifier interface {
	NotifyDuplicates(issue *intermediary.Issue, keys []string) error
}

// Reconciler converges one downstream ticket to upstream state. All of its
// methods are idempotent: running twice against unchanged upstream state
// performs zero writes the second time.
type Reconciler struct {
	client   Client
	engine   *policy.Engine
	guard    *ratelimit.Guard
	notifier DuplicateNotifier
	dryRun   bool
}

// NewReconciler builds a reconciler. notifier may be nil, in which case
// duplicate detection only logs.
func NewReconciler(client Client, engine *policy.Engine, guard *ratelimit.Guard, notifier DuplicateNotifier, dryRun bool) *Reconciler {
	return &Reconciler{
		client:   client,
		engine:   engine,
		guard:    guard,
		notifier: notifier,
		dryRun:   dryRun,
	}
}

// Sync reconciles a single upstream issue: finds the downstream ticket by
// remote link, creates one if none exists, updates the one that does, and
// escalates when several match.
func (r *Reconciler) Sync(ctx context.Context, issue *intermediary.Issue) error {
	if err := issue.Validate(); err != nil {
		return err
	}

	var matches []policy.Snapshot
	err := r.guard.Do(ctx, "downstream search", func() error {
		var searchErr error
		matches, searchErr = r.client.SearchRemoteLinked(issue.URL)
		return searchErr
	})
	if err != nil {
		return r.classify(issue, err)
	}

	switch len(matches) {
	case 0:
		return r.classify(issue, r.create(ctx, issue))
	case 1:
		return r.classify(issue, r.update(ctx, issue, matches[0].Key))
	default:
		keys := make([]string, 0, len(matches))
		for _, m := range matches {
			keys = append(keys, m.Key)
		}
		sort.Strings(keys)
		log.Printf("[reconciler] %s #%d matches multiple downstream tickets: %s",
			issue.Upstream, issue.Number, strings.Join(keys, ", "))
		if r.notifier != nil {
			// Alerting is best-effort: a failed send never fails the item.
			if err := r.notifier.NotifyDuplicates(issue, keys); err != nil {
				log.Printf("[reconciler] failed to send duplicate alert for %s #%d: %v",
					issue.Upstream, issue.Number, err)
			}
		}
		return nil
	}
}

// create files a new downstream ticket, attaches the upstream remote link,
// applies the policy's default status, then runs the update path so the new
// ticket converges in the same cycle.
func (r *Reconciler) create(ctx context.Context, issue *intermediary.Issue) error {
	pol := issue.Downstream
	if r.dryRun {
		log.Printf("[reconciler] dry-run: would create %s ticket for %s #%d (%s)",
			pol.Project, issue.Upstream, issue.Number, issue.Title())
		return nil
	}

	req := &CreateRequest{
		Project:      pol.Project,
		Component:    pol.Component,
		IssueType:    r.issueType(issue),
		Summary:      issue.Title(),
		Description:  policy.BuildDescription(issue),
		Labels:       policy.VerifyTags(append(append([]string(nil), issue.Tags...), pol.Labels...)),
		CustomFields: r.customFields(pol),
	}

	var key string
	err := r.guard.Do(ctx, "downstream create", func() error {
		var createErr error
		key, createErr = r.client.Create(req)
		return createErr
	})
	if err != nil {
		return err
	}
	log.Printf("[reconciler] created %s for %s #%d", key, issue.Upstream, issue.Number)

	// The remote link is the identity anchor: until it exists, a re-scan
	// would file this item again.
	err = r.guard.Do(ctx, "downstream link", func() error {
		return r.client.AddRemoteLink(key, issue.URL, remoteLinkTitle)
	})
	if err != nil {
		return fmt.Errorf("failed to attach remote link to %s: %w", key, err)
	}

	if pol.DefaultStatus != "" {
		if err := r.transitionTo(ctx, key, pol.DefaultStatus); err != nil {
			return fmt.Errorf("failed to set default status on %s: %w", key, err)
		}
	}

	return r.update(ctx, issue, key)
}

// update re-fetches the ticket, computes the write set, and applies it.
func (r *Reconciler) update(ctx context.Context, issue *intermediary.Issue, key string) error {
	var snapshot *policy.Snapshot
	err := r.guard.Do(ctx, "downstream get", func() error {
		var getErr error
		snapshot, getErr = r.client.GetSnapshot(key)
		return getErr
	})
	if err != nil {
		return err
	}

	ws := r.engine.ComputeWrites(issue, snapshot)
	if ws.Empty() {
		log.Printf("[reconciler] %s in sync with %s #%d, nothing to do",
			key, issue.Upstream, issue.Number)
		return nil
	}
	if r.dryRun {
		log.Printf("[reconciler] dry-run: would apply %d field writes, %d new comments, %d comment edits to %s",
			len(ws.Fields), len(ws.AddComments), len(ws.EditComments), key)
		if ws.Transition != nil {
			log.Printf("[reconciler] dry-run: would transition %s", key)
		}
		return nil
	}
	return r.apply(ctx, issue, key, snapshot, ws)
}

func (r *Reconciler) apply(ctx context.Context, issue *intermediary.Issue, key string, snapshot *policy.Snapshot, ws *policy.WriteSet) error {
	fields, err := r.resolveAssignee(ctx, issue, ws.Fields)
	if err != nil {
		return err
	}
	if len(fields) > 0 {
		err := r.guard.Do(ctx, "downstream update", func() error {
			return r.client.UpdateFields(key, fields)
		})
		if err != nil {
			return err
		}
		log.Printf("[reconciler] updated %d fields on %s", len(fields), key)
	}

	for _, edit := range ws.EditComments {
		err := r.guard.Do(ctx, "downstream comment edit", func() error {
			return r.client.UpdateComment(key, edit.DownstreamID, edit.Body)
		})
		if err != nil {
			return err
		}
	}
	for _, body := range ws.AddComments {
		err := r.guard.Do(ctx, "downstream comment add", func() error {
			return r.client.AddComment(key, body)
		})
		if err != nil {
			return err
		}
	}
	if n := len(ws.AddComments) + len(ws.EditComments); n > 0 {
		log.Printf("[reconciler] synced %d comments to %s", n, key)
	}

	if ws.Transition != nil {
		return r.transition(ctx, key, snapshot, ws.Transition)
	}
	return nil
}

// resolveAssignee swaps the upstream assignee name for a downstream account
// assignable in the target project. An unresolvable assignee drops the write
// rather than failing the whole item.
func (r *Reconciler) resolveAssignee(ctx context.Context, issue *intermediary.Issue, fields []policy.FieldWrite) ([]policy.FieldWrite, error) {
	out := make([]policy.FieldWrite, 0, len(fields))
	for _, write := range fields {
		if write.Field != "assignee" {
			out = append(out, write)
			continue
		}
		name, _ := write.Value.(string)
		if name == "" {
			// Overwrite clearing an assignee passes through untouched.
			out = append(out, write)
			continue
		}
		var users []User
		err := r.guard.Do(ctx, "downstream user search", func() error {
			var findErr error
			users, findErr = r.client.FindAssignableUsers(name, issue.Downstream.Project)
			return findErr
		})
		if err != nil {
			return nil, err
		}
		if len(users) == 0 {
			log.Printf("[reconciler] no assignable user matching %q in %s, skipping assignee",
				name, issue.Downstream.Project)
			continue
		}
		out = append(out, policy.FieldWrite{Field: "assignee", Value: users[0].Username})
	}
	return out, nil
}

// transition performs the requested close transition. A missing target state
// is logged and skipped; board workflows are not under this service's control.
func (r *Reconciler) transition(ctx context.Context, key string, snapshot *policy.Snapshot, req *policy.TransitionRequest) error {
	if req.Comment != "" {
		err := r.guard.Do(ctx, "downstream comment add", func() error {
			return r.client.AddComment(key, req.Comment)
		})
		if err != nil {
			return err
		}
	}

	var available []Transition
	err := r.guard.Do(ctx, "downstream transitions", func() error {
		var listErr error
		available, listErr = r.client.Transitions(key)
		return listErr
	})
	if err != nil {
		return err
	}

	var target *Transition
	if req.Generic {
		target = pickTransition(available, policy.GenericCloseStates)
	} else {
		target = pickTransition(available, []string{req.To})
	}
	if target == nil {
		log.Printf("[reconciler] no matching close transition available on %s, leaving status %q",
			key, snapshot.Status)
		return nil
	}

	err = r.guard.Do(ctx, "downstream transition", func() error {
		return r.client.DoTransition(key, target.ID)
	})
	if err != nil {
		return err
	}
	log.Printf("[reconciler] transitioned %s to %s", key, target.Name)
	return nil
}

// transitionTo moves a ticket to a named state, failing when the workflow
// does not offer it.
func (r *Reconciler) transitionTo(ctx context.Context, key, state string) error {
	var available []Transition
	err := r.guard.Do(ctx, "downstream transitions", func() error {
		var listErr error
		available, listErr = r.client.Transitions(key)
		return listErr
	})
	if err != nil {
		return err
	}
	target := pickTransition(available, []string{state})
	if target == nil {
		return fmt.Errorf("no transition to %q available on %s", state, key)
	}
	return r.guard.Do(ctx, "downstream transition", func() error {
		return r.client.DoTransition(key, target.ID)
	})
}

func pickTransition(available []Transition, preferred []string) *Transition {
	for _, name := range preferred {
		for i := range available {
			if strings.EqualFold(available[i].Name, name) {
				return &available[i]
			}
		}
	}
	return nil
}

// issueType selects the downstream issue type: a label-keyed override first,
// then the policy's fixed type, then a title heuristic.
func (r *Reconciler) issueType(issue *intermediary.Issue) string {
	pol := issue.Downstream
	for _, tag := range issue.Tags {
		if t, ok := pol.IssueTypes[tag]; ok {
			return t
		}
	}
	if pol.Type != "" {
		return pol.Type
	}
	if strings.Contains(issue.RawTitle, "RFE") {
		return "Story"
	}
	return "Bug"
}

// customFields assembles the static per-policy field values for creation,
// translating the epic-link and qa-contact shorthands through the instance's
// custom field names.
func (r *Reconciler) customFields(pol *config.Policy) map[string]string {
	out := make(map[string]string, len(pol.CustomFields)+2)
	for name, value := range pol.CustomFields {
		out[name] = value
	}
	if pol.EpicLink != "" {
		if field := r.engine.DefaultJiraFields["epic-link"]; field != "" {
			out[field] = pol.EpicLink
		}
	}
	if pol.QAContact != "" {
		if field := r.engine.DefaultJiraFields["qa-contact"]; field != "" {
			out[field] = pol.QAContact
		}
	}
	return out
}

// classify separates transient failures, which the caller may retry on the
// next cycle, from permanently unsyncable items.
func (r *Reconciler) classify(issue *intermediary.Issue, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ratelimit.ErrUpstreamUnavailable) {
		return err
	}
	var api *APIError
	if errors.As(err, &api) && !api.Temporary() {
		return &UnsyncableError{
			Source:   string(issue.Source),
			Upstream: issue.Upstream,
			ID:       issue.ID,
			Err:      err,
		}
	}
	return err
}
