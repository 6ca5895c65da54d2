// Package policy computes the exact set of downstream field writes for one
// upstream item, given the current downstream state and the repository's
// resolved sync policy. It is pure: no I/O, no mutation of its inputs.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/issuesync/issuesync/internal/intermediary"
)

// Snapshot is the subset of a downstream ticket the engine compares against.
// It is re-fetched before every diff; full ticket state is never cached
// across reconciliation cycles.
type Snapshot struct {
	Key         string
	Summary     string
	Description string
	Status      string
	Assignee    string
	Priority    string
	Labels      []string
	FixVersions []string
	StoryPoints *float64
	Created     time.Time
	Comments    []SnapshotComment
}

// SnapshotComment is one downstream comment, as posted.
type SnapshotComment struct {
	ID   string
	Body string
}

// FieldWrite is one downstream field assignment. Writes are applied as a
// single batched update where the tracker API allows it.
type FieldWrite struct {
	Field string
	Value interface{}
}

// CommentEdit replaces the body of an already-synced downstream comment.
type CommentEdit struct {
	DownstreamID string
	Body         string
}

// TransitionRequest asks for a single downstream status transition. Generic
// requests resolve to the tracker's closed-equivalent; named requests target
// one specific transition.
type TransitionRequest struct {
	To      string // empty when Generic
	Generic bool
	Comment string // breadcrumb posted before attempting the transition
}

// WriteSet is the computed difference between upstream and downstream state.
type WriteSet struct {
	Fields       []FieldWrite
	AddComments  []string
	EditComments []CommentEdit
	Transition   *TransitionRequest
}

// Empty reports whether applying the set would change nothing downstream.
func (w *WriteSet) Empty() bool {
	return len(w.Fields) == 0 && len(w.AddComments) == 0 &&
		len(w.EditComments) == 0 && w.Transition == nil
}

// Engine computes write sets. DefaultJiraFields names the downstream custom
// fields for project-board values (e.g. storypoints -> customfield_10002).
type Engine struct {
	DefaultJiraFields map[string]string
}

// ComputeWrites diffs one upstream issue against the downstream snapshot.
// existing is nil when no downstream ticket exists yet; every field is then
// diffed against emptiness.
func (e *Engine) ComputeWrites(issue *intermediary.Issue, existing *Snapshot) *WriteSet {
	fields := issue.Downstream.IssueFields
	if fields.Empty() {
		return &WriteSet{}
	}
	current := existing
	if current == nil {
		current = &Snapshot{}
	}

	ws := &WriteSet{}

	if fields.Has("title") {
		e.scalar(ws, "summary", issue.Title(), current.Summary, fields.Overwrite("title"))
	}

	e.description(ws, issue, current)
	e.labels(ws, issue, current)
	e.fixVersions(ws, issue, current)
	e.assignee(ws, issue, current)
	e.priority(ws, issue, current)
	e.storyPoints(ws, issue, current)

	if fields.Has("comments") {
		e.comments(ws, issue, current)
	}
	if fields.Has("upstream_id") {
		e.upstreamID(ws, issue, current)
	}
	e.transition(ws, issue, current)

	return ws
}

// scalar applies the per-field overwrite semantics: overwrite=true writes the
// upstream value unconditionally, including clearing on empty upstream;
// overwrite=false fills only an empty downstream field and never deletes.
func (e *Engine) scalar(ws *WriteSet, field, upstream, downstream string, overwrite bool) {
	if overwrite {
		if upstream != downstream {
			ws.Fields = append(ws.Fields, FieldWrite{Field: field, Value: upstream})
		}
		return
	}
	if downstream == "" && upstream != "" {
		ws.Fields = append(ws.Fields, FieldWrite{Field: field, Value: upstream})
	}
}

func (e *Engine) description(ws *WriteSet, issue *intermediary.Issue, current *Snapshot) {
	fields := issue.Downstream.IssueFields
	switch {
	case fields.Has("description"):
		e.scalar(ws, "description", BuildDescription(issue), current.Description, fields.Overwrite("description"))
	case fields.Has("url"):
		// URL-only sync: ensure the footer is present without touching the
		// rest of the description. Presence is checked first so a re-run
		// does not duplicate the footer.
		footer := urlFooter(issue)
		if strings.Contains(current.Description, footer) {
			return
		}
		desc := current.Description
		if desc != "" {
			desc += "\n"
		}
		ws.Fields = append(ws.Fields, FieldWrite{Field: "description", Value: desc + footer})
	}
}

func (e *Engine) labels(ws *WriteSet, issue *intermediary.Issue, current *Snapshot) {
	fields := issue.Downstream.IssueFields
	syncTags := fields.Has("tags")
	_, transitions := fields.Transition()
	onClose := transitions && issue.Status == intermediary.StatusClosed && len(fields.OnCloseLabels()) > 0
	if !syncTags && !onClose {
		return
	}

	var desired []string
	if syncTags {
		desired = VerifyTags(issue.Tags)
		if !fields.Overwrite("tags") {
			desired = union(desired, current.Labels)
		}
	} else {
		desired = append(desired, current.Labels...)
	}
	if onClose {
		// Applied when the close transition fires; the union keeps the
		// write idempotent across repeated closed events.
		desired = union(desired, fields.OnCloseLabels())
	}

	sort.Strings(desired)
	if !equalStrings(desired, sortedCopy(current.Labels)) {
		ws.Fields = append(ws.Fields, FieldWrite{Field: "labels", Value: desired})
	}
}

func (e *Engine) fixVersions(ws *WriteSet, issue *intermediary.Issue, current *Snapshot) {
	fields := issue.Downstream.IssueFields
	if !fields.Has("fixVersion") || len(issue.FixVersions) == 0 {
		return
	}
	desired := issue.FixVersions
	if !fields.Overwrite("fixVersion") {
		// Append-only: never drop a fixVersion already set downstream.
		desired = union(desired, current.FixVersions)
	}
	sort.Strings(desired)
	if !equalStrings(desired, sortedCopy(current.FixVersions)) {
		ws.Fields = append(ws.Fields, FieldWrite{Field: "fixVersions", Value: desired})
	}
}

func (e *Engine) assignee(ws *WriteSet, issue *intermediary.Issue, current *Snapshot) {
	fields := issue.Downstream.IssueFields
	if !fields.Has("assignee") {
		return
	}
	var upstream string
	for _, a := range issue.Assignees {
		if a != "" {
			upstream = a
			break
		}
	}
	e.scalar(ws, "assignee", upstream, current.Assignee, fields.Overwrite("assignee"))
}

// priority syncs either a translated project-board value or, for platforms
// carrying one, the native priority field. Policies requesting native priority
// from a platform without one are rejected at config load.
func (e *Engine) priority(ws *WriteSet, issue *intermediary.Issue, current *Snapshot) {
	pol := issue.Downstream
	if boardField, ok := pol.GitHubProjectFields["priority"]; ok && pol.IssueFields.Has("github_project_fields") {
		if issue.Priority == "" {
			return
		}
		translated := boardField.Options[issue.Priority]
		if translated == "" {
			// No mapping was specified for this board value; never guess.
			return
		}
		field := e.DefaultJiraFields["priority"]
		if field == "" {
			field = "priority"
		}
		if translated != current.Priority {
			ws.Fields = append(ws.Fields, FieldWrite{Field: field, Value: translated})
		}
		return
	}

	if !pol.IssueFields.Has("priority") {
		return
	}
	if issue.Priority != "" && issue.Priority != current.Priority {
		ws.Fields = append(ws.Fields, FieldWrite{Field: "priority", Value: issue.Priority})
	}
}

func (e *Engine) storyPoints(ws *WriteSet, issue *intermediary.Issue, current *Snapshot) {
	pol := issue.Downstream
	if _, ok := pol.GitHubProjectFields["storypoints"]; !ok || !pol.IssueFields.Has("github_project_fields") {
		return
	}
	if issue.StoryPoints == nil {
		return
	}
	field := e.DefaultJiraFields["storypoints"]
	if field == "" {
		return
	}
	if current.StoryPoints == nil || *current.StoryPoints != *issue.StoryPoints {
		ws.Fields = append(ws.Fields, FieldWrite{Field: field, Value: *issue.StoryPoints})
	}
}

// comments diffs the upstream comment set against previously-synced comments,
// matched by the id embedded in the posted body. New comments are added,
// edited comments are updated, nothing is ever deleted.
func (e *Engine) comments(ws *WriteSet, issue *intermediary.Issue, current *Snapshot) {
	for _, comment := range issue.Comments {
		formatted := FormatComment(comment)
		legacy := formatCommentLegacy(comment)
		matched := false
		for _, posted := range current.Comments {
			if posted.Body == legacy {
				// Synced before the id-stamped format existed; leave as-is.
				matched = true
				break
			}
			if strings.Contains(posted.Body, "["+comment.ID+"]") {
				matched = true
				if posted.Body != formatted {
					ws.EditComments = append(ws.EditComments, CommentEdit{
						DownstreamID: posted.ID,
						Body:         formatted,
					})
				}
				break
			}
		}
		if !matched {
			ws.AddComments = append(ws.AddComments, formatted)
		}
	}
}

func (e *Engine) upstreamID(ws *WriteSet, issue *intermediary.Issue, current *Snapshot) {
	breadcrumb := fmt.Sprintf("Creating issue for [%s-#%d|%s]", issue.Upstream, issue.Number, issue.URL)
	for _, posted := range current.Comments {
		if posted.Body == breadcrumb {
			return
		}
	}
	ws.AddComments = append(ws.AddComments, breadcrumb)
}

// GenericCloseStates is the preference order tried when a policy asks for a
// generic close without naming a target state, and the set of downstream
// statuses already treated as closed when diffing. Boards differ in what they
// call their terminal state.
var GenericCloseStates = []string{"Dropped", "Reject", "Done", "Closed", "Closed (2)"}

func isClosedStatus(status string) bool {
	for _, name := range GenericCloseStates {
		if strings.EqualFold(status, name) {
			return true
		}
	}
	return false
}

// transition fires only on a closed upstream item with a transition entry in
// the policy, and never reopens a downstream ticket from an upstream reopen.
func (e *Engine) transition(ws *WriteSet, issue *intermediary.Issue, current *Snapshot) {
	fields := issue.Downstream.IssueFields
	target, requested := fields.Transition()
	if !requested || issue.Status != intermediary.StatusClosed {
		return
	}
	if target == "" {
		if isClosedStatus(current.Status) {
			return
		}
		ws.Transition = &TransitionRequest{Generic: true}
		return
	}
	if strings.EqualFold(current.Status, target) {
		return
	}
	ws.Transition = &TransitionRequest{
		To: target,
		Comment: fmt.Sprintf("[Upstream issue|%s] closed. Attempting transition to %s.",
			issue.URL, target),
	}
}

// BuildDescription assembles the downstream description: reporter header,
// status line when transitions are on, the quoted upstream body, and the
// upstream URL footer when requested.
func BuildDescription(issue *intermediary.Issue) string {
	fields := issue.Downstream.IssueFields
	var description string
	if fields.Has("description") {
		description = fmt.Sprintf("Upstream description: {quote}%s{quote}", issue.Content)
	}
	if _, ok := fields.Transition(); ok {
		description = fmt.Sprintf("Upstream issue status: %s", issue.Status) + "\n" + description
	}
	if issue.Reporter != "" {
		description = fmt.Sprintf("[%s] Upstream Reporter: %s\n", issue.ID, issue.Reporter) + description
	}
	if fields.Has("url") {
		description = description + "\n" + urlFooter(issue)
	}
	return description
}

func urlFooter(issue *intermediary.Issue) string {
	return "Upstream URL: " + issue.URL
}

// FormatComment renders an upstream comment for posting downstream, with the
// upstream comment id embedded so later diffs can find it again.
func FormatComment(comment intermediary.Comment) string {
	prettyDate := comment.CreatedAt.Format("Mon Jan 02")
	return fmt.Sprintf("[%s] Upstream, %s wrote [%s]:\n\n{quote}\n%s\n{quote}",
		comment.ID, comment.Author, prettyDate, comment.Body)
}

// formatCommentLegacy is the pre-id-stamp format, still matched so comments
// synced by old deployments are not duplicated.
func formatCommentLegacy(comment intermediary.Comment) string {
	return fmt.Sprintf("Upstream, %s wrote:\n\n{quote}\n%s\n{quote}",
		comment.Username, comment.Body)
}

// VerifyTags makes upstream labels safe for the downstream tracker, which
// rejects labels containing spaces.
func VerifyTags(tags []string) []string {
	updated := make([]string, 0, len(tags))
	for _, tag := range tags {
		updated = append(updated, strings.ReplaceAll(tag, " ", "_"))
	}
	return updated
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
