package intermediary

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/issuesync/issuesync/internal/config"
)

const (
	// JIRA rejects summaries longer than 255 characters.
	maxTitleLen = 254
	// JIRA rejects bodies past 50k characters, so trim content up front.
	maxContentLen = 50000
)

// Source identifies the upstream platform an item came from.
type Source string

const (
	SourceGitHub Source = "github"
	SourcePagure Source = "pagure"
)

// ItemKind distinguishes issues from pull requests through the whole
// pipeline instead of relying on payload shape.
type ItemKind string

const (
	KindIssue       ItemKind = "issue"
	KindPullRequest ItemKind = "pullrequest"
)

// Status is the normalized upstream state.
type Status string

const (
	StatusOpen   Status = "Open"
	StatusClosed Status = "Closed"
)

// Comment is one upstream comment, ordered chronologically by upstream id.
type Comment struct {
	ID        string
	Author    string // display name, falls back to login
	Username  string // login
	Body      string
	CreatedAt time.Time
	ChangedAt *time.Time // nil if never edited
}

// Issue is the platform-agnostic snapshot of one upstream issue at one point
// in time. It is constructed fresh by an adapter on every event, passed once
// through the pipeline, and discarded.
type Issue struct {
	Source      Source
	Upstream    string // owner/repo
	RawTitle    string
	URL         string
	ID          string // stable upstream identifier
	Number      int    // human-facing upstream number
	Status      Status
	Reporter    string
	Assignees   []string
	Tags        []string
	FixVersions []string
	Priority    string
	StoryPoints *float64
	Content     string
	Comments    []Comment

	// Downstream is the policy resolved at construction time. It is never
	// mutated after the adapter attaches it.
	Downstream *config.Policy
}

// Title returns the downstream-decorated title, disambiguated across
// upstream sources sharing one JIRA project.
func (i *Issue) Title() string {
	return decorateTitle(i.Upstream, i.RawTitle)
}

// Normalize clamps the title, scrubs the content, and orders comments.
// Adapters call it once after filling in the raw fields.
func (i *Issue) Normalize() {
	i.RawTitle = clampTitle(i.RawTitle)
	i.Content = ScrubContent(i.Content)
	sortComments(i.Comments)
}

// Validate reports a malformed payload when required fields are absent.
func (i *Issue) Validate() error {
	switch {
	case i.Source == "":
		return fmt.Errorf("%w: missing source", ErrMalformedPayload)
	case i.Upstream == "":
		return fmt.Errorf("%w: missing upstream repo", ErrMalformedPayload)
	case i.ID == "":
		return fmt.Errorf("%w: missing upstream id", ErrMalformedPayload)
	case i.URL == "":
		return fmt.Errorf("%w: missing url for %s#%d", ErrMalformedPayload, i.Upstream, i.Number)
	case i.Downstream == nil:
		return fmt.Errorf("%w: no resolved policy for %s", ErrMalformedPayload, i.Upstream)
	}
	return nil
}

// PullRequest is the platform-agnostic snapshot of one upstream pull request.
type PullRequest struct {
	Source   Source
	Upstream string
	RawTitle string
	URL      string
	ID       string
	Number   int
	Reporter string
	Content  string
	Comments []Comment

	// JiraKey is the downstream ticket extracted from the marker text in the
	// PR body or comments, empty when no marker was found.
	JiraKey string

	// Suffix describes the transition this event represents: opened, edited,
	// reopened, closed, merged, or comment.
	Suffix string

	Downstream *config.Policy
}

// Title returns the downstream-decorated title.
func (p *PullRequest) Title() string {
	return decorateTitle(p.Upstream, p.RawTitle)
}

// Normalize clamps the title, scrubs the content, and orders comments.
func (p *PullRequest) Normalize() {
	p.RawTitle = clampTitle(p.RawTitle)
	p.Content = ScrubContent(p.Content)
	sortComments(p.Comments)
}

// Validate reports a malformed payload when required fields are absent.
func (p *PullRequest) Validate() error {
	switch {
	case p.Source == "":
		return fmt.Errorf("%w: missing source", ErrMalformedPayload)
	case p.Upstream == "":
		return fmt.Errorf("%w: missing upstream repo", ErrMalformedPayload)
	case p.ID == "":
		return fmt.Errorf("%w: missing upstream id", ErrMalformedPayload)
	case p.URL == "":
		return fmt.Errorf("%w: missing url for %s#%d", ErrMalformedPayload, p.Upstream, p.Number)
	case p.Downstream == nil:
		return fmt.Errorf("%w: no resolved policy for %s", ErrMalformedPayload, p.Upstream)
	}
	return nil
}

// ResolveSuffix maps a raw PR action to the transition suffix carried on the
// intermediary object. A closed PR is "merged" when the merge flag is set.
func ResolveSuffix(action string, merged bool) string {
	switch {
	case strings.Contains(action, "reopened"):
		return "reopened"
	case strings.Contains(action, "closed"):
		if merged {
			return "merged"
		}
		return "closed"
	}
	return action
}

func decorateTitle(upstream, raw string) string {
	title := fmt.Sprintf("[%s] %s", upstream, raw)
	return strings.TrimSpace(clampTitle(title))
}

// clampTitle cuts the title to the downstream limit on a rune boundary, so a
// multi-byte character is never split into invalid UTF-8.
func clampTitle(title string) string {
	if len(title) <= maxTitleLen {
		return title
	}
	cut := maxTitleLen
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return title[:cut]
}

// ScrubContent trims body text to the downstream size limit, folds it down to
// plain ASCII, and strips escape characters so the text is safe to embed in
// the pattern matching the reconciler runs over descriptions.
func ScrubContent(content string) string {
	if len(content) > maxContentLen {
		content = content[:maxContentLen]
	}
	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		switch {
		case r == '\\':
			// skip
		case r > 127:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sortComments(comments []Comment) {
	sort.SliceStable(comments, func(a, b int) bool {
		if comments[a].CreatedAt.Equal(comments[b].CreatedAt) {
			return comments[a].ID < comments[b].ID
		}
		return comments[a].CreatedAt.Before(comments[b].CreatedAt)
	})
}

// jiraMarker matches the recognizable marker linking a PR to a downstream
// ticket, e.g. "JIRA: FACTORY-1234" or "Relates to JIRA: FACTORY-1234".
// The key prefix is case-insensitive.
var jiraMarker = regexp.MustCompile(`(?i)jira:\s*([A-Za-z][A-Za-z0-9]*-[0-9]+)`)

// MatchJiraKey extracts the downstream ticket key referenced by a PR, looking
// at the description first and then the comments in order. First match wins.
func MatchJiraKey(content string, comments []Comment) string {
	if m := jiraMarker.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	for _, comment := range comments {
		if m := jiraMarker.FindStringSubmatch(comment.Body); m != nil {
			return m[1]
		}
	}
	return ""
}
