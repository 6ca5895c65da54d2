package pagure

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/issuesync/issuesync/internal/config"
	"github.com/issuesync/issuesync/internal/intermediary"
	"github.com/issuesync/issuesync/internal/ratelimit"
)

// Adapter translates Pagure issues into intermediary objects. Event payloads
// carry the full issue including comments, so conversion works directly from
// the payload; the REST API is only needed for listings and priority names.
type Adapter struct {
	cfg    *config.Config
	client *Client
	guard  *ratelimit.Guard

	mu         sync.Mutex
	priorities map[string]map[string]string // repo -> priority id -> name
}

func NewAdapter(cfg *config.Config, guard *ratelimit.Guard) *Adapter {
	return &Adapter{
		cfg:        cfg,
		client:     NewClient(cfg.PagureURL),
		guard:      guard,
		priorities: make(map[string]map[string]string),
	}
}

// eventPayload is the fedmsg message body shape shared by the issue topics.
type eventPayload struct {
	Issue   *Issue `json:"issue"`
	Project struct {
		Fullname string `json:"fullname"`
	} `json:"project"`
}

// IssueFromPayload converts one event payload. A nil issue with nil error
// means the repo is unmapped or the item was filtered out.
func (a *Adapter) IssueFromPayload(ctx context.Context, payload []byte) (*intermediary.Issue, error) {
	var event eventPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", intermediary.ErrMalformedPayload, err)
	}
	if event.Issue == nil || event.Project.Fullname == "" {
		return nil, fmt.Errorf("%w: pagure payload has no issue or project", intermediary.ErrMalformedPayload)
	}

	upstream := event.Project.Fullname
	pol, ok := a.cfg.Resolve("pagure", upstream)
	if !ok || !pol.SyncsKind("issue") {
		return nil, nil
	}
	if !passesFilter(pol.Filter, event.Issue) {
		log.Printf("[pagure] %s #%d filtered out", upstream, event.Issue.ID)
		return nil, nil
	}
	return a.convert(ctx, pol, upstream, event.Issue)
}

// ListIssues walks every issue in a mapped repository for a full scan.
func (a *Adapter) ListIssues(ctx context.Context, upstream string) ([]*intermediary.Issue, error) {
	pol, ok := a.cfg.Resolve("pagure", upstream)
	if !ok || !pol.SyncsKind("issue") {
		return nil, nil
	}

	var raw []Issue
	err := a.guard.Do(ctx, "pagure list issues", func() error {
		var listErr error
		raw, listErr = a.client.ListIssues(ctx, upstream, pol.Filter.Status, pol.Filter.Labels)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	var out []*intermediary.Issue
	for i := range raw {
		if !passesFilter(pol.Filter, &raw[i]) {
			continue
		}
		issue, err := a.convert(ctx, pol, upstream, &raw[i])
		if err != nil {
			return nil, err
		}
		out = append(out, issue)
	}
	log.Printf("[pagure] listed %d issues from %s", len(out), upstream)
	return out, nil
}

func (a *Adapter) convert(ctx context.Context, pol *config.Policy, upstream string, raw *Issue) (*intermediary.Issue, error) {
	issue := &intermediary.Issue{
		Source:   intermediary.SourcePagure,
		Upstream: upstream,
		RawTitle: raw.Title,
		URL:      a.client.IssueURL(upstream, raw.ID),
		ID:       strconv.Itoa(raw.ID),
		Number:   raw.ID,
		Status:   convertStatus(raw.Status),
		Content:  raw.Content,
		Tags:     append([]string(nil), raw.Tags...),

		Downstream: pol,
	}
	if raw.User != nil {
		issue.Reporter = accountName(raw.User)
	}
	if raw.Assignee != nil {
		issue.Assignees = []string{accountName(raw.Assignee)}
	}
	if raw.Milestone != "" {
		issue.FixVersions = []string{expandFixVersion(pol, raw.Milestone)}
	}
	if raw.Priority != 0 {
		name, err := a.priorityName(ctx, upstream, raw.Priority)
		if err != nil {
			return nil, err
		}
		issue.Priority = name
	}
	for _, c := range raw.Comments {
		comment := intermediary.Comment{
			ID:        strconv.Itoa(c.ID),
			Body:      c.Comment,
			CreatedAt: c.DateCreated.Time,
		}
		if c.User != nil {
			comment.Author = accountName(c.User)
			comment.Username = c.User.Name
		}
		if !c.EditedOn.IsZero() {
			changed := c.EditedOn.Time
			comment.ChangedAt = &changed
		}
		issue.Comments = append(issue.Comments, comment)
	}

	issue.Normalize()
	return issue, nil
}

// priorityName translates a numeric priority id through the repository's
// priority table, cached per repo for the process lifetime.
func (a *Adapter) priorityName(ctx context.Context, upstream string, priority int) (string, error) {
	a.mu.Lock()
	table, ok := a.priorities[upstream]
	a.mu.Unlock()

	if !ok {
		err := a.guard.Do(ctx, "pagure project info", func() error {
			var getErr error
			table, getErr = a.client.ProjectPriorities(ctx, upstream)
			return getErr
		})
		if err != nil {
			return "", fmt.Errorf("failed to read priority table for %s: %w", upstream, err)
		}
		a.mu.Lock()
		a.priorities[upstream] = table
		a.mu.Unlock()
	}
	return table[strconv.Itoa(priority)], nil
}

func passesFilter(filter config.Filters, raw *Issue) bool {
	if filter.Empty() {
		return true
	}
	if filter.Status != "" && !strings.EqualFold(raw.Status, filter.Status) {
		return false
	}
	if filter.Milestone != 0 && raw.Milestone != strconv.Itoa(filter.Milestone) {
		return false
	}
	for _, required := range filter.Labels {
		found := false
		for _, tag := range raw.Tags {
			if tag == required {
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

func expandFixVersion(pol *config.Policy, milestone string) string {
	if tmpl := pol.FixVersionTemplate(); tmpl != "" {
		return strings.ReplaceAll(tmpl, "XXX", milestone)
	}
	return milestone
}

func convertStatus(status string) intermediary.Status {
	if strings.EqualFold(status, "closed") {
		return intermediary.StatusClosed
	}
	return intermediary.StatusOpen
}

func accountName(account *Account) string {
	if account.Fullname != "" {
		return account.Fullname
	}
	return account.Name
}
