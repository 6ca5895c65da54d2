// Package pagure reads upstream state from a Pagure instance: fedmsg-style
// event payloads and full-repo listings over the REST API.
package pagure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/issuesync/issuesync/internal/ratelimit"
)

// Client is a thin wrapper over the Pagure v0 REST API. Only the read
// endpoints the sync needs are covered.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Issue is the wire shape of one Pagure issue, shared by the REST listing
// and the event payloads.
type Issue struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	Milestone string    `json:"milestone"`
	Priority  int       `json:"priority"`
	Tags      []string  `json:"tags"`
	Assignee  *Account  `json:"assignee"`
	User      *Account  `json:"user"`
	Comments  []Comment `json:"comments"`
}

// Account is a Pagure user reference.
type Account struct {
	Name     string `json:"name"`
	Fullname string `json:"fullname"`
}

// Comment is one Pagure issue comment. Timestamps arrive as unix-second
// strings.
type Comment struct {
	ID          int      `json:"id"`
	Comment     string   `json:"comment"`
	User        *Account `json:"user"`
	DateCreated UnixTime `json:"date_created"`
	EditedOn    UnixTime `json:"edited_on"`
}

// UnixTime decodes Pagure's unix-second timestamps, which appear both as
// strings and as bare numbers, with null for unset.
type UnixTime struct {
	time.Time
}

func (t *UnixTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		return nil
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unix timestamp %q: %w", s, err)
	}
	t.Time = time.Unix(sec, 0).UTC()
	return nil
}

// GetIssue fetches one issue with its comments.
func (c *Client) GetIssue(ctx context.Context, repo string, id int) (*Issue, error) {
	var result struct {
		Issue
	}
	endpoint := fmt.Sprintf("%s/api/0/%s/issue/%d", c.baseURL, repo, id)
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	return &result.Issue, nil
}

// ListIssues pages through every issue of a repository. status filters
// server-side; tag filters are pushed into the query as well.
func (c *Client) ListIssues(ctx context.Context, repo, status string, tags []string) ([]Issue, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	} else {
		params.Set("status", "Open")
	}
	for _, tag := range tags {
		params.Add("tags", tag)
	}
	params.Set("per_page", "100")

	var out []Issue
	page := 1
	for {
		params.Set("page", strconv.Itoa(page))
		endpoint := fmt.Sprintf("%s/api/0/%s/issues?%s", c.baseURL, repo, params.Encode())
		var result struct {
			Issues     []Issue `json:"issues"`
			Pagination struct {
				Next string `json:"next"`
			} `json:"pagination"`
		}
		if err := c.get(ctx, endpoint, &result); err != nil {
			return nil, err
		}
		out = append(out, result.Issues...)
		if result.Pagination.Next == "" {
			break
		}
		page++
	}
	return out, nil
}

// ProjectPriorities fetches the repository's priority table, keyed by the
// numeric priority id as a string.
func (c *Client) ProjectPriorities(ctx context.Context, repo string) (map[string]string, error) {
	var result struct {
		Priorities map[string]string `json:"priorities"`
	}
	endpoint := fmt.Sprintf("%s/api/0/%s", c.baseURL, repo)
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	return result.Priorities, nil
}

// IssueURL is the human-facing address of one issue.
func (c *Client) IssueURL(repo string, id int) string {
	return fmt.Sprintf("%s/%s/issue/%d", c.baseURL, repo, id)
}

func (c *Client) get(ctx context.Context, endpoint string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pagure request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &statusError{
			status: resp.StatusCode,
			err:    fmt.Errorf("pagure API error: %d - %s", resp.StatusCode, string(body)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode pagure response: %w", err)
	}
	return nil
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
