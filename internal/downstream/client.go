package downstream

import (
	"fmt"
	"strconv"
	"time"

	jira "github.com/andygrunwald/go-jira"

	"github.com/issuesync/issuesync/internal/policy"
)

const remoteLinkTitle = "Upstream issue"

// Transition is one state change the downstream tracker offers for a ticket.
type Transition struct {
	ID   string
	Name string
}

// RemoteLink is a tracked external link on a downstream ticket.
type RemoteLink struct {
	URL   string
	Title string
}

// User is a downstream tracker account.
type User struct {
	Username    string
	DisplayName string
	Email       string
}

// CreateRequest carries the initial field set for a new downstream ticket.
type CreateRequest struct {
	Project     string
	Component   string
	IssueType   string
	Summary     string
	Description string
	Labels      []string
	// CustomFields are static per-policy field values, already substituted.
	CustomFields map[string]string
}

// Client is the capability interface the reconciler depends on. Transport
// and auth live behind it; this core only consumes results.
// The abstraction allows mocking the tracker in tests.
type Client interface {
	// SearchRemoteLinked finds tickets carrying a remote link to the
	// upstream item URL. Zero, one, or several may come back.
	SearchRemoteLinked(url string) ([]policy.Snapshot, error)

	// GetSnapshot re-fetches the current field values of one ticket.
	GetSnapshot(key string) (*policy.Snapshot, error)

	// Create files a new ticket and returns its key.
	Create(req *CreateRequest) (string, error)

	// UpdateFields applies a batched field update to one ticket.
	UpdateFields(key string, fields []policy.FieldWrite) error

	Transitions(key string) ([]Transition, error)
	DoTransition(key, transitionID string) error
	DoTransitionWithResolution(key, transitionID, resolution string) error

	AddComment(key, body string) error
	UpdateComment(key, commentID, body string) error

	RemoteLinks(key string) ([]RemoteLink, error)
	AddRemoteLink(key, url, title string) error

	// FindUsers searches tracker accounts matching a name or username.
	FindUsers(query string) ([]User, error)
	// FindAssignableUsers searches accounts assignable within a project.
	FindAssignableUsers(query, project string) ([]User, error)
}

// RealClient is the production implementation over go-jira.
type RealClient struct {
	client *jira.Client
	// storyPointsField is the custom field id carrying story points, if the
	// deployment maps one.
	storyPointsField string
}

// NewRealClient builds a client for one downstream instance using
// personal-access-token auth.
func NewRealClient(baseURL, token, storyPointsField string) (*RealClient, error) {
	transport := jira.PATAuthTransport{Token: token}
	client, err := jira.NewClient(transport.Client(), baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to construct jira client for %s: %w", baseURL, err)
	}
	return &RealClient{client: client, storyPointsField: storyPointsField}, nil
}

func (c *RealClient) SearchRemoteLinked(url string) ([]policy.Snapshot, error) {
	jql := fmt.Sprintf(`issueFunction in linkedIssuesOfRemote("%s") and issueFunction in linkedIssuesOfRemote("%s")`,
		remoteLinkTitle, url)
	issues, resp, err := c.client.Issue.Search(jql, &jira.SearchOptions{MaxResults: 50})
	if err != nil {
		return nil, apiError("search", resp, err)
	}
	snapshots := make([]policy.Snapshot, 0, len(issues))
	for i := range issues {
		snapshots = append(snapshots, *c.snapshot(&issues[i]))
	}
	return snapshots, nil
}

func (c *RealClient) GetSnapshot(key string) (*policy.Snapshot, error) {
	issue, resp, err := c.client.Issue.Get(key, nil)
	if err != nil {
		return nil, apiError("get", resp, err)
	}
	return c.snapshot(issue), nil
}

func (c *RealClient) Create(req *CreateRequest) (string, error) {
	fields := &jira.IssueFields{
		Summary:     req.Summary,
		Description: req.Description,
		Type:        jira.IssueType{Name: req.IssueType},
		Project:     jira.Project{Key: req.Project},
		Labels:      req.Labels,
	}
	if req.Component != "" {
		fields.Components = []*jira.Component{{Name: req.Component}}
	}
	if len(req.CustomFields) > 0 {
		fields.Unknowns = map[string]interface{}{}
		for name, value := range req.CustomFields {
			fields.Unknowns[name] = value
		}
	}
	created, resp, err := c.client.Issue.Create(&jira.Issue{Fields: fields})
	if err != nil {
		return "", apiError("create", resp, err)
	}
	return created.Key, nil
}

func (c *RealClient) UpdateFields(key string, fields []policy.FieldWrite) error {
	update := map[string]interface{}{}
	for _, write := range fields {
		switch write.Field {
		case "assignee":
			name, _ := write.Value.(string)
			update["assignee"] = map[string]interface{}{"name": name}
		case "priority":
			update["priority"] = map[string]interface{}{"name": write.Value}
		case "fixVersions":
			versions, _ := write.Value.([]string)
			named := make([]map[string]interface{}, 0, len(versions))
			for _, v := range versions {
				named = append(named, map[string]interface{}{"name": v})
			}
			update["fixVersions"] = named
		default:
			update[write.Field] = write.Value
		}
	}
	resp, err := c.client.Issue.UpdateIssue(key, map[string]interface{}{"fields": update})
	if err != nil {
		return apiError("update", resp, err)
	}
	return nil
}

func (c *RealClient) Transitions(key string) ([]Transition, error) {
	transitions, resp, err := c.client.Issue.GetTransitions(key)
	if err != nil {
		return nil, apiError("transitions", resp, err)
	}
	out := make([]Transition, 0, len(transitions))
	for _, t := range transitions {
		out = append(out, Transition{ID: t.ID, Name: t.Name})
	}
	return out, nil
}

func (c *RealClient) DoTransition(key, transitionID string) error {
	resp, err := c.client.Issue.DoTransition(key, transitionID)
	if err != nil {
		return apiError("transition", resp, err)
	}
	return nil
}

func (c *RealClient) DoTransitionWithResolution(key, transitionID, resolution string) error {
	payload := jira.CreateTransitionPayload{
		Transition: jira.TransitionPayload{ID: transitionID},
		Fields: jira.TransitionPayloadFields{
			Resolution: &jira.Resolution{Name: resolution},
		},
	}
	resp, err := c.client.Issue.DoTransitionWithPayload(key, payload)
	if err != nil {
		return apiError("transition", resp, err)
	}
	return nil
}

func (c *RealClient) AddComment(key, body string) error {
	_, resp, err := c.client.Issue.AddComment(key, &jira.Comment{Body: body})
	if err != nil {
		return apiError("add comment", resp, err)
	}
	return nil
}

func (c *RealClient) UpdateComment(key, commentID, body string) error {
	_, resp, err := c.client.Issue.UpdateComment(key, &jira.Comment{ID: commentID, Body: body})
	if err != nil {
		return apiError("update comment", resp, err)
	}
	return nil
}

func (c *RealClient) RemoteLinks(key string) ([]RemoteLink, error) {
	links, resp, err := c.client.Issue.GetRemoteLinks(key)
	if err != nil {
		return nil, apiError("remote links", resp, err)
	}
	out := make([]RemoteLink, 0, len(*links))
	for _, link := range *links {
		if link.Object == nil {
			continue
		}
		out = append(out, RemoteLink{URL: link.Object.URL, Title: link.Object.Title})
	}
	return out, nil
}

func (c *RealClient) AddRemoteLink(key, url, title string) error {
	_, resp, err := c.client.Issue.AddRemoteLink(key, &jira.RemoteLink{
		Object: &jira.RemoteLinkObject{URL: url, Title: title},
	})
	if err != nil {
		return apiError("add remote link", resp, err)
	}
	return nil
}

func (c *RealClient) FindUsers(query string) ([]User, error) {
	users, resp, err := c.client.User.Find(query)
	if err != nil {
		return nil, apiError("find users", resp, err)
	}
	return convertUsers(users), nil
}

func (c *RealClient) FindAssignableUsers(query, project string) ([]User, error) {
	users, resp, err := c.client.User.Find(query, jira.WithProject(project))
	if err != nil {
		return nil, apiError("find assignable users", resp, err)
	}
	return convertUsers(users), nil
}

func convertUsers(users []jira.User) []User {
	out := make([]User, 0, len(users))
	for _, u := range users {
		out = append(out, User{
			Username:    u.Name,
			DisplayName: u.DisplayName,
			Email:       u.EmailAddress,
		})
	}
	return out
}

// snapshot maps a fetched issue onto the subset of fields the policy engine
// compares against.
func (c *RealClient) snapshot(issue *jira.Issue) *policy.Snapshot {
	snap := &policy.Snapshot{Key: issue.Key}
	if issue.Fields == nil {
		return snap
	}
	snap.Summary = issue.Fields.Summary
	snap.Description = issue.Fields.Description
	snap.Created = time.Time(issue.Fields.Created)
	if issue.Fields.Status != nil {
		snap.Status = issue.Fields.Status.Name
	}
	if issue.Fields.Assignee != nil {
		snap.Assignee = issue.Fields.Assignee.DisplayName
	}
	if issue.Fields.Priority != nil {
		snap.Priority = issue.Fields.Priority.Name
	}
	snap.Labels = append(snap.Labels, issue.Fields.Labels...)
	for _, version := range issue.Fields.FixVersions {
		if version != nil {
			snap.FixVersions = append(snap.FixVersions, version.Name)
		}
	}
	if issue.Fields.Comments != nil {
		for _, comment := range issue.Fields.Comments.Comments {
			snap.Comments = append(snap.Comments, policy.SnapshotComment{
				ID:   comment.ID,
				Body: comment.Body,
			})
		}
	}
	if c.storyPointsField != "" {
		if raw, ok := issue.Fields.Unknowns.Value(c.storyPointsField); ok {
			if points, ok := toFloat(raw); ok {
				snap.StoryPoints = &points
			}
		}
	}
	return snap
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func apiError(op string, resp *jira.Response, err error) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return &APIError{Op: op, StatusCode: status, Err: err}
}
