package downstream

import (
	"github.com/issuesync/issuesync/internal/policy"
)

// MockClient is a mock implementation for testing
type MockClient struct {
	SearchRemoteLinkedFunc         func(url string) ([]policy.Snapshot, error)
	GetSnapshotFunc                func(key string) (*policy.Snapshot, error)
	CreateFunc                     func(req *CreateRequest) (string, error)
	UpdateFieldsFunc               func(key string, fields []policy.FieldWrite) error
	TransitionsFunc                func(key string) ([]Transition, error)
	DoTransitionFunc               func(key, transitionID string) error
	DoTransitionWithResolutionFunc func(key, transitionID, resolution string) error
	AddCommentFunc                 func(key, body string) error
	UpdateCommentFunc              func(key, commentID, body string) error
	RemoteLinksFunc                func(key string) ([]RemoteLink, error)
	AddRemoteLinkFunc              func(key, url, title string) error
	FindUsersFunc                  func(query string) ([]User, error)
	FindAssignableUsersFunc        func(query, project string) ([]User, error)

	// Track calls
	SearchRemoteLinkedCalls []string
	GetSnapshotCalls        []string
	CreateCalls             []*CreateRequest
	UpdateFieldsCalls       []struct {
		Key    string
		Fields []policy.FieldWrite
	}
	TransitionsCalls  []string
	DoTransitionCalls []struct {
		Key          string
		TransitionID string
	}
	DoTransitionWithResolutionCalls []struct {
		Key          string
		TransitionID string
		Resolution   string
	}
	AddCommentCalls []struct {
		Key  string
		Body string
	}
	UpdateCommentCalls []struct {
		Key       string
		CommentID string
		Body      string
	}
	RemoteLinksCalls   []string
	AddRemoteLinkCalls []struct {
		Key   string
		URL   string
		Title string
	}
	FindUsersCalls           []string
	FindAssignableUsersCalls []struct {
		Query   string
		Project string
	}
}

// NewMockClient creates a new mock downstream client
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SearchRemoteLinked(url string) ([]policy.Snapshot, error) {
	m.SearchRemoteLinkedCalls = append(m.SearchRemoteLinkedCalls, url)
	if m.SearchRemoteLinkedFunc != nil {
		return m.SearchRemoteLinkedFunc(url)
	}
	return nil, nil
}

func (m *MockClient) GetSnapshot(key string) (*policy.Snapshot, error) {
	m.GetSnapshotCalls = append(m.GetSnapshotCalls, key)
	if m.GetSnapshotFunc != nil {
		return m.GetSnapshotFunc(key)
	}
	return &policy.Snapshot{Key: key}, nil
}

func (m *MockClient) Create(req *CreateRequest) (string, error) {
	m.CreateCalls = append(m.CreateCalls, req)
	if m.CreateFunc != nil {
		return m.CreateFunc(req)
	}
	return "MOCK-1", nil
}

func (m *MockClient) UpdateFields(key string, fields []policy.FieldWrite) error {
	m.UpdateFieldsCalls = append(m.UpdateFieldsCalls, struct {
		Key    string
		Fields []policy.FieldWrite
	}{key, fields})
	if m.UpdateFieldsFunc != nil {
		return m.UpdateFieldsFunc(key, fields)
	}
	return nil
}

func (m *MockClient) Transitions(key string) ([]Transition, error) {
	m.TransitionsCalls = append(m.TransitionsCalls, key)
	if m.TransitionsFunc != nil {
		return m.TransitionsFunc(key)
	}
	return nil, nil
}

func (m *MockClient) DoTransition(key, transitionID string) error {
	m.DoTransitionCalls = append(m.DoTransitionCalls, struct {
		Key          string
		TransitionID string
	}{key, transitionID})
	if m.DoTransitionFunc != nil {
		return m.DoTransitionFunc(key, transitionID)
	}
	return nil
}

func (m *MockClient) DoTransitionWithResolution(key, transitionID, resolution string) error {
	m.DoTransitionWithResolutionCalls = append(m.DoTransitionWithResolutionCalls, struct {
		Key          string
		TransitionID string
		Resolution   string
	}{key, transitionID, resolution})
	if m.DoTransitionWithResolutionFunc != nil {
		return m.DoTransitionWithResolutionFunc(key, transitionID, resolution)
	}
	return nil
}

func (m *MockClient) AddComment(key, body string) error {
	m.AddCommentCalls = append(m.AddCommentCalls, struct {
		Key  string
		Body string
	}{key, body})
	if m.AddCommentFunc != nil {
		return m.AddCommentFunc(key, body)
	}
	return nil
}

func (m *MockClient) UpdateComment(key, commentID, body string) error {
	m.UpdateCommentCalls = append(m.UpdateCommentCalls, struct {
		Key       string
		CommentID string
		Body      string
	}{key, commentID, body})
	if m.UpdateCommentFunc != nil {
		return m.UpdateCommentFunc(key, commentID, body)
	}
	return nil
}

func (m *MockClient) RemoteLinks(key string) ([]RemoteLink, error) {
	m.RemoteLinksCalls = append(m.RemoteLinksCalls, key)
	if m.RemoteLinksFunc != nil {
		return m.RemoteLinksFunc(key)
	}
	return nil, nil
}

func (m *MockClient) AddRemoteLink(key, url, title string) error {
	m.AddRemoteLinkCalls = append(m.AddRemoteLinkCalls, struct {
		Key   string
		URL   string
		Title string
	}{key, url, title})
	if m.AddRemoteLinkFunc != nil {
		return m.AddRemoteLinkFunc(key, url, title)
	}
	return nil
}

func (m *MockClient) FindUsers(query string) ([]User, error) {
	m.FindUsersCalls = append(m.FindUsersCalls, query)
	if m.FindUsersFunc != nil {
		return m.FindUsersFunc(query)
	}
	return nil, nil
}

func (m *MockClient) FindAssignableUsers(query, project string) ([]User, error) {
	m.FindAssignableUsersCalls = append(m.FindAssignableUsersCalls, struct {
		Query   string
		Project string
	}{query, project})
	if m.FindAssignableUsersFunc != nil {
		return m.FindAssignableUsersFunc(query, project)
	}
	return nil, nil
}
