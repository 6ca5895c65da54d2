package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/issuesync/issuesync/internal/config"
)

const pipelineSyncMap = `
jira:
  primary: {url: https://jira.example.com, token_env: JIRA_TOKEN}
default_jira_instance: primary
map:
  github:
    org/alpha:
      project: ALPHA
      sync: [issue]
      issue_updates: [title]
    org/beta:
      project: BETA
      sync: [issue]
      issue_updates: [title]
  pagure:
    tools/widget:
      project: TOOLS
      sync: [issue]
      issue_updates: [title]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("JIRA_TOKEN", "secret")
	cfg := &config.Config{}
	if err := cfg.LoadSyncMap([]byte(pipelineSyncMap)); err != nil {
		t.Fatalf("test sync map does not validate: %v", err)
	}
	return cfg
}

func testPipeline(t *testing.T) *Pipeline {
	return New(testConfig(t), nil, nil, nil, nil, nil)
}

func TestSubmit(t *testing.T) {
	p := testPipeline(t)

	tests := []struct {
		name    string
		ev      *Event
		wantErr error
	}{
		{
			name: "github issue topic",
			ev:   &Event{Source: "github", Topic: "github.issue.opened", Repo: "org/alpha", Number: 1},
		},
		{
			name: "github pull request topic",
			ev:   &Event{Source: "github", Topic: "github.pull_request.closed", Repo: "org/alpha", Number: 2},
		},
		{
			name: "pagure issue topic",
			ev:   &Event{Source: "pagure", Topic: "pagure.issue.comment.added", Repo: "tools/widget", Number: 3},
		},
		{
			name:    "unknown topic",
			ev:      &Event{Source: "github", Topic: "github.star.created", Repo: "org/alpha"},
			wantErr: ErrUnknownTopic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Submit(tt.ev)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Submit() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubmitNilEvent(t *testing.T) {
	p := testPipeline(t)
	if err := p.Submit(nil); err == nil {
		t.Error("Submit(nil) error = nil")
	}
}

func TestSubmitQueueFull(t *testing.T) {
	p := testPipeline(t)

	// No worker running, so the buffer fills.
	var err error
	for i := 0; err == nil; i++ {
		err = p.Submit(&Event{Topic: "github.issue.opened", Repo: "org/alpha", Number: i})
		if i > 10000 {
			t.Fatal("queue never filled")
		}
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit() on full queue = %v, want ErrQueueFull", err)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := testPipeline(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Shutdown(ctx)

	err := p.Submit(&Event{Topic: "github.issue.opened", Repo: "org/alpha", Number: 1})
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Submit() after shutdown = %v, want ErrQueueClosed", err)
	}
}

func TestShutdownStopsWorker(t *testing.T) {
	p := testPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	p.Shutdown(shutdownCtx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after shutdown")
	}

	// A second shutdown is a no-op, not a panic.
	p.Shutdown(shutdownCtx)
}

func TestTopicsRegistered(t *testing.T) {
	p := testPipeline(t)
	want := len(githubIssueTopics) + len(githubPRTopics) + len(pagureIssueTopics)
	if got := p.Topics(); got != want {
		t.Errorf("Topics() = %d, want %d", got, want)
	}
}

func TestScanRepos(t *testing.T) {
	p := testPipeline(t)

	tests := []struct {
		source string
		filter string
		want   []string
	}{
		{"github", "", []string{"org/alpha", "org/beta"}},
		{"github", "org/beta", []string{"org/beta"}},
		{"github", "org/unmapped", nil},
		{"pagure", "", []string{"tools/widget"}},
		{"pagure", "org/alpha", nil},
	}

	for _, tt := range tests {
		t.Run(tt.source+"/"+tt.filter, func(t *testing.T) {
			got := p.scanRepos(tt.source, tt.filter)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("scanRepos(%s, %q) = %v, want %v", tt.source, tt.filter, got, tt.want)
			}
		})
	}
}
