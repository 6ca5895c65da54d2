package downstream

import (
	"context"
	"testing"

	"github.com/issuesync/issuesync/internal/intermediary"
	"github.com/issuesync/issuesync/internal/policy"
)

func testPR(t *testing.T, body string) *intermediary.PullRequest {
	t.Helper()
	pol := testPolicy(t, body)
	return &intermediary.PullRequest{
		Source:     intermediary.SourceGitHub,
		Upstream:   "org/repo",
		RawTitle:   "Fix the widget",
		URL:        "https://github.com/org/repo/pull/99",
		ID:         "99",
		Number:     99,
		Reporter:   "Alice Smith",
		JiraKey:    "FACTORY-7",
		Suffix:     "open",
		Downstream: pol,
	}
}

func TestPRSyncSkipsWithoutMarker(t *testing.T) {
	pr := testPR(t, `
project: FACTORY
sync: [pullrequest]
pr_updates: [comment, link]
`)
	pr.JiraKey = ""

	client := NewMockClient()
	l := NewPRLinker(client, testGuard(), false)
	if err := l.Sync(context.Background(), pr); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(client.GetSnapshotCalls) != 0 {
		t.Error("markerless PR still hit the downstream tracker")
	}
}

func TestPRSyncAnnotates(t *testing.T) {
	pr := testPR(t, `
project: FACTORY
sync: [pullrequest]
pr_updates: [comment, link]
`)

	client := NewMockClient()
	l := NewPRLinker(client, testGuard(), false)
	if err := l.Sync(context.Background(), pr); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if len(client.AddCommentCalls) != 1 {
		t.Fatalf("AddComment called %d times, want 1", len(client.AddCommentCalls))
	}
	want := "Alice Smith mentioned this issue in merge request [Fix the widget| https://github.com/org/repo/pull/99]."
	if got := client.AddCommentCalls[0].Body; got != want {
		t.Errorf("comment = %q, want %q", got, want)
	}

	if len(client.AddRemoteLinkCalls) != 1 {
		t.Fatalf("AddRemoteLink called %d times, want 1", len(client.AddRemoteLinkCalls))
	}
	link := client.AddRemoteLinkCalls[0]
	if link.URL != pr.URL || link.Title != "[PR] Fix the widget" {
		t.Errorf("remote link = %+v", link)
	}
}

func TestPRSyncIdempotent(t *testing.T) {
	pr := testPR(t, `
project: FACTORY
sync: [pullrequest]
pr_updates: [comment, link]
`)

	client := NewMockClient()
	client.GetSnapshotFunc = func(key string) (*policy.Snapshot, error) {
		return &policy.Snapshot{
			Key:      key,
			Comments: []policy.SnapshotComment{{Body: FormatPRComment(pr)}},
		}, nil
	}
	client.RemoteLinksFunc = func(key string) ([]RemoteLink, error) {
		return []RemoteLink{{URL: pr.URL}}, nil
	}

	l := NewPRLinker(client, testGuard(), false)
	if err := l.Sync(context.Background(), pr); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(client.AddCommentCalls)+len(client.AddRemoteLinkCalls)+len(client.DoTransitionCalls) != 0 {
		t.Error("already-annotated PR still got writes")
	}
}

func TestPRSyncMergeTransition(t *testing.T) {
	pr := testPR(t, `
project: FACTORY
sync: [pullrequest]
pr_updates:
  - comment
  - merge_transition: Done
`)
	pr.Suffix = "merged"

	client := NewMockClient()
	client.TransitionsFunc = func(key string) ([]Transition, error) {
		return []Transition{{ID: "31", Name: "Done"}}, nil
	}

	l := NewPRLinker(client, testGuard(), false)
	if err := l.Sync(context.Background(), pr); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	want := "Merge request [Fix the widget| https://github.com/org/repo/pull/99] was merged!"
	if len(client.AddCommentCalls) != 1 || client.AddCommentCalls[0].Body != want {
		t.Errorf("comments = %+v, want %q", client.AddCommentCalls, want)
	}
	if len(client.DoTransitionCalls) != 1 || client.DoTransitionCalls[0].TransitionID != "31" {
		t.Errorf("transitions = %+v, want Done via 31", client.DoTransitionCalls)
	}
}

func TestPRSyncMergeTransitionAlreadyThere(t *testing.T) {
	pr := testPR(t, `
project: FACTORY
sync: [pullrequest]
pr_updates:
  - comment
  - merge_transition: Done
`)
	pr.Suffix = "merged"

	client := NewMockClient()
	client.GetSnapshotFunc = func(key string) (*policy.Snapshot, error) {
		return &policy.Snapshot{
			Key:      key,
			Status:   "Done",
			Comments: []policy.SnapshotComment{{Body: FormatPRComment(pr)}},
		}, nil
	}

	l := NewPRLinker(client, testGuard(), false)
	if err := l.Sync(context.Background(), pr); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(client.DoTransitionCalls) != 0 {
		t.Error("ticket already in Done was transitioned again")
	}
}

func TestPRSyncDryRun(t *testing.T) {
	pr := testPR(t, `
project: FACTORY
sync: [pullrequest]
pr_updates: [comment, link]
`)

	client := NewMockClient()
	l := NewPRLinker(client, testGuard(), true)
	if err := l.Sync(context.Background(), pr); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(client.AddCommentCalls)+len(client.AddRemoteLinkCalls) != 0 {
		t.Error("dry-run performed writes")
	}
}

func TestFormatPRComment(t *testing.T) {
	pr := &intermediary.PullRequest{
		RawTitle: "Fix the widget",
		URL:      "https://pagure.io/tools/widget/pull-request/5",
		Reporter: "Bob Jones",
	}

	tests := []struct {
		suffix string
		want   string
	}{
		{"merged", "Merge request [Fix the widget| https://pagure.io/tools/widget/pull-request/5] was merged!"},
		{"closed", "Merge request [Fix the widget| https://pagure.io/tools/widget/pull-request/5] was closed."},
		{"reopened", "Merge request [Fix the widget| https://pagure.io/tools/widget/pull-request/5] was reopened."},
		{"open", "Bob Jones mentioned this issue in merge request [Fix the widget| https://pagure.io/tools/widget/pull-request/5]."},
		{"comment", "Bob Jones mentioned this issue in merge request [Fix the widget| https://pagure.io/tools/widget/pull-request/5]."},
	}
	for _, tt := range tests {
		t.Run(tt.suffix, func(t *testing.T) {
			pr.Suffix = tt.suffix
			if got := FormatPRComment(pr); got != tt.want {
				t.Errorf("FormatPRComment() = %q, want %q", got, tt.want)
			}
		})
	}
}
