package intermediary

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/issuesync/issuesync/internal/config"
)

func TestTitleDecoration(t *testing.T) {
	issue := &Issue{Upstream: "org/repo", RawTitle: "Something broke"}
	want := "[org/repo] Something broke"
	if got := issue.Title(); got != want {
		t.Errorf("Title() = %q, want %q", got, want)
	}
}

func TestTitleClamp(t *testing.T) {
	issue := &Issue{Upstream: "org/repo", RawTitle: strings.Repeat("x", 500)}
	got := issue.Title()
	if len(got) > 254 {
		t.Errorf("Title() length = %d, want <= 254", len(got))
	}
	if !strings.HasPrefix(got, "[org/repo] xxx") {
		t.Errorf("Title() lost its prefix: %q", got[:20])
	}
}

func TestTitleClampKeepsRuneBoundary(t *testing.T) {
	issue := &Issue{Upstream: "org/repo", RawTitle: strings.Repeat("é", 300)}
	got := issue.Title()
	if len(got) > 254 {
		t.Errorf("Title() length = %d, want <= 254", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("Title() cut through a multi-byte rune: %q", got[len(got)-4:])
	}
}

func TestScrubContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "plain ascii untouched",
			content: "hello world",
			want:    "hello world",
		},
		{
			name:    "non-ascii replaced",
			content: "café — broken",
			want:    "caf? ? broken",
		},
		{
			name:    "backslashes stripped",
			content: `a\nb\tc`,
			want:    "anbtc",
		},
		{
			name:    "empty stays empty",
			content: "",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScrubContent(tt.content); got != tt.want {
				t.Errorf("ScrubContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScrubContentTrimsLongBodies(t *testing.T) {
	got := ScrubContent(strings.Repeat("a", 60000))
	if len(got) != 50000 {
		t.Errorf("ScrubContent() length = %d, want 50000", len(got))
	}
}

func TestNormalizeOrdersComments(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	issue := &Issue{
		Upstream: "org/repo",
		Comments: []Comment{
			{ID: "3", CreatedAt: base.Add(2 * time.Hour)},
			{ID: "1", CreatedAt: base},
			{ID: "2", CreatedAt: base.Add(time.Hour)},
		},
	}
	issue.Normalize()

	for i, want := range []string{"1", "2", "3"} {
		if issue.Comments[i].ID != want {
			t.Errorf("comment %d = %s, want %s", i, issue.Comments[i].ID, want)
		}
	}
}

func TestNormalizeTiedTimestampsKeepIDOrder(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	issue := &Issue{
		Comments: []Comment{
			{ID: "9", CreatedAt: ts},
			{ID: "10", CreatedAt: ts},
		},
	}
	issue.Normalize()
	if issue.Comments[0].ID != "10" {
		t.Errorf("tie broken wrong: got %s first, want 10 (lexicographic id order)", issue.Comments[0].ID)
	}
}

func TestValidate(t *testing.T) {
	pol := &config.Policy{Project: "FACTORY"}
	tests := []struct {
		name    string
		issue   Issue
		wantErr bool
	}{
		{
			name: "complete issue",
			issue: Issue{
				Source: SourceGitHub, Upstream: "org/repo", ID: "42",
				URL: "https://github.com/org/repo/issues/1", Downstream: pol,
			},
		},
		{
			name:    "missing source",
			issue:   Issue{Upstream: "org/repo", ID: "42", URL: "u", Downstream: pol},
			wantErr: true,
		},
		{
			name:    "missing id",
			issue:   Issue{Source: SourceGitHub, Upstream: "org/repo", URL: "u", Downstream: pol},
			wantErr: true,
		},
		{
			name:    "missing url",
			issue:   Issue{Source: SourceGitHub, Upstream: "org/repo", ID: "42", Downstream: pol},
			wantErr: true,
		},
		{
			name:    "no policy",
			issue:   Issue{Source: SourceGitHub, Upstream: "org/repo", ID: "42", URL: "u"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.issue.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), "malformed upstream payload") {
				t.Errorf("Validate() error %v does not wrap ErrMalformedPayload", err)
			}
		})
	}
}

func TestMatchJiraKey(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		comments []Comment
		want     string
	}{
		{
			name:    "marker in description",
			content: "Fixes a bug.\n\nJIRA: FACTORY-1234",
			want:    "FACTORY-1234",
		},
		{
			name:    "case insensitive prefix",
			content: "jira: omni-7",
			want:    "omni-7",
		},
		{
			name:    "description wins over comments",
			content: "JIRA: FACTORY-1",
			comments: []Comment{
				{Body: "JIRA: FACTORY-2"},
			},
			want: "FACTORY-1",
		},
		{
			name:    "first comment match wins",
			content: "no marker here",
			comments: []Comment{
				{Body: "nothing"},
				{Body: "JIRA: FACTORY-2"},
				{Body: "JIRA: FACTORY-3"},
			},
			want: "FACTORY-2",
		},
		{
			name:    "no marker anywhere",
			content: "just text",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchJiraKey(tt.content, tt.comments); got != tt.want {
				t.Errorf("MatchJiraKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveSuffix(t *testing.T) {
	tests := []struct {
		action string
		merged bool
		want   string
	}{
		{"opened", false, "opened"},
		{"closed", false, "closed"},
		{"closed", true, "merged"},
		{"reopened", false, "reopened"},
		{"reopened", true, "reopened"},
		{"edited", false, "edited"},
	}

	for _, tt := range tests {
		if got := ResolveSuffix(tt.action, tt.merged); got != tt.want {
			t.Errorf("ResolveSuffix(%q, %v) = %q, want %q", tt.action, tt.merged, got, tt.want)
		}
	}
}
