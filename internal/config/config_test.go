package config

import (
	"errors"
	"strings"
	"testing"
)

const validSyncMap = `
admins:
  - alice
mailing_list: team-list@example.com
default_jira_instance: primary
default_jira_fields:
  storypoints: customfield_10002
jira:
  primary:
    url: https://jira.example.com
    token_env: JIRA_TOKEN
map:
  github:
    org/repo:
      project: FACTORY
      component: web
      sync: [issue, pullrequest]
      owner: bob
      issue_updates:
        - title
        - description
        - comments
        - upstream_id
        - {tags: {overwrite: false}}
        - {fixVersion: {overwrite: true}}
        - {assignee: {overwrite: false}}
        - github_project_fields
        - transition: true
        - on_close:
            apply_labels: [closed-upstream]
      pr_updates:
        - link
        - merge_transition: Done
      github_project_number: 7
      github_project_fields:
        priority:
          gh_field: Priority
          options:
            P0: Blocker
            P1: Critical
        storypoints:
          gh_field: Estimate
  pagure:
    tools/widget:
      project: TOOLS
      sync: [issue]
      issue_updates:
        - title
        - priority
filters:
  github:
    org/repo:
      labels: [tracked]
`

func load(t *testing.T, raw string) (*Config, error) {
	t.Helper()
	t.Setenv("JIRA_TOKEN", "secret")
	cfg := &Config{}
	return cfg, cfg.LoadSyncMap([]byte(raw))
}

func TestLoadSyncMap(t *testing.T) {
	cfg, err := load(t, validSyncMap)
	if err != nil {
		t.Fatalf("LoadSyncMap() error = %v", err)
	}

	pol, ok := cfg.Resolve("github", "org/repo")
	if !ok {
		t.Fatal("Resolve(github, org/repo) found nothing")
	}
	if pol.Project != "FACTORY" {
		t.Errorf("Project = %s, want FACTORY", pol.Project)
	}
	if pol.Instance != "primary" {
		t.Errorf("Instance = %s, want primary (default)", pol.Instance)
	}
	if !pol.SyncsKind("issue") || !pol.SyncsKind("pullrequest") {
		t.Error("policy should sync both kinds")
	}
	if !pol.IssueFields.Has("title") || !pol.IssueFields.Has("comments") {
		t.Error("issue field set lost entries")
	}
	if pol.IssueFields.Overwrite("tags") {
		t.Error("tags overwrite flag should be false")
	}
	if !pol.IssueFields.Overwrite("fixVersion") {
		t.Error("fixVersion overwrite flag should be true")
	}
	if target, ok := pol.IssueFields.Transition(); !ok || target != "" {
		t.Errorf("Transition() = (%q, %v), want generic", target, ok)
	}
	if labels := pol.IssueFields.OnCloseLabels(); len(labels) != 1 || labels[0] != "closed-upstream" {
		t.Errorf("OnCloseLabels() = %v", labels)
	}
	if target, ok := pol.PRFields.NamedTransition("merge_transition"); !ok || target != "Done" {
		t.Errorf("merge_transition = (%q, %v), want Done", target, ok)
	}
	if pol.GitHubProjectFields["priority"].Options["P0"] != "Blocker" {
		t.Error("priority options translation table missing")
	}
	if len(pol.Filter.Labels) != 1 || pol.Filter.Labels[0] != "tracked" {
		t.Errorf("Filter.Labels = %v, want [tracked]", pol.Filter.Labels)
	}

	inst := cfg.Instance(pol)
	if inst.URL != "https://jira.example.com" || inst.Token != "secret" {
		t.Errorf("Instance = %+v, token not resolved from env", inst)
	}

	if _, ok := cfg.Resolve("github", "org/unmapped"); ok {
		t.Error("Resolve returned a policy for an unmapped repo")
	}
}

func TestLoadSyncMapRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "missing project",
			raw: `
jira:
  primary: {url: https://j, token_env: JIRA_TOKEN}
default_jira_instance: primary
map:
  github:
    org/repo:
      sync: [issue]
`,
			want: "project is required",
		},
		{
			name: "unknown source",
			raw: `
jira:
  primary: {url: https://j, token_env: JIRA_TOKEN}
default_jira_instance: primary
map:
  gitlab:
    org/repo:
      project: X
`,
			want: "unknown source",
		},
		{
			name: "unknown sync kind",
			raw: `
jira:
  primary: {url: https://j, token_env: JIRA_TOKEN}
default_jira_instance: primary
map:
  github:
    org/repo:
      project: X
      sync: [epics]
`,
			want: "unknown sync kind",
		},
		{
			name: "field listed twice",
			raw: `
jira:
  primary: {url: https://j, token_env: JIRA_TOKEN}
default_jira_instance: primary
map:
  github:
    org/repo:
      project: X
      issue_updates: [title, title]
`,
			want: "listed twice",
		},
		{
			name: "conflicting overwrite flags",
			raw: `
jira:
  primary: {url: https://j, token_env: JIRA_TOKEN}
default_jira_instance: primary
map:
  github:
    org/repo:
      project: X
      issue_updates:
        - {tags: {overwrite: true}}
        - {tags: {overwrite: false}}
`,
			want: "overwrite=true and overwrite=false",
		},
		{
			name: "transition false",
			raw: `
jira:
  primary: {url: https://j, token_env: JIRA_TOKEN}
default_jira_instance: primary
map:
  github:
    org/repo:
      project: X
      issue_updates:
        - transition: false
`,
			want: "false entries are not allowed",
		},
		{
			name: "github native priority",
			raw: `
jira:
  primary: {url: https://j, token_env: JIRA_TOKEN}
default_jira_instance: primary
map:
  github:
    org/repo:
      project: X
      issue_updates: [priority]
`,
			want: "no native priority field",
		},
		{
			name: "board fields without issue_updates entry",
			raw: `
jira:
  primary: {url: https://j, token_env: JIRA_TOKEN}
default_jira_instance: primary
map:
  github:
    org/repo:
      project: X
      issue_updates: [title]
      github_project_fields:
        priority: {gh_field: Priority}
`,
			want: "not listed in issue_updates",
		},
		{
			name: "issue_updates entry without board fields",
			raw: `
jira:
  primary: {url: https://j, token_env: JIRA_TOKEN}
default_jira_instance: primary
map:
  github:
    org/repo:
      project: X
      issue_updates: [github_project_fields]
`,
			want: "none are configured",
		},
		{
			name: "storypoints without default field",
			raw: `
jira:
  primary: {url: https://j, token_env: JIRA_TOKEN}
default_jira_instance: primary
map:
  github:
    org/repo:
      project: X
      issue_updates: [github_project_fields]
      github_project_fields:
        storypoints: {gh_field: Estimate}
`,
			want: "default_jira_fields.storypoints",
		},
		{
			name: "unresolvable instance",
			raw: `
jira:
  primary: {url: https://j, token_env: JIRA_TOKEN}
map:
  github:
    org/repo:
      project: X
      jira_instance: secondary
`,
			want: `jira_instance "secondary"`,
		},
		{
			name: "no instances at all",
			raw: `
map:
  github:
    org/repo:
      project: X
`,
			want: "no jira section",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.raw)
			if err == nil {
				t.Fatal("LoadSyncMap() succeeded, want validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error %v is not a ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadSyncMapMissingToken(t *testing.T) {
	raw := `
jira:
  primary: {url: https://j, token_env: DOES_NOT_EXIST_TOKEN}
default_jira_instance: primary
map:
  github:
    org/repo: {project: X}
`
	cfg := &Config{}
	err := cfg.LoadSyncMap([]byte(raw))
	if err == nil || !strings.Contains(err.Error(), "DOES_NOT_EXIST_TOKEN") {
		t.Errorf("LoadSyncMap() error = %v, want missing token env", err)
	}
}

func TestMappedRepos(t *testing.T) {
	cfg, err := load(t, validSyncMap)
	if err != nil {
		t.Fatalf("LoadSyncMap() error = %v", err)
	}
	repos := cfg.MappedRepos("github")
	if len(repos) != 1 || repos[0] != "org/repo" {
		t.Errorf("MappedRepos(github) = %v", repos)
	}
	if repos := cfg.MappedRepos("pagure"); len(repos) != 1 || repos[0] != "tools/widget" {
		t.Errorf("MappedRepos(pagure) = %v", repos)
	}
	if repos := cfg.MappedRepos("gitlab"); len(repos) != 0 {
		t.Errorf("MappedRepos(gitlab) = %v, want empty", repos)
	}
}

func TestFixVersionTemplate(t *testing.T) {
	pol := &Policy{Mapping: []map[string]string{{"fixVersion": "release-XXX"}}}
	if got := pol.FixVersionTemplate(); got != "release-XXX" {
		t.Errorf("FixVersionTemplate() = %q", got)
	}
	if got := (&Policy{}).FixVersionTemplate(); got != "" {
		t.Errorf("FixVersionTemplate() on empty policy = %q", got)
	}
}

func TestNormalizePrivateKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "key", "key"},
		{"quoted", `"key"`, "key"},
		{"escaped newlines", `line1\nline2`, "line1\nline2"},
		{"crlf", "line1\r\nline2", "line1\nline2"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizePrivateKey(tt.in); got != tt.want {
				t.Errorf("normalizePrivateKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
