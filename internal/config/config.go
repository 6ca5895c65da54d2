package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the issuesync service: credentials and
// service settings from the environment, and the per-repository sync map
// from a YAML file. The whole structure is read-only after Load returns.
type Config struct {
	// Server settings
	Port int

	// Upstream credentials
	GitHubToken         string
	GitHubWebhookSecret string
	GitHubAppID         string
	GitHubPrivateKey    string
	PagureURL           string

	// Mail settings for duplicate/failure notifications
	MailServer string
	MailFrom   string

	// Behaviour flags
	DryRun  bool // log writes instead of calling the downstream tracker
	Develop bool // suppress failure mail

	// Rate/Retry guard settings
	RetryMaxWait     time.Duration
	RetryInitialWait time.Duration

	SyncMapPath string

	SyncMap
}

// SyncMap is the YAML-backed mapping table from (platform, upstream repo) to
// a policy record, plus the global downstream settings.
type SyncMap struct {
	Admins          []string                `yaml:"admins"`
	MailingList     string                  `yaml:"mailing_list"`
	DefaultInstance string                  `yaml:"default_jira_instance"`
	JiraUsername    string                  `yaml:"jira_username"`
	DefaultFields   map[string]string       `yaml:"default_jira_fields"`
	Instances       map[string]JiraInstance `yaml:"jira"`
	Map             map[string]repoMap      `yaml:"map"`
	Filters         map[string]filterMap    `yaml:"filters"`
}

type repoMap map[string]*Policy

type filterMap map[string]Filters

// JiraInstance describes one downstream tracker endpoint. The token is pulled
// from the environment variable named by token_env at load time.
type JiraInstance struct {
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env"`
	Token    string `yaml:"-"`
}

// Filters are the per-repository predicates an item must pass before it is
// translated into an intermediary object.
type Filters struct {
	Status    string   `yaml:"status"`
	Labels    []string `yaml:"labels"`
	Milestone int      `yaml:"milestone"`
}

// Empty reports whether no predicates are configured.
func (f Filters) Empty() bool {
	return f.Status == "" && len(f.Labels) == 0 && f.Milestone == 0
}

// ProjectField maps one GitHub project-board field onto a downstream field,
// with an optional value-translation table (e.g. "P0" -> "Blocker").
type ProjectField struct {
	GHField string            `yaml:"gh_field"`
	Options map[string]string `yaml:"options"`
}

// Policy is the resolved per-repository sync configuration. Exactly one
// exists per mapped repository after Load; unmapped repositories yield no
// intermediary objects at all.
type Policy struct {
	Source   string `yaml:"-"`
	Upstream string `yaml:"-"`

	Project       string            `yaml:"project"`
	Component     string            `yaml:"component"`
	Instance      string            `yaml:"jira_instance"`
	Sync          []string          `yaml:"sync"`
	Owner         string            `yaml:"owner"`
	Labels        []string          `yaml:"labels"`
	Type          string            `yaml:"type"`
	IssueTypes    map[string]string `yaml:"issue_types"`
	EpicLink      string            `yaml:"epic-link"`
	QAContact     string            `yaml:"qa-contact"`
	DefaultStatus string            `yaml:"default_status"`
	CustomFields  map[string]string `yaml:"custom_fields"`

	IssueUpdates []FieldEntry `yaml:"issue_updates"`
	PRUpdates    []FieldEntry `yaml:"pr_updates"`

	Mapping []map[string]string `yaml:"mapping"`

	GitHubProjectNumber int                     `yaml:"github_project_number"`
	GitHubProjectFields map[string]ProjectField `yaml:"github_project_fields"`

	// Normalized at load time, never re-parsed per item.
	IssueFields FieldSet `yaml:"-"`
	PRFields    FieldSet `yaml:"-"`
	Filter      Filters  `yaml:"-"`
}

// SyncsKind reports whether the policy opted in to syncing the given item
// kind ("issue" or "pullrequest").
func (p *Policy) SyncsKind(kind string) bool {
	for _, k := range p.Sync {
		if k == kind {
			return true
		}
	}
	return false
}

// FixVersionTemplate returns the milestone substitution template
// (e.g. "release-XXX"), if one is configured under mapping.
func (p *Policy) FixVersionTemplate() string {
	for _, m := range p.Mapping {
		if tmpl, ok := m["fixVersion"]; ok {
			return tmpl
		}
	}
	return ""
}

var knownSources = map[string]bool{"github": true, "pagure": true}
var knownKinds = map[string]bool{"issue": true, "pullrequest": true}

// Load loads configuration from environment variables and the sync map file.
// Any validation failure is fatal: the process must not start on a bad
// configuration.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnvInt("PORT", 8000),
		GitHubToken:         os.Getenv("GITHUB_TOKEN"),
		GitHubWebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GitHubAppID:         os.Getenv("GITHUB_APP_ID"),
		GitHubPrivateKey:    normalizePrivateKey(os.Getenv("GITHUB_PRIVATE_KEY")),
		PagureURL:           getEnv("PAGURE_URL", "https://pagure.io"),
		MailServer:          os.Getenv("MAIL_SERVER"),
		MailFrom:            os.Getenv("MAIL_FROM"),
		DryRun:              getEnvBool("DRY_RUN", false),
		Develop:             getEnvBool("DEVELOP", false),
		RetryMaxWait:        time.Duration(getEnvInt("RETRY_MAX_WAIT_SECONDS", 600)) * time.Second,
		RetryInitialWait:    time.Duration(getEnvInt("RETRY_INITIAL_WAIT_SECONDS", 1)) * time.Second,
		SyncMapPath:         getEnv("SYNC_MAP", "sync-map.yaml"),
	}

	raw, err := os.ReadFile(cfg.SyncMapPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync map %s: %w", cfg.SyncMapPath, err)
	}
	if err := cfg.LoadSyncMap(raw); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSyncMap parses and validates the YAML mapping table.
func (c *Config) LoadSyncMap(raw []byte) error {
	if err := yaml.Unmarshal(raw, &c.SyncMap); err != nil {
		return validationErrorf("sync map is not valid YAML: %v", err)
	}
	return c.validate()
}

func (c *Config) validate() error {
	if len(c.Map) == 0 {
		return validationErrorf("no map section found")
	}
	if len(c.Instances) == 0 {
		return validationErrorf("no jira section found")
	}
	for name, inst := range c.Instances {
		if inst.URL == "" {
			return validationErrorf("jira instance %q has no url", name)
		}
		if inst.TokenEnv == "" {
			return validationErrorf("jira instance %q has no token_env", name)
		}
		inst.Token = os.Getenv(inst.TokenEnv)
		if inst.Token == "" {
			return validationErrorf("jira instance %q: environment variable %s is not set", name, inst.TokenEnv)
		}
		c.Instances[name] = inst
	}
	if c.DefaultInstance != "" {
		if _, ok := c.Instances[c.DefaultInstance]; !ok {
			return validationErrorf("default_jira_instance %q is not defined under jira", c.DefaultInstance)
		}
	}

	for source, repos := range c.Map {
		if !knownSources[source] {
			return validationErrorf("unknown source %q; must be one of github, pagure", source)
		}
		for upstream, policy := range repos {
			if policy == nil {
				return validationErrorf("%s/%s: empty policy", source, upstream)
			}
			if err := c.validatePolicy(source, upstream, policy); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) validatePolicy(source, upstream string, policy *Policy) error {
	policy.Source = source
	policy.Upstream = upstream
	context := source + "/" + upstream

	if policy.Project == "" {
		return validationErrorf("%s: project is required", context)
	}
	for _, kind := range policy.Sync {
		if !knownKinds[kind] {
			return validationErrorf("%s: unknown sync kind %q", context, kind)
		}
	}
	instance := policy.Instance
	if instance == "" {
		instance = c.DefaultInstance
	}
	if instance == "" {
		return validationErrorf("%s: no jira_instance and no default_jira_instance", context)
	}
	if _, ok := c.Instances[instance]; !ok {
		return validationErrorf("%s: jira_instance %q is not defined under jira", context, instance)
	}
	policy.Instance = instance

	var err error
	if policy.IssueFields, err = newFieldSet(policy.IssueUpdates, context+" issue_updates"); err != nil {
		return err
	}
	if policy.PRFields, err = newFieldSet(policy.PRUpdates, context+" pr_updates"); err != nil {
		return err
	}

	for name, field := range policy.GitHubProjectFields {
		if name != "priority" && name != "storypoints" {
			return validationErrorf("%s: unknown github_project_fields entry %q", context, name)
		}
		if field.GHField == "" {
			return validationErrorf("%s: github_project_fields.%s has no gh_field", context, name)
		}
		if name == "storypoints" && c.DefaultFields["storypoints"] == "" {
			return validationErrorf("%s: storypoints mapping requires default_jira_fields.storypoints", context)
		}
	}
	if source == "github" && policy.IssueFields.Has("priority") {
		return validationErrorf("%s: github has no native priority field; map it via github_project_fields", context)
	}
	if len(policy.GitHubProjectFields) > 0 && !policy.IssueFields.Has("github_project_fields") {
		return validationErrorf("%s: github_project_fields configured but not listed in issue_updates", context)
	}
	if policy.IssueFields.Has("github_project_fields") && len(policy.GitHubProjectFields) == 0 {
		return validationErrorf("%s: issue_updates lists github_project_fields but none are configured", context)
	}

	if filters, ok := c.Filters[source]; ok {
		policy.Filter = filters[upstream]
	}
	return nil
}

// Resolve returns the policy for (source, upstream repo), or false when the
// repository is not mapped. Deterministic, no I/O.
func (c *Config) Resolve(source, upstream string) (*Policy, bool) {
	repos, ok := c.Map[source]
	if !ok {
		return nil, false
	}
	policy, ok := repos[upstream]
	return policy, ok
}

// MappedRepos returns the mapped repositories for a source in stable order,
// for the batch-initialization walk.
func (c *Config) MappedRepos(source string) []string {
	repos := c.Map[source]
	names := make([]string, 0, len(repos))
	for name := range repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instance returns the downstream endpoint a policy points at.
func (c *Config) Instance(policy *Policy) JiraInstance {
	return c.Instances[policy.Instance]
}

func normalizePrivateKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	if strings.HasPrefix(trimmed, "\"") && strings.HasSuffix(trimmed, "\"") {
		trimmed = strings.TrimPrefix(trimmed, "\"")
		trimmed = strings.TrimSuffix(trimmed, "\"")
	}
	if strings.HasPrefix(trimmed, "'") && strings.HasSuffix(trimmed, "'") {
		trimmed = strings.TrimPrefix(trimmed, "'")
		trimmed = strings.TrimSuffix(trimmed, "'")
	}

	trimmed = strings.ReplaceAll(trimmed, "\r\n", "\n")
	trimmed = strings.ReplaceAll(trimmed, "\r", "\n")
	if strings.Contains(trimmed, "\\n") {
		trimmed = strings.ReplaceAll(trimmed, "\\r", "")
		trimmed = strings.ReplaceAll(trimmed, "\\n", "\n")
	}

	return trimmed
}

// getEnv gets environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
