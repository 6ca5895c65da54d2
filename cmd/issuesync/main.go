package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/issuesync/issuesync/internal/config"
	"github.com/issuesync/issuesync/internal/downstream"
	"github.com/issuesync/issuesync/internal/notify"
	"github.com/issuesync/issuesync/internal/policy"
	"github.com/issuesync/issuesync/internal/ratelimit"
	"github.com/issuesync/issuesync/internal/sync"
	"github.com/issuesync/issuesync/internal/upstream/github"
	"github.com/issuesync/issuesync/internal/upstream/pagure"
	"github.com/issuesync/issuesync/internal/webhook"
)

var (
	loadDotEnv         = godotenv.Load
	defaultListenServe = http.ListenAndServe
)

type options struct {
	initialize      bool
	closeDuplicates bool
	listManaged     bool
	repo            string
	syncMap         string
	dryRun          bool
}

func main() {
	var opts options
	flag.BoolVar(&opts.initialize, "initialize", false, "run one full scan and exit")
	flag.BoolVar(&opts.closeDuplicates, "close-duplicates", false, "resolve duplicate downstream tickets and exit")
	flag.BoolVar(&opts.listManaged, "list-managed", false, "print the mapped repositories and exit")
	flag.StringVar(&opts.repo, "repo", "", "limit -initialize/-close-duplicates to one repository (owner/repo)")
	flag.StringVar(&opts.syncMap, "config", "", "path to the sync map (overrides SYNC_MAP)")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "log downstream writes instead of performing them")
	flag.Parse()

	if err := run(context.Background(), opts, defaultListenServe); err != nil {
		log.Fatalf("issuesync failed: %v", err)
	}
}

func run(ctx context.Context, opts options, serve func(string, http.Handler) error) error {
	// Load .env file (ignore error if file doesn't exist)
	_ = loadDotEnv()

	if opts.syncMap != "" {
		os.Setenv("SYNC_MAP", opts.syncMap)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.dryRun {
		cfg.DryRun = true
	}

	if opts.listManaged {
		for _, source := range []string{"github", "pagure"} {
			for _, repo := range cfg.MappedRepos(source) {
				fmt.Printf("%s\t%s\n", source, repo)
			}
		}
		return nil
	}

	log.Printf("Starting issuesync...")
	log.Printf("Sync map: %s (%d github repos, %d pagure repos)",
		cfg.SyncMapPath, len(cfg.MappedRepos("github")), len(cfg.MappedRepos("pagure")))
	if cfg.DryRun {
		log.Printf("Dry-run mode: no downstream writes will be performed")
	}

	guard := ratelimit.New(cfg.RetryInitialWait, cfg.RetryMaxWait)

	token, err := githubToken(cfg)
	if err != nil {
		return err
	}
	ghAdapter := github.NewAdapter(cfg, token, guard)
	pgAdapter := pagure.NewAdapter(cfg, guard)

	clients := make(map[string]downstream.Client, len(cfg.Instances))
	for name, inst := range cfg.Instances {
		client, err := downstream.NewRealClient(inst.URL, inst.Token, cfg.DefaultFields["storypoints"])
		if err != nil {
			return fmt.Errorf("failed to connect instance %q: %w", name, err)
		}
		clients[name] = client
	}

	var dupNotifier downstream.DuplicateNotifier
	var reporter sync.FailureReporter
	if cfg.MailServer != "" {
		users, ok := clients[cfg.DefaultInstance]
		if !ok {
			// No default instance named; any instance can resolve admin
			// usernames to addresses.
			for _, client := range clients {
				users = client
				break
			}
		}
		mailer := &notify.SMTPMailer{Server: cfg.MailServer, From: cfg.MailFrom}
		notifier := notify.NewNotifier(mailer, users, cfg.Admins, cfg.MailingList)
		dupNotifier = notifier
		reporter = notifier
	}

	engine := &policy.Engine{DefaultJiraFields: cfg.DefaultFields}
	recs := make(map[string]*downstream.Reconciler, len(clients))
	links := make(map[string]*downstream.PRLinker, len(clients))
	for name, client := range clients {
		recs[name] = downstream.NewReconciler(client, engine, guard, dupNotifier, cfg.DryRun)
		links[name] = downstream.NewPRLinker(client, guard, cfg.DryRun)
	}

	pipeline := sync.New(cfg, ghAdapter, pgAdapter, recs, links, reporter)

	switch {
	case opts.initialize:
		return pipeline.Initialize(ctx, opts.repo)
	case opts.closeDuplicates:
		return pipeline.CloseDuplicates(ctx, opts.repo)
	}

	go pipeline.Run(ctx)
	defer pipeline.Shutdown(ctx)

	handler := webhook.NewHandler(cfg.GitHubWebhookSecret, pipeline, pipeline)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("Listening on %s (%d topics registered)", addr, pipeline.Topics())
	log.Printf("GitHub webhook endpoint: http://localhost%s/hooks/github", addr)
	log.Printf("Pagure relay endpoint: http://localhost%s/hooks/pagure", addr)

	if err := serve(addr, handler.Routes()); err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// githubToken resolves the API credential through the authenticator. App
// installation tokens are minted against the first mapped repo; a static
// token ignores the repo argument.
func githubToken(cfg *config.Config) (string, error) {
	auth, err := githubAuthenticator(cfg)
	if err != nil || auth == nil {
		return "", err
	}
	var repo string
	if repos := cfg.MappedRepos("github"); len(repos) > 0 {
		repo = repos[0]
	}
	token, err := auth.Token(repo)
	if err != nil {
		return "", fmt.Errorf("failed to resolve github credential: %w", err)
	}
	return token, nil
}

// githubAuthenticator picks the credential source: a personal access token
// when set, otherwise GitHub App credentials. Nil when no github repos are
// mapped and no token is configured.
func githubAuthenticator(cfg *config.Config) (github.Authenticator, error) {
	if cfg.GitHubToken != "" {
		return github.StaticToken(cfg.GitHubToken), nil
	}
	if len(cfg.MappedRepos("github")) == 0 {
		return nil, nil
	}
	if cfg.GitHubAppID == "" || cfg.GitHubPrivateKey == "" {
		return nil, fmt.Errorf("github repos are mapped but neither GITHUB_TOKEN nor App credentials are set")
	}
	return &github.AppAuth{AppID: cfg.GitHubAppID, PrivateKey: cfg.GitHubPrivateKey}, nil
}
