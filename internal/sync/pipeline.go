// Package sync drives the reconciliation pipeline: events in, downstream
// writes out. A single worker drains the queue so items for the same
// upstream issue are never reconciled concurrently.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	gosync "sync"

	"github.com/issuesync/issuesync/internal/config"
	"github.com/issuesync/issuesync/internal/downstream"
	"github.com/issuesync/issuesync/internal/intermediary"
	"github.com/issuesync/issuesync/internal/upstream/github"
	"github.com/issuesync/issuesync/internal/upstream/pagure"
)

// Event is one upstream notification, already authenticated and routed by
// the webhook layer. Payload is kept raw; only Pagure handlers need it.
type Event struct {
	Source  string
	Topic   string
	Repo    string
	Number  int
	Action  string
	Payload json.RawMessage
}

// Handler processes one event end to end.
type Handler func(ctx context.Context, ev *Event) error

// FailureReporter is told about items that exhausted their retries.
type FailureReporter interface {
	ReportFailure(upstream string, failure error) error
}

// githubIssueTopics are the issue actions that trigger a re-sync. Every one
// of them funnels into the same full re-fetch; the action only matters for
// routing.
var githubIssueTopics = []string{
	"github.issue.opened",
	"github.issue.reopened",
	"github.issue.closed",
	"github.issue.edited",
	"github.issue.labeled",
	"github.issue.unlabeled",
	"github.issue.assigned",
	"github.issue.unassigned",
	"github.issue.milestoned",
	"github.issue.demilestoned",
	"github.issue.comment",
}

var githubPRTopics = []string{
	"github.pull_request.opened",
	"github.pull_request.edited",
	"github.pull_request.reopened",
	"github.pull_request.closed",
	"github.pull_request.comment",
}

var pagureIssueTopics = []string{
	"pagure.issue.new",
	"pagure.issue.edit",
	"pagure.issue.drop",
	"pagure.issue.comment.added",
	"pagure.issue.comment.edited",
	"pagure.issue.tag.added",
	"pagure.issue.tag.removed",
	"pagure.issue.assigned.added",
	"pagure.issue.assigned.reset",
}

// Pipeline owns the event queue, the topic registry, and the worker loop.
type Pipeline struct {
	cfg    *config.Config
	gh     *github.Adapter
	pg     *pagure.Adapter
	recs   map[string]*downstream.Reconciler
	links  map[string]*downstream.PRLinker
	report FailureReporter

	handlers map[string]Handler
	queue    chan *Event

	stopCh chan struct{}
	wg     gosync.WaitGroup
	once   gosync.Once
}

// New builds the pipeline. recs and links are keyed by downstream instance
// name; report may be nil to disable failure mail.
func New(cfg *config.Config, gh *github.Adapter, pg *pagure.Adapter,
	recs map[string]*downstream.Reconciler, links map[string]*downstream.PRLinker,
	report FailureReporter) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		gh:       gh,
		pg:       pg,
		recs:     recs,
		links:    links,
		report:   report,
		handlers: make(map[string]Handler),
		queue:    make(chan *Event, 256),
		stopCh:   make(chan struct{}),
	}
	p.registerHandlers()
	return p
}

func (p *Pipeline) registerHandlers() {
	for _, topic := range githubIssueTopics {
		p.handlers[topic] = p.handleGitHubIssue
	}
	for _, topic := range githubPRTopics {
		p.handlers[topic] = p.handleGitHubPR
	}
	for _, topic := range pagureIssueTopics {
		p.handlers[topic] = p.handlePagureIssue
	}
}

// Topics returns the registered topics, for startup logging.
func (p *Pipeline) Topics() int { return len(p.handlers) }

// Submit enqueues one event without blocking. A full queue rejects the event;
// the next full scan will pick the item up anyway.
func (p *Pipeline) Submit(ev *Event) error {
	if ev == nil {
		return errors.New("pipeline submit: event is nil")
	}
	if _, ok := p.handlers[ev.Topic]; !ok {
		return ErrUnknownTopic
	}

	select {
	case <-p.stopCh:
		return ErrQueueClosed
	default:
	}

	select {
	case p.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue until the context is cancelled. One worker only:
// serial processing is what makes the last-event-wins ordering hold.
func (p *Pipeline) Run(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case ev := <-p.queue:
			p.process(ctx, ev)
		}
	}
}

// Shutdown stops intake and waits for the in-flight event.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.once.Do(func() {
		close(p.stopCh)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

func (p *Pipeline) process(ctx context.Context, ev *Event) {
	handler := p.handlers[ev.Topic]
	err := handler(ctx, ev)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, intermediary.ErrMalformedPayload):
		// A bad payload can never succeed on retry; drop it loudly.
		log.Printf("[pipeline] dropping %s for %s: %v", ev.Topic, ev.Repo, err)
	case isUnsyncable(err):
		log.Printf("[pipeline] %s #%d is unsyncable, skipping: %v", ev.Repo, ev.Number, err)
	default:
		log.Printf("[pipeline] %s for %s #%d failed: %v", ev.Topic, ev.Repo, ev.Number, err)
		p.reportFailure(ev.Repo, err)
	}
}

func (p *Pipeline) reportFailure(upstream string, failure error) {
	if p.report == nil || p.cfg.Develop {
		return
	}
	if err := p.report.ReportFailure(upstream, failure); err != nil {
		log.Printf("[pipeline] failure report for %s did not send: %v", upstream, err)
	}
}

func isUnsyncable(err error) bool {
	var unsyncable *downstream.UnsyncableError
	return errors.As(err, &unsyncable)
}

func (p *Pipeline) handleGitHubIssue(ctx context.Context, ev *Event) error {
	issue, err := p.gh.FetchIssue(ctx, ev.Repo, ev.Number)
	if err != nil {
		return err
	}
	if issue == nil {
		return nil
	}
	return p.reconcile(ctx, issue)
}

func (p *Pipeline) handleGitHubPR(ctx context.Context, ev *Event) error {
	pr, err := p.gh.FetchPR(ctx, ev.Repo, ev.Number, ev.Action)
	if err != nil {
		return err
	}
	if pr == nil {
		return nil
	}
	linker, ok := p.links[pr.Downstream.Instance]
	if !ok {
		return nil
	}
	return linker.Sync(ctx, pr)
}

func (p *Pipeline) handlePagureIssue(ctx context.Context, ev *Event) error {
	issue, err := p.pg.IssueFromPayload(ctx, ev.Payload)
	if err != nil {
		return err
	}
	if issue == nil {
		return nil
	}
	return p.reconcile(ctx, issue)
}

func (p *Pipeline) reconcile(ctx context.Context, issue *intermediary.Issue) error {
	rec, ok := p.recs[issue.Downstream.Instance]
	if !ok {
		return nil
	}
	return rec.Sync(ctx, issue)
}
