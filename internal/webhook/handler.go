// Package webhook terminates the HTTP surface: authenticating upstream
// notifications, translating them into pipeline events, and exposing the
// manual trigger endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/issuesync/issuesync/internal/sync"
)

// Submitter accepts translated events for asynchronous processing.
type Submitter interface {
	Submit(ev *sync.Event) error
}

// Rescanner runs a full scan on demand, optionally limited to one repo.
type Rescanner interface {
	Initialize(ctx context.Context, repoFilter string) error
}

// Handler handles upstream webhook deliveries and the trigger endpoint.
type Handler struct {
	githubSecret string
	submitter    Submitter
	rescanner    Rescanner
}

// NewHandler creates a new webhook handler. An empty githubSecret disables
// signature checking; only do that in development.
func NewHandler(githubSecret string, submitter Submitter, rescanner Rescanner) *Handler {
	return &Handler{
		githubSecret: githubSecret,
		submitter:    submitter,
		rescanner:    rescanner,
	}
}

// Routes mounts the handler's endpoints.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/hooks/github", h.HandleGitHub).Methods(http.MethodPost)
	r.HandleFunc("/hooks/pagure", h.HandlePagure).Methods(http.MethodPost)
	r.HandleFunc("/trigger/{owner}/{repo}", h.HandleTrigger).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.HandleHealth).Methods(http.MethodGet)
	return r
}

// githubPayload is the slice of a GitHub event the router needs: everything
// else is re-fetched by the adapter, so truncated payloads are harmless.
type githubPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Issue *struct {
		Number      int              `json:"number"`
		PullRequest *json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	PullRequest *struct {
		Number int `json:"number"`
	} `json:"pull_request"`
}

// HandleGitHub authenticates and routes one GitHub delivery.
func (h *Handler) HandleGitHub(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[webhook] error reading payload: %v", err)
		http.Error(w, "Error reading payload", http.StatusBadRequest)
		return
	}

	if h.githubSecret != "" {
		signature := r.Header.Get("X-Hub-Signature-256")
		if err := ValidateSignatureHeader(signature); err != nil {
			log.Printf("[webhook] invalid signature header: %v", err)
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
		if !VerifySignature(payload, signature, h.githubSecret) {
			log.Printf("[webhook] signature verification failed")
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	eventType := r.Header.Get("X-GitHub-Event")
	ev, err := translateGitHub(eventType, payload)
	if err != nil {
		log.Printf("[webhook] rejecting %s delivery: %v", eventType, err)
		http.Error(w, "Malformed payload", http.StatusBadRequest)
		return
	}
	if ev == nil {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Ignored")
		return
	}
	h.submit(w, ev)
}

// translateGitHub maps a delivery to a pipeline event. nil with nil error
// means the event type is not synced at all.
func translateGitHub(eventType string, payload []byte) (*sync.Event, error) {
	var body githubPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if body.Repository.FullName == "" {
		return nil, errors.New("payload has no repository")
	}

	ev := &sync.Event{
		Source:  "github",
		Repo:    body.Repository.FullName,
		Action:  body.Action,
		Payload: payload,
	}

	switch eventType {
	case "issues":
		if body.Issue == nil {
			return nil, errors.New("issues payload has no issue")
		}
		ev.Number = body.Issue.Number
		ev.Topic = "github.issue." + body.Action
	case "issue_comment":
		if body.Issue == nil {
			return nil, errors.New("issue_comment payload has no issue")
		}
		ev.Number = body.Issue.Number
		ev.Action = "comment"
		// Comments on pull requests arrive on the issue_comment event; the
		// nested pull_request key tells them apart.
		if body.Issue.PullRequest != nil {
			ev.Topic = "github.pull_request.comment"
		} else {
			ev.Topic = "github.issue.comment"
		}
	case "pull_request":
		if body.PullRequest == nil {
			return nil, errors.New("pull_request payload has no pull request")
		}
		ev.Number = body.PullRequest.Number
		ev.Topic = "github.pull_request." + body.Action
	default:
		return nil, nil
	}
	return ev, nil
}

// pagureEnvelope is the message relay's POST body: the bus topic plus the
// original fedmsg body.
type pagureEnvelope struct {
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body"`
}

// HandlePagure routes one relayed Pagure message. Topics arrive fully
// qualified (io.pagure.prod.pagure.issue.new) and are normalized to the
// pagure.issue.* form the pipeline registers.
func (h *Handler) HandlePagure(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[webhook] error reading payload: %v", err)
		http.Error(w, "Error reading payload", http.StatusBadRequest)
		return
	}

	var envelope pagureEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Topic == "" {
		log.Printf("[webhook] rejecting pagure delivery: bad envelope")
		http.Error(w, "Malformed payload", http.StatusBadRequest)
		return
	}

	idx := strings.Index(envelope.Topic, "pagure.issue.")
	if idx < 0 {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Ignored")
		return
	}

	h.submit(w, &sync.Event{
		Source:  "pagure",
		Topic:   envelope.Topic[idx:],
		Payload: envelope.Body,
	})
}

// HandleTrigger starts a full scan of one repository in the background.
func (h *Handler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repo := vars["owner"] + "/" + vars["repo"]

	go func() {
		if err := h.rescanner.Initialize(context.Background(), repo); err != nil {
			log.Printf("[webhook] triggered scan of %s failed: %v", repo, err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "Scan of %s started\n", repo)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (h *Handler) submit(w http.ResponseWriter, ev *sync.Event) {
	switch err := h.submitter.Submit(ev); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintln(w, "Queued")
	case errors.Is(err, sync.ErrUnknownTopic):
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Ignored")
	case errors.Is(err, sync.ErrQueueFull), errors.Is(err, sync.ErrQueueClosed):
		log.Printf("[webhook] dropping %s for %s: %v", ev.Topic, ev.Repo, err)
		http.Error(w, "Try again later", http.StatusServiceUnavailable)
	default:
		log.Printf("[webhook] submit failed: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}
