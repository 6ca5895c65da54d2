package notify

import (
	"errors"
	"strings"
	"testing"

	"github.com/issuesync/issuesync/internal/config"
	"github.com/issuesync/issuesync/internal/downstream"
	"github.com/issuesync/issuesync/internal/intermediary"
)

type fakeUsers struct {
	byName map[string]downstream.User
	err    error
}

func (f *fakeUsers) FindUsers(query string) ([]downstream.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.byName[query]
	if !ok {
		return nil, nil
	}
	return []downstream.User{u}, nil
}

func dupeIssue() *intermediary.Issue {
	return &intermediary.Issue{
		Source:     intermediary.SourceGitHub,
		Upstream:   "org/repo",
		URL:        "https://github.com/org/repo/issues/42",
		Number:     42,
		Downstream: &config.Policy{Project: "FACTORY", Owner: "alice"},
	}
}

func TestNotifyDuplicates(t *testing.T) {
	mailer := NewMockMailer()
	users := &fakeUsers{byName: map[string]downstream.User{
		"alice": {Username: "alice", Email: "alice@example.com"},
		"carol": {Username: "carol", Email: "carol@example.com"},
	}}
	n := NewNotifier(mailer, users, []string{"carol"}, "sync-alerts@example.com")

	err := n.NotifyDuplicates(dupeIssue(), []string{"FACTORY-3", "FACTORY-9"})
	if err != nil {
		t.Fatalf("NotifyDuplicates() error = %v", err)
	}

	if len(mailer.SendCalls) != 1 {
		t.Fatalf("Send called %d times, want 1", len(mailer.SendCalls))
	}
	call := mailer.SendCalls[0]
	want := []string{"alice@example.com", "carol@example.com", "sync-alerts@example.com"}
	if len(call.To) != len(want) {
		t.Fatalf("recipients = %v, want %v", call.To, want)
	}
	for i := range want {
		if call.To[i] != want[i] {
			t.Errorf("recipients = %v, want %v", call.To, want)
			break
		}
	}
	if !strings.Contains(call.Subject, "org/repo #42") {
		t.Errorf("subject = %q", call.Subject)
	}
	if !strings.Contains(call.Body, "FACTORY-3") || !strings.Contains(call.Body, "FACTORY-9") {
		t.Errorf("body does not list the duplicate keys: %q", call.Body)
	}
}

func TestNotifyDuplicatesOncePerSet(t *testing.T) {
	mailer := NewMockMailer()
	users := &fakeUsers{byName: map[string]downstream.User{
		"alice": {Username: "alice", Email: "alice@example.com"},
	}}
	n := NewNotifier(mailer, users, nil, "")

	keys := []string{"FACTORY-3", "FACTORY-9"}
	for i := 0; i < 3; i++ {
		if err := n.NotifyDuplicates(dupeIssue(), keys); err != nil {
			t.Fatalf("NotifyDuplicates() error = %v", err)
		}
	}
	if len(mailer.SendCalls) != 1 {
		t.Errorf("Send called %d times for the same set, want 1", len(mailer.SendCalls))
	}

	// A different set for the same item is a new alert.
	if err := n.NotifyDuplicates(dupeIssue(), []string{"FACTORY-3", "FACTORY-9", "FACTORY-12"}); err != nil {
		t.Fatalf("NotifyDuplicates() error = %v", err)
	}
	if len(mailer.SendCalls) != 2 {
		t.Errorf("Send called %d times after the set grew, want 2", len(mailer.SendCalls))
	}
}

func TestNotifyDuplicatesRetriesAfterSendFailure(t *testing.T) {
	mailer := NewMockMailer()
	mailer.SendFunc = func(to []string, subject, body string) error {
		if len(mailer.SendCalls) == 1 {
			return errors.New("relay down")
		}
		return nil
	}
	users := &fakeUsers{byName: map[string]downstream.User{
		"alice": {Username: "alice", Email: "alice@example.com"},
	}}
	n := NewNotifier(mailer, users, nil, "")

	keys := []string{"FACTORY-3", "FACTORY-9"}
	if err := n.NotifyDuplicates(dupeIssue(), keys); err == nil {
		t.Fatal("NotifyDuplicates() error = nil, want send failure")
	}
	// The failed token was cleared, so the next scan delivers.
	if err := n.NotifyDuplicates(dupeIssue(), keys); err != nil {
		t.Fatalf("NotifyDuplicates() retry error = %v", err)
	}
	if len(mailer.SendCalls) != 2 {
		t.Errorf("Send called %d times, want 2", len(mailer.SendCalls))
	}
}

func TestNotifyDuplicatesNoRecipients(t *testing.T) {
	mailer := NewMockMailer()
	n := NewNotifier(mailer, &fakeUsers{}, []string{"ghost"}, "")

	if err := n.NotifyDuplicates(dupeIssue(), []string{"FACTORY-3", "FACTORY-9"}); err != nil {
		t.Fatalf("NotifyDuplicates() error = %v", err)
	}
	if len(mailer.SendCalls) != 0 {
		t.Error("mail sent with no resolvable recipients")
	}
}

func TestResolveRecipientsDedupes(t *testing.T) {
	mailer := NewMockMailer()
	users := &fakeUsers{byName: map[string]downstream.User{
		"alice": {Username: "alice", Email: "shared@example.com"},
		"carol": {Username: "carol", Email: "shared@example.com"},
	}}
	n := NewNotifier(mailer, users, []string{"carol"}, "")

	if err := n.NotifyDuplicates(dupeIssue(), []string{"FACTORY-3", "FACTORY-9"}); err != nil {
		t.Fatalf("NotifyDuplicates() error = %v", err)
	}
	if got := mailer.SendCalls[0].To; len(got) != 1 || got[0] != "shared@example.com" {
		t.Errorf("recipients = %v, want the shared address once", got)
	}
}

func TestReportFailure(t *testing.T) {
	mailer := NewMockMailer()
	users := &fakeUsers{byName: map[string]downstream.User{
		"carol": {Username: "carol", Email: "carol@example.com"},
	}}
	n := NewNotifier(mailer, users, []string{"carol"}, "")

	err := n.ReportFailure("org/repo", errors.New("upstream gone"))
	if err != nil {
		t.Fatalf("ReportFailure() error = %v", err)
	}
	if len(mailer.SendCalls) != 1 {
		t.Fatalf("Send called %d times, want 1", len(mailer.SendCalls))
	}
	call := mailer.SendCalls[0]
	if call.Subject != "Sync failure: org/repo" {
		t.Errorf("subject = %q", call.Subject)
	}
	if !strings.Contains(call.Body, "upstream gone") {
		t.Errorf("body missing failure detail: %q", call.Body)
	}
}
