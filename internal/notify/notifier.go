package notify

import (
	"fmt"
	"html/template"
	"log"
	"strings"
	"sync"

	"github.com/issuesync/issuesync/internal/downstream"
	"github.com/issuesync/issuesync/internal/intermediary"
)

var duplicateTemplate = template.Must(template.New("duplicate").Parse(`<p>
The upstream issue <a href="{{.URL}}">{{.Upstream}} #{{.Number}}</a>
matches more than one downstream ticket:
</p>
<ul>
{{- range .Keys}}
<li>{{.}}</li>
{{- end}}
</ul>
<p>
No automatic updates will be applied to any of them until the duplicates are
resolved. Close the extras, or run the close-duplicates maintenance pass.
</p>`))

var failureTemplate = template.Must(template.New("failure").Parse(`<p>
Synchronization failed for <b>{{.Upstream}}</b>:
</p>
<pre>{{.Detail}}</pre>
<p>The item will be retried on the next full scan.</p>`))

// UserFinder resolves tracker usernames to accounts with mail addresses.
// The downstream client satisfies it.
type UserFinder interface {
	FindUsers(query string) ([]downstream.User, error)
}

// Notifier mails duplicate escalations and failure reports. Each distinct
// duplicate set is reported once per process lifetime; re-scans seeing the
// same unresolved set stay quiet.
type Notifier struct {
	mailer      Mailer
	users       UserFinder
	admins      []string
	mailingList string

	mu   sync.Mutex
	seen map[string]bool
}

// NewNotifier builds a notifier. admins are tracker usernames resolved to
// addresses at send time; mailingList is appended verbatim when set.
func NewNotifier(mailer Mailer, users UserFinder, admins []string, mailingList string) *Notifier {
	return &Notifier{
		mailer:      mailer,
		users:       users,
		admins:      admins,
		mailingList: mailingList,
		seen:        make(map[string]bool),
	}
}

// NotifyDuplicates mails the repo owner and the admins about an upstream item
// matching several downstream tickets. Implements downstream.DuplicateNotifier.
func (n *Notifier) NotifyDuplicates(issue *intermediary.Issue, keys []string) error {
	token := issue.URL + "|" + strings.Join(keys, ",")
	n.mu.Lock()
	if n.seen[token] {
		n.mu.Unlock()
		return nil
	}
	n.seen[token] = true
	n.mu.Unlock()

	recipients := n.resolveRecipients(issue.Downstream.Owner)
	if len(recipients) == 0 {
		log.Printf("[notify] no recipients resolvable for duplicate alert on %s #%d",
			issue.Upstream, issue.Number)
		return nil
	}

	var body strings.Builder
	err := duplicateTemplate.Execute(&body, struct {
		URL      string
		Upstream string
		Number   int
		Keys     []string
	}{issue.URL, issue.Upstream, issue.Number, keys})
	if err != nil {
		return fmt.Errorf("failed to render duplicate alert: %w", err)
	}

	subject := fmt.Sprintf("Duplicate downstream tickets for %s #%d", issue.Upstream, issue.Number)
	if err := n.mailer.Send(recipients, subject, body.String()); err != nil {
		// Clear the token so the next scan retries the alert.
		n.mu.Lock()
		delete(n.seen, token)
		n.mu.Unlock()
		return err
	}
	log.Printf("[notify] duplicate alert sent for %s #%d to %s",
		issue.Upstream, issue.Number, strings.Join(recipients, ", "))
	return nil
}

// ReportFailure mails the admins about a sync failure that exhausted retries.
func (n *Notifier) ReportFailure(upstream string, failure error) error {
	recipients := n.resolveRecipients("")
	if len(recipients) == 0 {
		log.Printf("[notify] no recipients resolvable for failure report on %s", upstream)
		return nil
	}

	var body strings.Builder
	err := failureTemplate.Execute(&body, struct {
		Upstream string
		Detail   string
	}{upstream, failure.Error()})
	if err != nil {
		return fmt.Errorf("failed to render failure report: %w", err)
	}
	return n.mailer.Send(recipients, "Sync failure: "+upstream, body.String())
}

// resolveRecipients turns the owner and admin usernames into addresses via
// the tracker's user search, plus the mailing list when configured.
func (n *Notifier) resolveRecipients(owner string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}

	usernames := make([]string, 0, len(n.admins)+1)
	if owner != "" {
		usernames = append(usernames, owner)
	}
	usernames = append(usernames, n.admins...)

	for _, username := range usernames {
		users, err := n.users.FindUsers(username)
		if err != nil {
			log.Printf("[notify] user lookup for %q failed: %v", username, err)
			continue
		}
		for _, u := range users {
			if u.Username == username {
				add(u.Email)
				break
			}
		}
	}
	add(n.mailingList)
	return out
}
