package github

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shurcooL/githubv4"

	"github.com/issuesync/issuesync/internal/config"
)

// BoardReader pulls project-board field values for issues. Board fields only
// exist in the GraphQL API; the REST feed never sees them.
type BoardReader struct {
	client *githubv4.Client
}

func NewBoardReader(httpClient *http.Client) *BoardReader {
	return &BoardReader{client: githubv4.NewClient(httpClient)}
}

type boardFieldValue struct {
	SingleSelect struct {
		Name  githubv4.String
		Field struct {
			Common struct {
				Name githubv4.String
			} `graphql:"... on ProjectV2FieldCommon"`
		}
	} `graphql:"... on ProjectV2ItemFieldSingleSelectValue"`
	Number struct {
		Number githubv4.Float
		Field  struct {
			Common struct {
				Name githubv4.String
			} `graphql:"... on ProjectV2FieldCommon"`
		}
	} `graphql:"... on ProjectV2ItemFieldNumberValue"`
}

type boardItem struct {
	Project struct {
		Number githubv4.Int
	}
	FieldValues struct {
		Nodes []boardFieldValue
	} `graphql:"fieldValues(first: 100)"`
}

// ProjectFields returns the configured board values for one issue: the raw
// single-select priority value and the story point number, either of which
// may be absent. A failed lookup is an error, not a silent empty result.
func (b *BoardReader) ProjectFields(ctx context.Context, owner, repo string, number int, pol *config.Policy) (string, *float64, error) {
	var query struct {
		Repository struct {
			Issue struct {
				ProjectItems struct {
					Nodes []boardItem
				} `graphql:"projectItems(first: 3)"`
			} `graphql:"issue(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	variables := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}
	if err := b.client.Query(ctx, &query, variables); err != nil {
		return "", nil, fmt.Errorf("project items query for %s/%s#%d: %w", owner, repo, number, err)
	}

	item, err := selectItem(query.Repository.Issue.ProjectItems.Nodes, pol.GitHubProjectNumber)
	if err != nil {
		return "", nil, fmt.Errorf("%s/%s#%d: %w", owner, repo, number, err)
	}
	if item == nil {
		return "", nil, nil
	}

	var priority string
	var points *float64
	priorityField := pol.GitHubProjectFields["priority"].GHField
	pointsField := pol.GitHubProjectFields["storypoints"].GHField

	for _, value := range item.FieldValues.Nodes {
		if priorityField != "" && string(value.SingleSelect.Field.Common.Name) == priorityField {
			priority = string(value.SingleSelect.Name)
		}
		if pointsField != "" && string(value.Number.Field.Common.Name) == pointsField {
			n := float64(value.Number.Number)
			points = &n
		}
	}
	return priority, points, nil
}

// selectItem picks the board membership to read from. A configured project
// number wins; without one, a single membership is unambiguous and anything
// else is an error.
func selectItem(items []boardItem, projectNumber int) (*boardItem, error) {
	if projectNumber != 0 {
		for i := range items {
			if int(items[i].Project.Number) == projectNumber {
				return &items[i], nil
			}
		}
		return nil, nil
	}
	switch len(items) {
	case 0:
		return nil, nil
	case 1:
		return &items[0], nil
	default:
		return nil, fmt.Errorf("issue is on %d project boards; set github_project_number to pick one", len(items))
	}
}
