package github

import (
	"strings"
	"testing"

	"github.com/shurcooL/githubv4"
)

func boardItemOn(project int) boardItem {
	var item boardItem
	item.Project.Number = githubv4.Int(project)
	return item
}

func TestSelectItem(t *testing.T) {
	t.Run("no memberships", func(t *testing.T) {
		item, err := selectItem(nil, 0)
		if err != nil || item != nil {
			t.Errorf("selectItem() = %v, %v", item, err)
		}
	})

	t.Run("single membership is unambiguous", func(t *testing.T) {
		item, err := selectItem([]boardItem{boardItemOn(7)}, 0)
		if err != nil {
			t.Fatalf("selectItem() error = %v", err)
		}
		if item == nil || int(item.Project.Number) != 7 {
			t.Errorf("selectItem() = %+v", item)
		}
	})

	t.Run("several memberships need a configured number", func(t *testing.T) {
		_, err := selectItem([]boardItem{boardItemOn(7), boardItemOn(8)}, 0)
		if err == nil {
			t.Fatal("selectItem() error = nil")
		}
		if !strings.Contains(err.Error(), "github_project_number") {
			t.Errorf("error %q does not name the fix", err)
		}
	})

	t.Run("configured number picks its board", func(t *testing.T) {
		item, err := selectItem([]boardItem{boardItemOn(7), boardItemOn(8)}, 8)
		if err != nil {
			t.Fatalf("selectItem() error = %v", err)
		}
		if item == nil || int(item.Project.Number) != 8 {
			t.Errorf("selectItem() = %+v", item)
		}
	})

	t.Run("configured number with no membership", func(t *testing.T) {
		item, err := selectItem([]boardItem{boardItemOn(7)}, 9)
		if err != nil || item != nil {
			t.Errorf("selectItem() = %v, %v, want nil membership without error", item, err)
		}
	})
}
