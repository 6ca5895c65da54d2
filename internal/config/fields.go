package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FieldEntry is one entry of an issue_updates/pr_updates list. The YAML form
// is a tagged variant: either a bare field name ("title") or a single-key
// mapping with options ({tags: {overwrite: false}}, {transition: CLOSED},
// {on_close: {apply_labels: [...]}}).
type FieldEntry struct {
	Name          string
	Overwrite     bool
	HasTransition bool
	TransitionTo  string // empty means the generic closed transition
	OnCloseLabels []string
}

type fieldOptions struct {
	Overwrite *bool `yaml:"overwrite"`
}

type onCloseOptions struct {
	ApplyLabels []string `yaml:"apply_labels"`
}

// UnmarshalYAML decodes both variant shapes.
func (f *FieldEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return err
		}
		// A bare name is a flag: destructive sync by default.
		*f = FieldEntry{Name: name, Overwrite: true}
		return nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("field entry must have exactly one key (line %d)", node.Line)
		}
		keyNode, valueNode := node.Content[0], node.Content[1]
		var key string
		if err := keyNode.Decode(&key); err != nil {
			return err
		}
		switch key {
		case "transition", "merge_transition", "link_transition":
			return f.decodeTransition(key, valueNode)
		case "on_close":
			var opts onCloseOptions
			if err := valueNode.Decode(&opts); err != nil {
				return fmt.Errorf("on_close entry: %w", err)
			}
			*f = FieldEntry{Name: "on_close", Overwrite: true, OnCloseLabels: opts.ApplyLabels}
			return nil
		default:
			var opts fieldOptions
			if err := valueNode.Decode(&opts); err != nil {
				return fmt.Errorf("field entry %q: %w", key, err)
			}
			overwrite := true
			if opts.Overwrite != nil {
				overwrite = *opts.Overwrite
			}
			*f = FieldEntry{Name: key, Overwrite: overwrite}
			return nil
		}
	default:
		return fmt.Errorf("field entry must be a name or a single-key mapping (line %d)", node.Line)
	}
}

func (f *FieldEntry) decodeTransition(key string, valueNode *yaml.Node) error {
	// `transition: true` requests the generic closed transition;
	// `transition: NAME` requests a named custom transition.
	var flag bool
	if err := valueNode.Decode(&flag); err == nil {
		if !flag {
			return fmt.Errorf("%s: false entries are not allowed; omit the entry instead", key)
		}
		*f = FieldEntry{Name: key, Overwrite: true, HasTransition: true}
		return nil
	}
	var name string
	if err := valueNode.Decode(&name); err != nil {
		return fmt.Errorf("%s entry must be true or a status name: %w", key, err)
	}
	*f = FieldEntry{Name: key, Overwrite: true, HasTransition: true, TransitionTo: name}
	return nil
}

// FieldSet is the normalized form of a field-update list, resolved once at
// config load so it is never re-parsed per item.
type FieldSet struct {
	entries map[string]FieldEntry
	names   []string
}

func newFieldSet(entries []FieldEntry, context string) (FieldSet, error) {
	fs := FieldSet{entries: make(map[string]FieldEntry, len(entries))}
	for _, entry := range entries {
		if prev, dup := fs.entries[entry.Name]; dup {
			if prev.Overwrite != entry.Overwrite {
				return FieldSet{}, validationErrorf(
					"%s: field %q is named with both overwrite=true and overwrite=false", context, entry.Name)
			}
			return FieldSet{}, validationErrorf("%s: field %q is listed twice", context, entry.Name)
		}
		fs.entries[entry.Name] = entry
		fs.names = append(fs.names, entry.Name)
	}
	return fs, nil
}

// Empty reports whether no updates were requested at all.
func (fs FieldSet) Empty() bool { return len(fs.entries) == 0 }

// Has reports whether the named field opted in to synchronization.
func (fs FieldSet) Has(name string) bool {
	_, ok := fs.entries[name]
	return ok
}

// Overwrite reports the per-field overwrite flag. False for fields that never
// opted in.
func (fs FieldSet) Overwrite(name string) bool {
	entry, ok := fs.entries[name]
	return ok && entry.Overwrite
}

// Transition returns the requested close transition: the custom status name,
// or "" for the generic closed transition. ok is false when the policy does
// not request transitions.
func (fs FieldSet) Transition() (string, bool) {
	entry, ok := fs.entries["transition"]
	if !ok || !entry.HasTransition {
		return "", false
	}
	return entry.TransitionTo, true
}

// NamedTransition returns the target status of a named transition entry
// (merge_transition, link_transition).
func (fs FieldSet) NamedTransition(name string) (string, bool) {
	entry, ok := fs.entries[name]
	if !ok || !entry.HasTransition {
		return "", false
	}
	return entry.TransitionTo, true
}

// OnCloseLabels returns the labels applied when the close transition fires.
func (fs FieldSet) OnCloseLabels() []string {
	return fs.entries["on_close"].OnCloseLabels
}

// Names returns the declared field names in order.
func (fs FieldSet) Names() []string { return fs.names }
