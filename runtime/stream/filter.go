package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"

	"goa.design/runtrace/runtime/run"
)

// Filter selects the runs whose events are written to the stream.
//
// A nil list is not configured. A non-nil empty list is configured and
// matches nothing.
//
// Allow-lists are combined with OR: when at least one of IncludeNames,
// IncludeTypes or IncludeTags is configured, a run is included if it matches
// any of them. With no allow-list configured every run is included.
// Deny-lists are then applied with AND: a run matching any configured
// exclude list is dropped even if an allow-list matched it. Configuring both
// IncludeTypes and IncludeTags therefore selects runs matching either one.
//
// Types are matched against the resolved event type, so chat model runs
// match "chat_model" rather than "llm".
//
// Filtering only controls which events are written. Run bookkeeping is
// unaffected, so children of filtered runs are still linked correctly.
type Filter struct {
	IncludeNames []string `yaml:"include_names,omitempty" json:"include_names,omitempty"`
	IncludeTypes []string `yaml:"include_types,omitempty" json:"include_types,omitempty"`
	IncludeTags  []string `yaml:"include_tags,omitempty" json:"include_tags,omitempty"`
	ExcludeNames []string `yaml:"exclude_names,omitempty" json:"exclude_names,omitempty"`
	ExcludeTypes []string `yaml:"exclude_types,omitempty" json:"exclude_types,omitempty"`
	ExcludeTags  []string `yaml:"exclude_tags,omitempty" json:"exclude_tags,omitempty"`
}

// ParseFilter decodes a YAML filter document with snake_case keys, e.g.
//
//	include_types: [tool]
//	exclude_names: [secretTool]
//
// Unknown keys are rejected. An empty document yields the zero Filter.
func ParseFilter(data []byte) (Filter, error) {
	var f Filter
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return Filter{}, nil
		}
		return Filter{}, fmt.Errorf("parse filter: %w", err)
	}
	return f, nil
}

// Include reports whether events of a run with the given name, type and
// tags pass the filter.
func (f Filter) Include(name string, t run.Type, tags []string) bool {
	include := f.IncludeNames == nil && f.IncludeTypes == nil && f.IncludeTags == nil
	if f.IncludeNames != nil {
		include = include || slices.Contains(f.IncludeNames, name)
	}
	if f.IncludeTypes != nil {
		include = include || slices.Contains(f.IncludeTypes, string(t))
	}
	if f.IncludeTags != nil {
		include = include || anyTag(f.IncludeTags, tags)
	}
	if f.ExcludeNames != nil {
		include = include && !slices.Contains(f.ExcludeNames, name)
	}
	if f.ExcludeTypes != nil {
		include = include && !slices.Contains(f.ExcludeTypes, string(t))
	}
	if f.ExcludeTags != nil {
		include = include && !anyTag(f.ExcludeTags, tags)
	}
	return include
}

func anyTag(list, tags []string) bool {
	for _, tag := range tags {
		if slices.Contains(list, tag) {
			return true
		}
	}
	return false
}
