// Package folders translates source mailbox folder names into the names
// used on the destination server.
package folders

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mapping is one source to destination folder pair.
type Mapping struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
}

type Map struct {
	order   []string
	entries map[string]string
}

// Default returns the built-in table. "Elementy wys&AUI-ane" is the
// modified UTF-7 name of the Polish "Sent Items" folder.
func Default() *Map {
	return New(
		Mapping{Source: "Elementy wys&AUI-ane", Destination: "INBOX.INBOX.Sent"},
		Mapping{Source: "INBOX", Destination: "INBOX"},
	)
}

// New builds a map from mappings. A later mapping for the same source
// replaces the earlier destination but keeps its position.
func New(mappings ...Mapping) *Map {
	m := &Map{entries: make(map[string]string, len(mappings))}
	for _, mapping := range mappings {
		m.set(mapping.Source, mapping.Destination)
	}
	return m
}

// Load reads a YAML list of {source, destination} pairs and merges it over
// the default table. An empty path returns the defaults.
func Load(path string) (*Map, error) {
	m := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read folder map: %w", err)
	}

	var mappings []Mapping
	if err := yaml.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("parse folder map %s: %w", path, err)
	}

	for i, mapping := range mappings {
		if mapping.Source == "" || mapping.Destination == "" {
			return nil, fmt.Errorf("folder map %s: entry %d needs source and destination", path, i+1)
		}
		m.set(mapping.Source, mapping.Destination)
	}
	return m, nil
}

// Resolve returns the destination for source, or source itself when unmapped.
func (m *Map) Resolve(source string) string {
	if dest, ok := m.entries[source]; ok {
		return dest
	}
	return source
}

func (m *Map) Mappings() []Mapping {
	out := make([]Mapping, 0, len(m.order))
	for _, source := range m.order {
		out = append(out, Mapping{Source: source, Destination: m.entries[source]})
	}
	return out
}

func (m *Map) set(source, destination string) {
	if _, ok := m.entries[source]; !ok {
		m.order = append(m.order, source)
	}
	m.entries[source] = destination
}
