package models

import (
	"slices"
	"strings"
)

// Collection describes one sync-enabled entity type
type Collection struct {
	Name string
	// HighValue collections fire an immediate sync trigger when enqueued
	HighValue bool
}

// Registry is the whitelist of collections allowed to cross the sync boundary
type Registry map[string]Collection

// DefaultRegistry holds the collections shared by the desktop app and the cloud
var DefaultRegistry = NewRegistry(
	Collection{Name: "customers"},
	Collection{Name: "products"},
	Collection{Name: "bills", HighValue: true},
	Collection{Name: "bill_items", HighValue: true},
	Collection{Name: "staff"},
	Collection{Name: "patients"},
	Collection{Name: "prescriptions"},
	Collection{Name: "einvoices", HighValue: true},
)

func NewRegistry(cols ...Collection) Registry {
	r := make(Registry, len(cols))
	for _, c := range cols {
		c.Name = NormalizeCollection(c.Name)
		r[c.Name] = c
	}
	return r
}

// NormalizeCollection trims and lowercases a collection name
func NormalizeCollection(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r Registry) Lookup(name string) (Collection, bool) {
	c, ok := r[NormalizeCollection(name)]
	return c, ok
}

// Names returns the registered collection names in a stable order
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
