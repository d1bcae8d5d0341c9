// Package nvs is the device's namespaced key/value store. Each namespace is
// read and replaced as a whole, which is what makes config commits atomic.
package nvs

import (
	"errors"
	"maps"
)

// ErrNotFound is returned by ReadNamespace when the namespace has never been written.
var ErrNotFound = errors.New("nvs: namespace not found")

// Store persists string values grouped by namespace.
type Store interface {
	// ReadNamespace returns a copy of every key in ns.
	ReadNamespace(ns string) (map[string]string, error)
	// WriteNamespace replaces the whole namespace. Either all values are
	// stored or none are.
	WriteNamespace(ns string, values map[string]string) error
	// EraseNamespace removes ns. Erasing a missing namespace is not an error.
	EraseNamespace(ns string) error
	Close() error
}

func cloneValues(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	maps.Copy(out, in)
	return out
}
