// Package scopes resolves named scope bundles to provider scope strings.
// Bundles are loaded from a YAML file so operators can group provider
// scopes under short names without rebuilding the binary.
package scopes

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Resolver maps a bundle name to the provider scope strings it contains.
// The registration handler consults it only when a request omits scopes.
type Resolver interface {
	ResolveScopeGroup(name string) ([]string, error)
}

// FileResolver resolves bundles from a YAML mapping loaded at startup.
// The file maps bundle names to lists of scope strings:
//
//	mail: ["https://provider.example.com/auth/mail.read", ...]
//	calendar: [...]
type FileResolver struct {
	bundles map[string][]string
}

// LoadFile parses the bundle file at path. A missing or empty path yields
// a resolver with no bundles, which fails every lookup.
func LoadFile(path string) (*FileResolver, error) {
	r := &FileResolver{bundles: make(map[string][]string)}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scope bundles: %w", err)
	}

	if err := yaml.Unmarshal(data, &r.bundles); err != nil {
		return nil, fmt.Errorf("parsing scope bundles: %w", err)
	}

	return r, nil
}

// ResolveScopeGroup returns a copy of the scope list for the named bundle.
func (r *FileResolver) ResolveScopeGroup(name string) ([]string, error) {
	scopes, ok := r.bundles[name]
	if !ok {
		return nil, fmt.Errorf("unknown scope group %q", name)
	}

	out := make([]string, len(scopes))
	copy(out, scopes)

	return out, nil
}

// Bundles returns the sorted bundle names, for diagnostics.
func (r *FileResolver) Bundles() []string {
	names := make([]string, 0, len(r.bundles))
	for name := range r.bundles {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
