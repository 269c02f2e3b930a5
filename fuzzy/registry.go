package fuzzy

import "strings"

// Hasher computes a locality-sensitive hash: similar inputs produce
// comparable hashes, which lets reports group near-duplicate threats.
type Hasher interface {
	Name() string
	HashFile(path string) (string, error)
	HashBytes(data []byte) (string, error)
}

var registry = map[string]Hasher{}

// Register adds a hasher under its lowercased name.
func Register(hasher Hasher) {
	if hasher == nil {
		return
	}
	registry[strings.ToLower(hasher.Name())] = hasher
}

// Lookup returns a registered hasher by name.
func Lookup(name string) (Hasher, bool) {
	hasher, ok := registry[strings.ToLower(name)]
	return hasher, ok
}

// Available returns the names of registered hashers.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
