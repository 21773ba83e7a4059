package pi

// This file holds the definition of functions commonly used in different parts.

import (
	"slices"
	"strings"
)

// keys returns the keys of a map in the form of a slice.
func keys[K comparable, V any](m map[K]V) []K {
	s := make([]K, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	return s
}

// sortedNames returns the keys of a map with string keys, sorted.
func sortedNames[V any](m map[string]V) []string {
	names := keys(m)
	slices.Sort(names)
	return names
}

// truncateLog limits the size of build logs.
func truncateLog(log string, maxSize int) string {
	if len(log) <= maxSize {
		return log
	}
	// Don't split a UTF-8 sequence.
	log = log[:maxSize]
	return strings.ToValidUTF8(log, "")
}
