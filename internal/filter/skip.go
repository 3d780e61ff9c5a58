package filter

import (
	"strings"

	"davscan/internal/config"
)

// SkipSet is the immutable per-run set of path prefixes that are never
// traversed. It is loaded once at startup and consulted read-only.
type SkipSet struct {
	prefixes []string
}

// NewSkipSet normalizes the configured prefixes.
func NewSkipSet(prefixes []string) *SkipSet {
	s := &SkipSet{}
	for _, p := range prefixes {
		n := config.NormalizePath(p)
		if n != "" {
			s.prefixes = append(s.prefixes, n)
		}
	}
	return s
}

// Match reports whether path equals a skip prefix or lies under one.
func (s *SkipSet) Match(path string) bool {
	p := config.NormalizePath(path)
	for _, prefix := range s.prefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}
