// Package cli provides shared utilities for CLI commands.
package cli

import (
	"fmt"
	"path"
	"strings"

	"github.com/papyrus-vault/papyrus/pkg/vault"
)

// HasGlob reports whether pattern contains glob characters (*?[).
func HasGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// ValidatePattern checks glob syntax.
func ValidatePattern(pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}
	return nil
}

// ExpandPattern expands a glob pattern against available names.
// If the pattern contains glob characters (*?[), it performs glob matching.
// Otherwise, it performs exact matching.
func ExpandPattern(pattern string, available []string) ([]string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	if !HasGlob(pattern) {
		for _, name := range available {
			if name == pattern {
				return []string{pattern}, nil
			}
		}
		return nil, fmt.Errorf("'%s' not found", pattern)
	}

	var matches []string
	for _, name := range available {
		matched, err := path.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, name)
		}
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("nothing matches pattern '%s'", pattern)
	}

	return matches, nil
}

// ExpandPatterns expands multiple glob patterns against available names.
// Returns unique matches preserving order of first match.
func ExpandPatterns(patterns []string, available []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		matches, err := ExpandPattern(pattern, available)
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			if !seen[name] {
				seen[name] = true
				result = append(result, name)
			}
		}
	}

	return result, nil
}

// MatchRecords filters records with a glob. A pattern without '/' is
// matched against item names; GROUP/ITEM matches the group with the part
// before the first '/' and the item with the rest.
func MatchRecords(pattern string, records []vault.Record) ([]vault.Record, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	groupPattern, itemPattern, qualified := strings.Cut(pattern, "/")
	if !qualified {
		groupPattern, itemPattern = "*", pattern
	} else if err := ValidatePattern(groupPattern); err != nil {
		return nil, err
	}

	out := make([]vault.Record, 0, len(records))
	for _, r := range records {
		groupOK, _ := path.Match(groupPattern, r.Group)
		itemOK, _ := path.Match(itemPattern, r.Item)
		if groupOK && itemOK {
			out = append(out, r)
		}
	}
	return out, nil
}

// GroupNames returns the names of groups in listing order.
func GroupNames(groups []vault.Group) []string {
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	return names
}
