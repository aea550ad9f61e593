// Package importer reads password manager exports into store records.
// Supports Bitwarden JSON and LastPass CSV formats.
//
// Every exported item becomes one record: the folder or grouping names the
// group, the item name names the record, the secret goes to the value and
// the remaining fields are written to the note.
package importer

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/vault"
)

// Source represents the source password manager format.
type Source string

const (
	SourceBitwarden Source = "bitwarden"
	SourceLastPass  Source = "lastpass"
)

// DefaultGroup receives items exported without a folder.
const DefaultGroup = "imported"

// ImportedRecord is one record parsed from an export.
type ImportedRecord struct {
	// Group and Item are sanitized store names.
	Group string
	Item  string

	// OriginalName is the item name before sanitization.
	OriginalName string

	Value string
	Note  *string
}

// ImportResult contains the results of a parse.
type ImportResult struct {
	// Records are the successfully parsed records.
	Records []*ImportedRecord

	// Warnings are non-fatal issues encountered during parsing.
	Warnings []string

	// Skipped are items that were skipped with reasons.
	Skipped []SkippedItem
}

// SkippedItem represents an item that was skipped during import.
type SkippedItem struct {
	OriginalName string
	Reason       string
}

// Parser is the interface for export format parsers.
type Parser interface {
	// Parse parses the input data and returns imported records.
	Parse(data []byte, opts ParseOptions) (*ImportResult, error)

	// Source returns the source type for this parser.
	Source() Source
}

// ParseOptions contains options for parsing.
type ParseOptions struct {
	// Group overrides the folder of every item when set.
	Group string
}

// SanitizeName turns an exported name into a valid store name: NFC
// normalized, control characters replaced by spaces, runs of space
// collapsed and the result truncated to vault.MaxNameLength characters.
func SanitizeName(name string) string {
	name = norm.NFC.String(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), " ")

	if utf8.RuneCountInString(name) > vault.MaxNameLength {
		runes := []rune(name)
		name = strings.TrimSpace(string(runes[:vault.MaxNameLength]))
	}
	return name
}

// DeduplicateItems makes item names unique within each group by appending
// suffixes (_1, _2, etc.).
func DeduplicateItems(records []*ImportedRecord) {
	seen := make(map[[2]string]int)

	for _, r := range records {
		key := [2]string{r.Group, r.Item}
		count := seen[key]
		if count > 0 {
			r.Item = fmt.Sprintf("%s_%d", r.Item, count)
			// the suffixed name may itself collide later
			seen[[2]string{r.Group, r.Item}]++
		}
		seen[key] = count + 1
	}
}

// GenerateFallbackName generates an item name when the original is empty.
// The first URL hostname is used when there is one, otherwise
// imported_item_N.
func GenerateFallbackName(url string, counter int) string {
	if url != "" {
		if hostname := extractHostname(url); hostname != "" {
			return hostname
		}
	}
	return fmt.Sprintf("imported_item_%d", counter)
}

// extractHostname extracts the hostname from a URL.
func extractHostname(urlStr string) string {
	// Simple hostname extraction without full URL parsing
	urlStr = strings.TrimPrefix(urlStr, "https://")
	urlStr = strings.TrimPrefix(urlStr, "http://")

	if idx := strings.Index(urlStr, "/"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	if idx := strings.Index(urlStr, ":"); idx != -1 {
		urlStr = urlStr[:idx]
	}

	return strings.TrimPrefix(urlStr, "www.")
}

// DecodeHTMLEntities decodes common HTML entities found in LastPass exports.
func DecodeHTMLEntities(s string) string {
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&apos;", "'")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

// IsEmptyOrWhitespace checks if a string is empty or contains only whitespace.
func IsEmptyOrWhitespace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// field is one named value folded into a note.
type field struct {
	name  string
	value string
}

// buildNote renders fields as "name: value" lines followed by free text.
// It returns nil when there is nothing to write and truncates to
// vault.MaxNoteSize bytes at a rune boundary.
func buildNote(fields []field, text string) *string {
	var b strings.Builder
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", f.name, f.value)
	}
	if text = strings.TrimSpace(text); text != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}

	note := strings.TrimRight(b.String(), "\n")
	if note == "" {
		return nil
	}
	if len(note) > vault.MaxNoteSize {
		cut := vault.MaxNoteSize
		for cut > 0 && !utf8.RuneStart(note[cut]) {
			cut--
		}
		note = note[:cut]
	}
	return &note
}

// newRecord applies name sanitization and fallbacks shared by the parsers.
func newRecord(group, name, url, value string, note *string, opts ParseOptions, itemCounter *int) *ImportedRecord {
	if opts.Group != "" {
		group = opts.Group
	}
	group = SanitizeName(group)
	if group == "" {
		group = DefaultGroup
	}

	item := SanitizeName(name)
	if item == "" {
		item = SanitizeName(GenerateFallbackName(url, *itemCounter))
		*itemCounter++
	}

	return &ImportedRecord{
		Group:        group,
		Item:         item,
		OriginalName: name,
		Value:        value,
		Note:         note,
	}
}

// GetParser returns a parser for the given source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case SourceBitwarden:
		return &BitwardenParser{}, nil
	case SourceLastPass:
		return &LastPassParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported import source: %s", source)
	}
}

// ValidSources returns a list of valid source names.
func ValidSources() []string {
	return []string{
		string(SourceBitwarden),
		string(SourceLastPass),
	}
}

// ConflictMode decides what happens to a record whose group and item
// already exist in the store.
type ConflictMode int

const (
	ConflictSkip ConflictMode = iota
	ConflictOverwrite
	ConflictError
)

// ErrConflict is returned by Apply in ConflictError mode.
var ErrConflict = errors.New("importer: record already exists")

// ApplyOptions configures Apply.
type ApplyOptions struct {
	OnConflict ConflictMode
	DryRun     bool
	// Source attributes the audit event.
	Source string
}

// ApplyResult counts what Apply did.
type ApplyResult struct {
	Added   int
	Updated int
	Skipped int
}

// Apply writes records into s. Records are applied one by one; a failure
// leaves the records already applied in place.
func Apply(s *vault.Store, records []*ImportedRecord, opts ApplyOptions) (*ApplyResult, error) {
	result := &ApplyResult{}

	if opts.OnConflict == ConflictError {
		for _, r := range records {
			if _, ok := s.Find(r.Group, r.Item); ok {
				return result, fmt.Errorf("%w: %s/%s", ErrConflict, r.Group, r.Item)
			}
		}
	}

	for _, r := range records {
		existing, exists := s.Find(r.Group, r.Item)
		switch {
		case exists && opts.OnConflict == ConflictSkip:
			result.Skipped++
			continue
		case exists:
			if !opts.DryRun {
				if _, err := s.Update(existing.ID, r.Value, r.Note); err != nil {
					return result, fmt.Errorf("importer: failed to update %s/%s: %w", r.Group, r.Item, err)
				}
			}
			result.Updated++
			continue
		}

		if opts.DryRun {
			result.Added++
			continue
		}
		if _, err := s.Add(r.Group, r.Item, r.Value, r.Note); err != nil {
			if errors.Is(err, vault.ErrDuplicateItem) {
				// reserved group names collide inside the quarantine group
				result.Skipped++
				continue
			}
			return result, fmt.Errorf("importer: failed to add %s/%s: %w", r.Group, r.Item, err)
		}
		result.Added++
	}

	if logger := s.AuditLogger(); logger != nil && !opts.DryRun {
		source := opts.Source
		if source == "" {
			source = audit.SourceCLI
		}
		ctx := map[string]any{"added": result.Added, "updated": result.Updated, "skipped": result.Skipped}
		if err := logger.LogSuccess(audit.OpImport, source, "", ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write audit log: %v\n", err)
		}
	}

	return result, nil
}
