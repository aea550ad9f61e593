package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papyrus-vault/papyrus/internal/cli"
	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/importer"
	"github.com/papyrus-vault/papyrus/pkg/vault"
)

var (
	importFrom       string
	importGroup      string
	importOnConflict string
	importDryRun     bool
	importItems      []string
)

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&importFrom, "from", "", "Export format: bitwarden, lastpass (required)")
	importCmd.Flags().StringVar(&importGroup, "group", "", "Put every imported record in this group")
	importCmd.Flags().StringVar(&importOnConflict, "on-conflict", "skip", "When GROUP/ITEM exists: skip, overwrite, error")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Show what would be imported without making changes")
	importCmd.Flags().StringArrayVar(&importItems, "item", nil, "Only import GROUP/ITEM names matching this glob (repeatable)")
	_ = importCmd.MarkFlagRequired("from")
}

var importCmd = &cobra.Command{
	Use:   "import <export-file>",
	Short: "Import records from another password manager",
	Long: `Import records from a LastPass CSV export or an unencrypted Bitwarden
JSON export.

LastPass groupings and Bitwarden folders become groups; items without one go
to the "imported" group. The password (or card number, or note text) becomes
the record value, and the remaining fields are kept in the note.

Examples:
  papyrus import lastpass.csv --from lastpass --dry-run
  papyrus import bitwarden.json --from bitwarden --on-conflict overwrite
  papyrus import bitwarden.json --from bitwarden --item 'work/*'`,
	Args: cobra.ExactArgs(1),
	RunE: executeImport,
}

func executeImport(cmd *cobra.Command, args []string) error {
	parser, err := importer.GetParser(importer.Source(strings.ToLower(importFrom)))
	if err != nil {
		return fmt.Errorf("invalid --from value '%s': must be one of %v", importFrom, importer.ValidSources())
	}
	mode, err := parseImportConflictMode(importOnConflict)
	if err != nil {
		return err
	}

	data, err := readExportFile(args[0])
	if err != nil {
		return err
	}

	result, err := parser.Parse(data, importer.ParseOptions{Group: importGroup})
	if err != nil {
		return fmt.Errorf("failed to parse %s file: %w", importFrom, err)
	}

	for _, warning := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	for _, skipped := range result.Skipped {
		fmt.Fprintf(os.Stderr, "skipped: %s (%s)\n", skipped.OriginalName, skipped.Reason)
	}

	records := result.Records
	if len(importItems) > 0 {
		if records, err = filterImported(records, importItems); err != nil {
			return err
		}
	}

	w := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(w, "No records found in file")
		return nil
	}

	return withStore(func(s *vault.Store) error {
		applied, err := importer.Apply(s, records, importer.ApplyOptions{
			OnConflict: mode,
			DryRun:     importDryRun,
			Source:     audit.SourceCLI,
		})
		if err != nil {
			if errors.Is(err, importer.ErrConflict) {
				return fmt.Errorf("%w (use --on-conflict skip or overwrite)", err)
			}
			return fmt.Errorf("import failed after %d records: %w", applied.Added+applied.Updated, err)
		}

		verb := "Imported"
		if importDryRun {
			verb = "Would import"
		}
		fmt.Fprintf(w, "%s %d records: %d added, %d updated, %d skipped\n",
			verb, applied.Added+applied.Updated, applied.Added, applied.Updated, applied.Skipped)
		return nil
	})
}

// readExportFile reads an export file, refusing symlinks.
func readExportFile(filePath string) ([]byte, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", filePath)
		}
		return nil, fmt.Errorf("failed to access file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("security: refusing to read symlink: %s", absPath)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// filterImported keeps the records whose GROUP/ITEM name matches one of
// patterns.
func filterImported(records []*importer.ImportedRecord, patterns []string) ([]*importer.ImportedRecord, error) {
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Group + "/" + r.Item
	}

	matched, err := cli.ExpandPatterns(patterns, names)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(matched))
	for _, name := range matched {
		keep[name] = true
	}

	var filtered []*importer.ImportedRecord
	for i, r := range records {
		if keep[names[i]] {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func parseImportConflictMode(mode string) (importer.ConflictMode, error) {
	switch mode {
	case "skip":
		return importer.ConflictSkip, nil
	case "overwrite":
		return importer.ConflictOverwrite, nil
	case "error":
		return importer.ConflictError, nil
	default:
		return importer.ConflictSkip, fmt.Errorf("invalid --on-conflict value: %s (valid: skip, overwrite, error)", mode)
	}
}
