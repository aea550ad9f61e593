package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papyrus-vault/papyrus/pkg/backup"
)

var (
	restoreDryRun     bool
	restoreVerifyOnly bool
	restoreOnConflict string
	restoreKeyFile    string
	restoreForce      bool
	restoreWithAudit  bool
)

func init() {
	rootCmd.AddCommand(restoreCmd)

	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "Show what would be restored without making changes")
	restoreCmd.Flags().BoolVar(&restoreVerifyOnly, "verify-only", false, "Only verify backup integrity")
	restoreCmd.Flags().StringVar(&restoreOnConflict, "on-conflict", "error", "When the store file exists: skip, overwrite, error")
	restoreCmd.Flags().StringVar(&restoreKeyFile, "key-file", "", "Decryption key file")
	restoreCmd.Flags().BoolVar(&restoreForce, "force", false, "Skip confirmation prompt")
	restoreCmd.Flags().BoolVar(&restoreWithAudit, "with-audit", false, "Restore audit log (replaces existing)")
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file>",
	Short: "Restore the store from an encrypted backup",
	Long: `Restore the store file from an encrypted backup.

The backup password is read from PAPYRUS_BACKUP_PASSWORD, then
PAPYRUS_PASSPHRASE, then prompted for.

Examples:
  # Verify backup integrity without restoring
  papyrus restore backup.enc --verify-only

  # Restore, replacing an existing store
  papyrus restore backup.enc --on-conflict=overwrite

  # Restore with audit log, using a key file
  papyrus restore backup.enc --with-audit --key-file=backup.key`,
	Args: cobra.ExactArgs(1),
	RunE: executeRestore,
}

func executeRestore(cmd *cobra.Command, args []string) error {
	backupPath := args[0]

	if err := validateRestoreFlags(); err != nil {
		return err
	}
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return fmt.Errorf("backup file not found: %s", backupPath)
	}

	conflictMode, err := parseConflictMode(restoreOnConflict)
	if err != nil {
		return err
	}

	var password []byte
	if restoreKeyFile == "" {
		pwd, err := restorePassword()
		if err != nil {
			return err
		}
		password = []byte(pwd)
	}

	w := cmd.OutOrStdout()

	if restoreVerifyOnly {
		result, err := backup.Verify(backupPath, password, restoreKeyFile)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if !result.Valid {
			return fmt.Errorf("verification failed: %s", result.Error)
		}
		fmt.Fprintln(w, "Backup verification successful!")
		fmt.Fprintf(w, "  Version: %d\n", result.Version)
		fmt.Fprintf(w, "  Created: %s\n", result.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "  Records: %d\n", result.RecordCount)
		fmt.Fprintf(w, "  Includes Audit: %v\n", result.IncludesAudit)
		return nil
	}

	if !restoreForce && !restoreDryRun {
		if !confirm(cmd, fmt.Sprintf("This will restore %s from backup. Continue? [y/N]: ", storePath)) {
			fmt.Fprintln(w, "Restore cancelled.")
			return nil
		}
	}

	opts := backup.RestoreOptions{
		StorePath:  storePath,
		OnConflict: conflictMode,
		DryRun:     restoreDryRun,
		WithAudit:  restoreWithAudit,
		Password:   password,
		KeyFile:    restoreKeyFile,
	}
	result, err := backup.Restore(backupPath, opts)
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	switch {
	case result.Skipped:
		fmt.Fprintf(w, "Store %s exists; nothing restored.\n", storePath)
		return nil
	case result.DryRun:
		fmt.Fprintln(w, "Dry run complete. Would restore:")
	default:
		fmt.Fprintln(w, "Restore complete!")
	}
	fmt.Fprintf(w, "  Records: %d\n", result.RecordsRestored)
	if result.AuditRestored {
		fmt.Fprintln(w, "  Audit log: restored")
	}
	return nil
}

func restorePassword() (string, error) {
	if p := os.Getenv(EnvBackupPassword); p != "" {
		return p, nil
	}
	return readPassphrase("Enter backup password (or store passphrase): ")
}

// confirm asks a yes/no question on the command's input.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprint(cmd.ErrOrStderr(), question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	answer = strings.TrimSpace(answer)
	return answer == "y" || answer == "Y"
}

func validateRestoreFlags() error {
	if _, err := parseConflictMode(restoreOnConflict); err != nil {
		return err
	}
	if restoreDryRun && restoreVerifyOnly {
		return fmt.Errorf("--dry-run and --verify-only are mutually exclusive")
	}
	return nil
}

func parseConflictMode(mode string) (backup.ConflictMode, error) {
	switch mode {
	case "skip":
		return backup.ConflictSkip, nil
	case "overwrite":
		return backup.ConflictOverwrite, nil
	case "error":
		return backup.ConflictError, nil
	default:
		return backup.ConflictError, fmt.Errorf("invalid --on-conflict value: %s (valid: skip, overwrite, error)", mode)
	}
}
