package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/backup"
)

// EnvBackupPassword supplies the --backup-password secret without a prompt.
const EnvBackupPassword = "PAPYRUS_BACKUP_PASSWORD"

var (
	backupOutput         string
	backupStdout         bool
	backupWithAudit      bool
	backupBackupPassword bool
	backupKeyFile        string
	backupForce          bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupKeygenCmd)

	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Output file path")
	backupCmd.Flags().BoolVar(&backupStdout, "stdout", false, "Output to stdout (for piping)")
	backupCmd.Flags().BoolVar(&backupWithAudit, "with-audit", false, "Include audit log in backup")
	backupCmd.Flags().BoolVar(&backupBackupPassword, "backup-password", false, "Use separate backup password")
	backupCmd.Flags().StringVar(&backupKeyFile, "key-file", "", "Encryption key file (32 bytes)")
	backupCmd.Flags().BoolVar(&backupForce, "force", false, "Overwrite existing file")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create encrypted backup of the store",
	Long: `Create an encrypted backup of the store file.

The backup is encrypted with the store passphrase unless --backup-password
or --key-file is given.

Examples:
  # Backup to a file
  papyrus backup -o records-backup.enc

  # Backup with audit log
  papyrus backup -o full-backup.enc --with-audit

  # Backup to stdout (for piping)
  papyrus backup --stdout | gpg --encrypt > backup.gpg

  # Use key file for encryption
  papyrus backup -o backup.enc --key-file=backup.key`,
	Args: cobra.NoArgs,
	RunE: executeBackup,
}

func executeBackup(cmd *cobra.Command, args []string) error {
	if err := validateBackupFlags(); err != nil {
		return err
	}

	passphrase, err := readPassphrase("Enter passphrase: ")
	if err != nil {
		return err
	}
	s, err := openStoreWith(passphrase, audit.SourceCLI)
	if err != nil {
		return err
	}
	defer s.Close()

	// checked before the output is truncated
	if info, err := os.Stat(s.Path()); os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return fmt.Errorf("backup failed: %w: add a record first", backup.ErrEmptyStore)
	}

	var password []byte
	switch {
	case backupKeyFile != "":
	case backupBackupPassword:
		pwd, err := newSecret("backup password", EnvBackupPassword)
		if err != nil {
			return err
		}
		password = []byte(pwd)
	default:
		password = []byte(passphrase)
	}

	var output io.Writer
	if backupStdout {
		output = cmd.OutOrStdout()
	} else {
		if !backupForce {
			if _, err := os.Stat(backupOutput); err == nil {
				return fmt.Errorf("output file already exists: %s (use --force to overwrite)", backupOutput)
			}
		}

		f, err := os.OpenFile(backupOutput, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		output = f
	}

	opts := backup.BackupOptions{
		Output:       output,
		IncludeAudit: backupWithAudit,
		Password:     password,
		KeyFile:      backupKeyFile,
		Source:       audit.SourceCLI,
	}
	if err := backup.Backup(s, opts); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	if !backupStdout {
		fmt.Fprintf(cmd.ErrOrStderr(), "Backup created successfully: %s\n", backupOutput)
	}
	return nil
}

func validateBackupFlags() error {
	if !backupStdout && backupOutput == "" {
		return fmt.Errorf("either --output or --stdout is required")
	}
	if backupStdout && backupOutput != "" {
		return fmt.Errorf("--output and --stdout are mutually exclusive")
	}
	if backupKeyFile != "" && backupBackupPassword {
		return fmt.Errorf("--key-file and --backup-password are mutually exclusive")
	}
	return nil
}

var backupKeygenCmd = &cobra.Command{
	Use:   "keygen PATH",
	Short: "Generate a random key file for --key-file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := backup.GenerateKeyFile(args[0]); err != nil {
			return fmt.Errorf("failed to generate key file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Key file written to %s; keep it apart from the backups\n", args[0])
		return nil
	},
}
