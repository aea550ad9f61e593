package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/papyrus-vault/papyrus/internal/config"
	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/vault"
)

// EnvPassphrase skips the passphrase prompt when set.
const EnvPassphrase = "PAPYRUS_PASSPHRASE"

var (
	fileFlag   string
	configFlag string

	cfg       *config.Config
	storePath string
)

var rootCmd = &cobra.Command{
	Use:   "papyrus",
	Short: "papyrus keeps grouped secrets in one encrypted file",
	Long: `papyrus stores named secret records, grouped by category, in a single
file encrypted with a key derived from your passphrase.

The store file is resolved from --file, then PAPYRUS_FILE, then store_path
in the config file, then $XDG_DATA_HOME/papyrus/records.dat.`,
	SilenceUsage: true,
	// PersistentPreRunE loads the config and resolves the store path for
	// every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

// loadConfig reads the config file and resolves storePath.
func loadConfig() error {
	path := configFlag
	if path == "" {
		path = config.DefaultConfigPath()
	}
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg = c
	storePath = cfg.ResolveStorePath(fileFlag)
	return nil
}

// Record command flags
var (
	lsMatch  string
	lsFormat string
)

// Audit flags
var (
	auditLimit int
	auditSince string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&fileFlag, "file", "f", "", "Store file (default $XDG_DATA_HOME/papyrus/records.dat)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default $XDG_CONFIG_HOME/papyrus/config.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(auditCmd)

	lsCmd.Flags().StringVar(&lsMatch, "match", "", "Only show records matching ITEM or GROUP/ITEM glob")
	lsCmd.Flags().StringVar(&lsFormat, "format", formatTable, "Output format: table, json")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show (0 for all)")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h, 7d)")
}

// initCmd creates an empty store protected by a new passphrase.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Creates a new store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if info, err := os.Stat(storePath); err == nil && info.Size() > 0 {
			return fmt.Errorf("store already exists at %s", storePath)
		}

		passphrase, err := newSecret("passphrase", EnvPassphrase)
		if err != nil {
			return err
		}

		s, err := vault.Open(storePath, passphrase, storeOptions(storePath, audit.SourceCLI)...)
		if err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}
		defer s.Close()

		if err := s.Save(); err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Store created at %s\n", storePath)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add GROUP ITEM VALUE [NOTE]",
	Short: "Adds a record",
	Long: `Adds a record to GROUP. A reserved group name (such as _gid) sends the
record to the "Invalid Group Name" group instead.`,
	Args: cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *vault.Store) error {
			return addRecord(cmd.OutOrStdout(), s, args)
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update ID VALUE [NOTE]",
	Short: "Updates the value and optionally the note of a record",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *vault.Store) error {
			return updateRecord(cmd.OutOrStdout(), s, args)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Deletes a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *vault.Store) error {
			return deleteRecord(cmd.OutOrStdout(), s, args)
		})
	},
}

var moveCmd = &cobra.Command{
	Use:   "move ID GID",
	Short: "Moves a record to another group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *vault.Store) error {
			return moveRecord(cmd.OutOrStdout(), s, args)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Prints the value and note of a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *vault.Store) error {
			return getRecord(cmd.OutOrStdout(), s, audit.SourceCLI, args)
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [group | record | NAME | GID]",
	Short: "Lists groups or records",
	Long: `Lists groups or records.

  ls            all records
  ls record     all records
  ls group      all groups with their ids and sizes
  ls GID        records of the group with that id
  ls NAME       records of the named group; NAME may be a glob (e.g. "w*")

Use --match to filter the listed records by ITEM or GROUP/ITEM glob.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		return withStore(func(s *vault.Store) error {
			return list(cmd.OutOrStdout(), s, audit.SourceCLI, target, lsMatch, lsFormat)
		})
	},
}

// withStore opens the store for the duration of fn.
func withStore(fn func(*vault.Store) error) error {
	s, err := openStore(audit.SourceCLI)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}()
	return fn(s)
}

// openStore reads the passphrase and opens the store at storePath.
func openStore(source string) (*vault.Store, error) {
	passphrase, err := readPassphrase("Enter passphrase: ")
	if err != nil {
		return nil, err
	}
	return openStoreWith(passphrase, source)
}

func openStoreWith(passphrase, source string) (*vault.Store, error) {
	s, err := vault.Open(storePath, passphrase, storeOptions(storePath, source)...)
	if err != nil {
		return nil, describeOpenError(storePath, err)
	}
	return s, nil
}

// storeOptions attaches the audit log of the store at path unless the
// config turns it off.
func storeOptions(path, source string) []vault.Option {
	if cfg == nil || !cfg.AuditEnabled() {
		return nil
	}
	return []vault.Option{vault.WithAudit(audit.NewLogger(vault.AuditPath(path)), source)}
}

func describeOpenError(path string, err error) error {
	switch {
	case errors.Is(err, vault.ErrLocked):
		return fmt.Errorf("store %s is in use by another papyrus process", path)
	case errors.Is(err, vault.ErrInvalidPassphrase), errors.Is(err, vault.ErrCorrupt):
		return fmt.Errorf("failed to open store: %w (wrong passphrase or damaged file)", err)
	default:
		return fmt.Errorf("failed to open store: %w", err)
	}
}

// readPassphrase returns PAPYRUS_PASSPHRASE or prompts on the terminal.
func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv(EnvPassphrase); p != "" {
		return p, nil
	}
	return promptSecret(prompt)
}

func promptSecret(prompt string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("no terminal for the passphrase prompt: set %s", EnvPassphrase)
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(secret) == 0 {
		return "", errors.New("passphrase cannot be empty")
	}
	return string(secret), nil
}

// newSecret prompts twice for a new secret. A value in env is taken as is.
func newSecret(what, env string) (string, error) {
	if p := os.Getenv(env); p != "" {
		return p, nil
	}

	first, err := promptSecret(fmt.Sprintf("Enter %s: ", what))
	if err != nil {
		return "", err
	}
	second, err := promptSecret(fmt.Sprintf("Confirm %s: ", what))
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("%ss do not match", what)
	}
	return first, nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return id, nil
}
