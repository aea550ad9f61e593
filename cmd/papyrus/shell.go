package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/papyrus-vault/papyrus/pkg/audit"
	"github.com/papyrus-vault/papyrus/pkg/vault"
)

const shellPrompt = "papyrus> "

func init() {
	rootCmd.AddCommand(shellCmd)
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive session",
	Long: `Start an interactive session. Run "init" first to open the store, then
use ls, add, update, delete, move and get without retyping the passphrase.
"help" lists the commands; "quit" or Ctrl-D leaves.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fd := int(syscall.Stdin)
		if !term.IsTerminal(fd) {
			return newShell(cmd.InOrStdin(), cmd.OutOrStdout()).run()
		}

		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set terminal mode: %w", err)
		}
		defer func() {
			if err := term.Restore(fd, oldState); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to restore terminal: %v\n", err)
			}
		}()

		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, shellPrompt)

		sh := &shell{in: t, out: t, secret: t.ReadPassword, session: vault.NewSession()}
		return sh.run()
	},
}

// lineReader is satisfied by *term.Terminal.
type lineReader interface {
	ReadLine() (string, error)
}

type scannerReader struct {
	s *bufio.Scanner
}

func (r scannerReader) ReadLine() (string, error) {
	if r.s.Scan() {
		return r.s.Text(), nil
	}
	if err := r.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// shell is the interactive command loop. Its session starts uninitialized;
// record commands need a successful init first.
type shell struct {
	in  lineReader
	out io.Writer

	// secret prompts without echo; nil when there is no terminal.
	secret func(prompt string) (string, error)

	session *vault.Session
}

func newShell(in io.Reader, out io.Writer) *shell {
	return &shell{
		in:      scannerReader{s: bufio.NewScanner(in)},
		out:     out,
		session: vault.NewSession(),
	}
}

type shellCommand struct {
	usage   string
	help    string
	minArgs int
	maxArgs int
	run     func(sh *shell, args []string) error
}

var errQuit = errors.New("quit")

var shellCommands map[string]shellCommand

func init() {
	shellCommands = map[string]shellCommand{
		"init": {
			usage: "init [passphrase [file]]",
			help: "Open the store. This must run before the other commands. Without a\n" +
				"passphrase, PAPYRUS_PASSPHRASE is used or it is prompted for.",
			maxArgs: 2,
			run:     (*shell).doInit,
		},
		"ls": {
			usage:   "ls [group | record | group_name | group_id]",
			help:    "List all groups, all records, or the records of one group.",
			maxArgs: 1,
			run:     (*shell).doList,
		},
		"add": {
			usage:   "add group item value [note]",
			help:    "Add a record.",
			minArgs: 3, maxArgs: 4,
			run: withShellStore(func(w io.Writer, s *vault.Store, args []string) error {
				return addRecord(w, s, args)
			}),
		},
		"update": {
			usage:   "update record_id value [note]",
			help:    "Update the value and optionally the note of a record.",
			minArgs: 2, maxArgs: 3,
			run: withShellStore(updateRecord),
		},
		"delete": {
			usage:   "delete record_id",
			help:    "Delete a record.",
			minArgs: 1, maxArgs: 1,
			run: withShellStore(deleteRecord),
		},
		"move": {
			usage:   "move record_id group_id",
			help:    "Move a record to another group.",
			minArgs: 2, maxArgs: 2,
			run: withShellStore(moveRecord),
		},
		"get": {
			usage:   "get record_id",
			help:    "Print the value and note of a record.",
			minArgs: 1, maxArgs: 1,
			run: withShellStore(func(w io.Writer, s *vault.Store, args []string) error {
				return getRecord(w, s, audit.SourceShell, args)
			}),
		},
		"help": {
			usage:   "help [command]",
			help:    "Show the commands, or the help of one command.",
			maxArgs: 1,
			run:     (*shell).doHelp,
		},
		"quit": {
			usage: "quit",
			help:  "Exit the shell.",
			run:   func(*shell, []string) error { return errQuit },
		},
	}
}

func withShellStore(fn func(io.Writer, *vault.Store, []string) error) func(*shell, []string) error {
	return func(sh *shell, args []string) error {
		s, err := sh.session.Store()
		if err != nil {
			return errors.New("store is not open, run init first")
		}
		return fn(sh.out, s, args)
	}
}

// run reads commands until quit or end of input.
func (sh *shell) run() error {
	defer func() {
		if err := sh.session.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}()

	for {
		line, err := sh.in.ReadLine()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(sh.out)
			return nil
		}
		if err != nil {
			return err
		}
		if sh.exec(line) {
			return nil
		}
	}
}

// exec runs one line and reports whether the shell should stop.
func (sh *shell) exec(line string) bool {
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return false
	}

	name, args := argv[0], argv[1:]
	c, ok := shellCommands[name]
	if !ok {
		fmt.Fprintf(sh.out, "unknown command: %s (type `help`)\n", name)
		return false
	}
	if len(args) < c.minArgs || len(args) > c.maxArgs {
		fmt.Fprintf(sh.out, "usage: %s\nPlease type `help %s` for help.\n", c.usage, name)
		return false
	}

	if err := c.run(sh, args); err != nil {
		if errors.Is(err, errQuit) {
			return true
		}
		fmt.Fprintf(sh.out, "error: %v\n", err)
	}
	return false
}

func (sh *shell) doInit(args []string) error {
	if sh.session.State() == vault.StateReady {
		return errors.New("store is already open")
	}

	path := storePath
	if len(args) == 2 {
		path = args[1]
	}
	if path == "" {
		return errors.New("no store file: pass one to init or use --file")
	}

	passphrase, err := sh.passphrase(args)
	if err != nil {
		return err
	}

	// the audit logger is bound to the store path, known only now
	session := vault.NewSession(storeOptions(path, audit.SourceShell)...)
	if err := session.Initialize(path, passphrase); err != nil {
		return describeOpenError(path, err)
	}
	sh.session = session

	s, _ := session.Store()
	fmt.Fprintf(sh.out, "Opened %s (%d records)\n", path, s.Len())
	return nil
}

func (sh *shell) passphrase(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if p := os.Getenv(EnvPassphrase); p != "" {
		return p, nil
	}
	if sh.secret == nil {
		return "", errors.New("usage: init passphrase [file]")
	}
	p, err := sh.secret("Passphrase: ")
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return p, nil
}

func (sh *shell) doList(args []string) error {
	s, err := sh.session.Store()
	if err != nil {
		return errors.New("store is not open, run init first")
	}
	target := ""
	if len(args) == 1 {
		target = args[0]
	}
	return list(sh.out, s, audit.SourceShell, target, "", formatTable)
}

func (sh *shell) doHelp(args []string) error {
	if len(args) == 1 {
		c, ok := shellCommands[args[0]]
		if !ok {
			return fmt.Errorf("no help for %q", args[0])
		}
		fmt.Fprintf(sh.out, "Usage: %s\n\n%s\n", c.usage, c.help)
		return nil
	}

	names := make([]string, 0, len(shellCommands))
	for name := range shellCommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(sh.out, "Commands (type help <command>):")
	for _, name := range names {
		fmt.Fprintf(sh.out, "  %s\n", shellCommands[name].usage)
	}
	return nil
}
