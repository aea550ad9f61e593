package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papyrus-vault/papyrus/internal/cli"
	"github.com/papyrus-vault/papyrus/pkg/vault"
)

// EnvCompletion opts in to completion of group names, which needs
// PAPYRUS_PASSPHRASE to open the store.
const EnvCompletion = "PAPYRUS_COMPLETION_ENABLED"

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(papyrus completion bash)

Zsh:
  $ papyrus completion zsh > "${fpath[1]}/_papyrus"

Fish:
  $ papyrus completion fish > ~/.config/fish/completions/papyrus.fish

PowerShell:
  PS> papyrus completion powershell >> $PROFILE

Dynamic completion (group names for ls):
  Set PAPYRUS_COMPLETION_ENABLED=1 and PAPYRUS_PASSPHRASE. Completion never
  prompts.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(out)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)

	lsCmd.ValidArgsFunction = completeLsTarget
}

// completeLsTarget completes the ls target with the fixed keywords and,
// when enabled, the group names of the store.
func completeLsTarget(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	candidates := []string{targetGroup, targetRecord}
	candidates = append(candidates, groupNamesForCompletion()...)

	var out []string
	for _, c := range candidates {
		if strings.HasPrefix(c, toComplete) {
			out = append(out, c)
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

// groupNamesForCompletion opens the store without prompting. Any failure
// yields no names, and no attempt is made while failed opens are on record. Completion runs without the root pre-run hook, so the
// config is loaded here.
func groupNamesForCompletion() []string {
	if os.Getenv(EnvCompletion) != "1" {
		return nil
	}
	passphrase := os.Getenv(EnvPassphrase)
	if passphrase == "" {
		return nil
	}
	if err := loadConfig(); err != nil {
		return nil
	}

	// after a failed open the env passphrase is likely stale; repeated TAB
	// presses must not walk the store into a cooldown
	if state, err := vault.LoadAttemptState(storePath); err != nil || state.FailedAttempts > 0 {
		return nil
	}

	s, err := vault.Open(storePath, passphrase)
	if err != nil {
		return nil
	}
	defer s.Close()
	return cli.GroupNames(s.Groups())
}
