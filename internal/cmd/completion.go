package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion script",
		Long: `Generate shell completion script for airdb.

To load completions:

Bash:
  $ source <(airdb completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ airdb completion bash > /etc/bash_completion.d/airdb
  # macOS:
  $ airdb completion bash > $(brew --prefix)/etc/bash_completion.d/airdb

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it.  You can execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ airdb completion zsh > "${fpath[1]}/_airdb"

  # You will need to start a new shell for this setup to take effect.

  # Oh My Zsh:
  $ mkdir -p ~/.oh-my-zsh/completions
  $ airdb completion zsh > ~/.oh-my-zsh/completions/_airdb

Fish:
  $ airdb completion fish > ~/.config/fish/completions/airdb.fish

PowerShell:
  PS> airdb completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			}
			return nil
		},
	}
}
