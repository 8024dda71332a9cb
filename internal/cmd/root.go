package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/adamancini/airdb/internal/logging"
	"github.com/adamancini/airdb/internal/output"
)

var (
	// Global flags
	outputFormat string
	configPath   string
	homeDir      string
	verbose      bool
	quiet        bool
	logLevel     string
	logFile      string
)

// autoLogFile is the --log-file value used when the flag is given without a
// path.
const autoLogFile = "auto"

// Build information, set by Execute.
var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "airdb",
		Short: "Manage airdb installations and updates",
		Long: `airdb keeps several versions of the application side by side and switches
between them atomically.

Updates are downloaded, verified and installed next to the running version, then
picked up by the bootstrapper on the next launch. A version that fails to confirm
a healthy boot is rolled back automatically.`,
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}
	rootCmd.SetVersionTemplate("airdb {{.Version}}\n")

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json, yaml")
	flags.StringVar(&configPath, "config", "", "Path to the updater settings file")
	flags.StringVar(&homeDir, "home", "", "Application data directory (default: $AIRDB_HOME or the per-OS location)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Quiet mode (errors only)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	flags.StringVar(&logFile, "log-file", "", "Write logs to this file (without a value: logs/updater.log)")
	flags.Lookup("log-file").NoOptDefVal = autoLogFile

	// Add subcommands
	rootCmd.AddCommand(newUpdateCmd())
	rootCmd.AddCommand(newLocksCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newReleaseCmd())
	rootCmd.AddCommand(newCompletionCmd())

	// Register completion function for output flag
	_ = rootCmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return output.Formats(), cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("log-level", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"trace", "debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	return rootCmd
}

// Execute runs the CLI. Map the returned error to a process exit status with
// ExitCode.
func Execute(version, commit, date string) error {
	appVersion, appCommit, appDate = version, commit, date
	return NewRootCmd().Execute()
}

// setupLogging applies the logging flags. Without --log-level, -v selects
// debug, -q errors only, and the default keeps stderr to warnings.
func setupLogging() error {
	level := logLevel
	if level == "" {
		switch {
		case verbose:
			level = "debug"
		case quiet:
			level = "error"
		default:
			level = "warn"
		}
	}

	file := logFile
	if file == autoLogFile {
		base, err := baseDir()
		if err != nil {
			return err
		}
		file = filepath.Join(base, "logs", logging.FileName)
	}
	return logging.Init(logging.Options{Level: level, File: file})
}
