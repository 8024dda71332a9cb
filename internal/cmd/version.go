package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamancini/airdb/internal/platform"
	"github.com/adamancini/airdb/internal/versions"
)

// versionInfo is the machine readable output of the version command.
type versionInfo struct {
	Version        string `json:"version" yaml:"version"`
	Commit         string `json:"commit" yaml:"commit"`
	Date           string `json:"date" yaml:"date"`
	Platform       string `json:"platform" yaml:"platform"`
	CurrentVersion string `json:"current_version,omitempty" yaml:"current_version,omitempty"`
	Home           string `json:"home,omitempty" yaml:"home,omitempty"`
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display the airdb CLI version and the version the installation currently
points at. Use 'airdb update check' to look for updates.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion()
		},
	}
}

func runVersion() error {
	out, err := newWriter()
	if err != nil {
		return err
	}

	p := platform.Detect()
	info := versionInfo{
		Version:  appVersion,
		Commit:   appCommit,
		Date:     appDate,
		Platform: p.String(),
	}
	if base, err := baseDir(); err == nil {
		info.Home = base
		if current, err := versions.NewManager(base, p).CurrentVersion(); err == nil {
			info.CurrentVersion = current
		}
	}

	if !out.IsText() {
		return out.Write(info)
	}

	fmt.Printf("airdb version %s (commit %s, built %s) %s\n", info.Version, info.Commit, info.Date, info.Platform)
	if info.CurrentVersion != "" {
		fmt.Printf("Installed version: %s\n", info.CurrentVersion)
	}
	return nil
}
