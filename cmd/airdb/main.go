package main

import (
	"fmt"
	"os"

	"github.com/adamancini/airdb/internal/cmd"
	"github.com/adamancini/airdb/internal/updater"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// releaseKey is the hex Ed25519 key releases are signed with, injected
	// with -ldflags "-X main.releaseKey=...".
	releaseKey = ""
)

func main() {
	if releaseKey != "" {
		updater.ReleasePublicKey = releaseKey
	}
	if err := cmd.Execute(version, commit, date); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cmd.ExitCode(err))
	}
}
