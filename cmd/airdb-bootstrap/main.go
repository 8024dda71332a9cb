// Command airdb-bootstrap launches the installed airdb version selected by
// state.json. It is installed once and never replaced by updates.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/bootstrap"
	"github.com/adamancini/airdb/internal/logging"
	"github.com/adamancini/airdb/internal/platform"
	"github.com/adamancini/airdb/internal/state"
	"github.com/adamancini/airdb/internal/versions"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	p := platform.Detect()
	base, err := p.BaseDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: could not determine airdb directory:", err)
		return 1
	}

	vm := versions.NewManager(base, p)
	if err := logging.Init(logging.Options{
		Level: os.Getenv("AIRDB_LOG_LEVEL"),
		File:  filepath.Join(vm.LogsDir(), "bootstrap.log"),
		Tee:   true,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: could not open log file:", err)
	}

	boot := bootstrap.New(vm, state.NewStore(vm.StatePath(), version), version)
	code, err := boot.Run(os.Args[1:])
	if err != nil {
		log.Error(err)
	}
	return code
}
