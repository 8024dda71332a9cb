package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/config"
	"github.com/adamancini/airdb/internal/output"
	"github.com/adamancini/airdb/internal/platform"
	"github.com/adamancini/airdb/internal/state"
	"github.com/adamancini/airdb/internal/updater"
	"github.com/adamancini/airdb/internal/versions"
)

// baseDir returns the application data directory from --home or the
// platform default.
func baseDir() (string, error) {
	if homeDir != "" {
		return homeDir, nil
	}
	return platform.Detect().BaseDir()
}

// newWriter returns the stdout writer for the --output format.
func newWriter() (*output.Writer, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewWriter(os.Stdout, format).WithQuiet(quiet), nil
}

// env is everything a command needs to act on one installation.
type env struct {
	config     *config.Config
	configPath string
	versions   *versions.Manager
	updater    *updater.Updater
	out        *output.Writer
}

// newEnv loads the settings file and wires the updater for the installation.
func newEnv() (*env, error) {
	out, err := newWriter()
	if err != nil {
		return nil, err
	}

	base, err := baseDir()
	if err != nil {
		return nil, err
	}
	p := platform.Detect()
	if !p.IsSupported() {
		return nil, fmt.Errorf("unsupported platform: %s", p)
	}

	path, err := config.FindConfig(configPath, base)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		log.WithField("path", path).Debug("Loaded updater settings")
	}

	vm := versions.NewManager(base, p)
	if err := vm.Init(); err != nil {
		return nil, err
	}

	u, err := updater.FromConfig(cfg, vm, appVersion)
	if err != nil {
		return nil, err
	}
	if err := syncSettings(u, cfg); err != nil {
		return nil, err
	}

	return &env{config: cfg, configPath: path, versions: vm, updater: u, out: out}, nil
}

// syncSettings stores the configured rollback limit, and the channel when
// the settings file pins one, in the state file where the bootstrapper and
// later runs read them.
func syncSettings(u *updater.Updater, cfg *config.Config) error {
	st, err := u.Machine().State()
	if state.IsCorrupt(err) {
		log.WithError(err).Warn("State file is corrupt, run 'airdb update reset'")
		return nil
	}
	if err != nil {
		return err
	}
	if st.MaxFailedBoots != cfg.MaxFailedBoots {
		if _, err := u.Machine().SetMaxFailedBoots(cfg.MaxFailedBoots); err != nil {
			return err
		}
	}
	if cfg.Channel != "" && st.Channel != cfg.Channel {
		if _, err := u.SetChannel(cfg.Channel); err != nil {
			return err
		}
	}
	return nil
}
