package updater

import (
	"fmt"
	"net/http"

	"github.com/adamancini/airdb/internal/config"
	"github.com/adamancini/airdb/internal/download"
	"github.com/adamancini/airdb/internal/health"
	"github.com/adamancini/airdb/internal/lock"
	"github.com/adamancini/airdb/internal/manifest"
	"github.com/adamancini/airdb/internal/state"
	"github.com/adamancini/airdb/internal/verify"
	"github.com/adamancini/airdb/internal/versions"
)

// ReleasePublicKey is the hex ed25519 key releases are signed with. It is
// set at build time with -ldflags "-X"; the settings file can override it.
var ReleasePublicKey = ""

// FromConfig wires an updater for the installation managed by vm.
// appVersion is the running version, used as the first-run state and in the
// User-Agent.
func FromConfig(cfg *config.Config, vm *versions.Manager, appVersion string) (*Updater, error) {
	userAgent := "airdb-updater/" + appVersion
	client := &http.Client{Timeout: cfg.HTTPTimeout.Std()}

	var source manifest.Source
	if cfg.ManifestURL != "" {
		source = manifest.NewURLSource(cfg.ManifestURL).
			WithClient(client).
			WithUserAgent(userAgent)
	} else {
		source = manifest.NewGitHubSource(cfg.GitHub.Owner, cfg.GitHub.Repo).
			WithToken(cfg.GitHub.Token).
			WithClient(client).
			WithUserAgent(userAgent)
	}

	keyHex := cfg.PublicKey
	if keyHex == "" {
		keyHex = ReleasePublicKey
	}
	verifier := verify.NewVerifier(nil)
	if keyHex != "" {
		pub, err := verify.ParsePublicKey(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid release public key: %w", err)
		}
		verifier = verify.NewVerifier(pub)
	}
	verifier.AllowUnsigned(cfg.AllowUnsigned)

	machine := state.NewMachine(state.NewStore(vm.StatePath(), appVersion))

	u := New(vm, machine, lock.NewManager(vm.LocksDir()), source).
		WithVerifier(verifier).
		WithDownloader(download.New(download.WithUserAgent(userAgent))).
		WithChecker(health.NewChecker(health.Config{
			StartupTimeout: cfg.StartupTimeout.Std(),
			HealthCommand:  cfg.HealthCommand,
		})).
		WithKeep(cfg.KeepVersions)
	return u, nil
}
