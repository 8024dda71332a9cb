package cmd

import (
	"errors"
	"io/fs"
	"net"
	"net/url"
	"os"

	"github.com/adamancini/airdb/internal/backup"
	"github.com/adamancini/airdb/internal/bootstrap"
	"github.com/adamancini/airdb/internal/download"
	"github.com/adamancini/airdb/internal/lock"
	"github.com/adamancini/airdb/internal/manifest"
	"github.com/adamancini/airdb/internal/state"
	"github.com/adamancini/airdb/internal/updater"
	"github.com/adamancini/airdb/internal/verify"
	"github.com/adamancini/airdb/internal/versions"
)

// Process exit statuses.
const (
	ExitOK           = 0
	ExitError        = 1
	ExitNetwork      = 2
	ExitIO           = 3
	ExitVerification = 4
	ExitNotFound     = 5
	ExitLock         = 6
	ExitState        = 7
)

// ExitCode maps an error returned by Execute to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		checksum  *verify.ChecksumMismatchError
		netErr    *download.NetworkError
		respErr   *download.InvalidResponseError
		urlErr    *url.Error
		opErr     *net.OpError
		stateErr  *state.StateError
		transErr  *state.TransitionError
		pathErr   *fs.PathError
		linkErr   *os.LinkError
		syscallEr *os.SyscallError
	)

	switch {
	case lock.IsContention(err):
		return ExitLock
	case errors.As(err, &checksum),
		errors.Is(err, verify.ErrInvalidSignature),
		errors.Is(err, verify.ErrMissingPublicKey),
		errors.Is(err, updater.ErrSizeMismatch):
		return ExitVerification
	case errors.As(err, &netErr), errors.As(err, &respErr),
		errors.As(err, &urlErr), errors.As(err, &opErr):
		return ExitNetwork
	case errors.Is(err, versions.ErrVersionNotFound),
		errors.Is(err, versions.ErrTempNotFound),
		errors.Is(err, manifest.ErrNoArtifact),
		errors.Is(err, manifest.ErrNoRelease),
		errors.Is(err, bootstrap.ErrNoInstalledVersion),
		errors.Is(err, backup.ErrNotFound):
		return ExitNotFound
	case errors.As(err, &stateErr), errors.As(err, &transErr),
		errors.Is(err, state.ErrNoPendingVersion),
		errors.Is(err, updater.ErrUpdatePending),
		errors.Is(err, updater.ErrNoPendingUpdate),
		errors.Is(err, updater.ErrNothingToRollBack),
		errors.Is(err, versions.ErrVersionInUse):
		return ExitState
	case errors.As(err, &pathErr), errors.As(err, &linkErr), errors.As(err, &syscallEr):
		return ExitIO
	}
	return ExitError
}
