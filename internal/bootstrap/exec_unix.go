//go:build unix

package bootstrap

import (
	"os"

	"golang.org/x/sys/unix"
)

// execBinary replaces the current process. It only returns on failure.
func execBinary(binary string, args []string) (int, error) {
	argv := append([]string{binary}, args...)
	if err := unix.Exec(binary, argv, os.Environ()); err != nil {
		return 1, err
	}
	return 0, nil
}
