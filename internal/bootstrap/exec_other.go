//go:build !unix

package bootstrap

import (
	"errors"
	"os"
	"os/exec"
)

// execBinary runs the binary as a child with inherited stdio, waits for it
// and returns its exit code.
func execBinary(binary string, args []string) (int, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 1, err
}
