//go:build !unix && !windows

package atomicfile

import "os"

// Replace renames from over to.
func Replace(from, to string) error {
	return os.Rename(from, to)
}
