//go:build unix

package crypto

import (
	"golang.org/x/sys/unix"
)

// lockMemory keeps the pages backing b out of swap. Failure (for example a
// low RLIMIT_MEMLOCK) is not fatal; callers only lose the swap protection.
func lockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	return unix.Mlock(b)
}

func unlockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	return unix.Munlock(b)
}
