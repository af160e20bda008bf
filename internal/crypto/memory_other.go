//go:build !unix

package crypto

func lockMemory(_ []byte) error {
	return nil
}

func unlockMemory(_ []byte) error {
	return nil
}
