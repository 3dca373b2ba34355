//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// Unsupported platform: memory is still wiped on zeroize, but
	// swapping cannot be prevented.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
