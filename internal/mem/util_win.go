//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock has per-process quota limitations; rely on explicit
	// wiping instead of page locking here.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
