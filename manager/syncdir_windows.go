package manager

// syncDir is a no-op on windows, directories cannot be synced.
func syncDir(dir string) error {
	return nil
}
