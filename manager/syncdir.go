//go:build !windows

package manager

import (
	"fmt"
	"os"
)

// syncDir opens a directory and syncs its contents to disk.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %v", err)
	}
	err = d.Sync()
	xerr := d.Close()
	if err == nil && xerr != nil {
		err = fmt.Errorf("closing directory after sync: %v", xerr)
	}
	return err
}
