// Package fsutil holds small filesystem helpers shared by the stores.
package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// DirPerm is the permission mode for credential directories.
	DirPerm = fs.FileMode(0o700)

	// FilePerm is the permission mode for credential files.
	FilePerm = fs.FileMode(0o600)
)

// WriteFileAtomic writes data to a temp file next to path, syncs it, and
// renames it over path. A crash leaves either the old or the new file,
// never a truncated one.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}

	tmpName := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}

	committed = true

	return nil
}

// InsecurePerm reports whether mode grants any group or world access.
func InsecurePerm(mode fs.FileMode) bool {
	return mode.Perm()&0o077 != 0
}
