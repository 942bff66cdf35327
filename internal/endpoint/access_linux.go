//go:build linux

package endpoint

import (
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

const (
	accessRead  = unix.R_OK
	accessWrite = unix.W_OK
)

func accessible(fs afero.Fs, path string, mode uint32) bool {
	if _, ok := fs.(*afero.OsFs); !ok {
		return true
	}
	return unix.Access(path, mode) == nil
}

// pseudoFile reports whether path lives on sysfs or debugfs, where
// attributes are written in place rather than truncated.
func pseudoFile(fs afero.Fs, path string) bool {
	if _, ok := fs.(*afero.OsFs); !ok {
		return false
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false
	}
	switch int64(st.Type) {
	case unix.SYSFS_MAGIC, unix.DEBUGFS_MAGIC:
		return true
	}
	return false
}
