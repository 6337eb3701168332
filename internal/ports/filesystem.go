package ports

import (
	"io/fs"
	"time"
)

// FileSystem abstracts local file operations for testing the LocalRuntime's
// file operation layer without touching the real disk.
type FileSystem interface {
	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// WriteFile writes data to the named file, creating it if necessary.
	WriteFile(name string, data []byte, perm fs.FileMode) error

	// Stat returns file info for the named file, following symlinks.
	Stat(name string) (fs.FileInfo, error)

	// Lstat returns file info without following symlinks.
	Lstat(name string) (fs.FileInfo, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm fs.FileMode) error

	// Mkdir creates a single directory; fails if the parent is missing.
	Mkdir(path string, perm fs.FileMode) error

	// Remove removes the named file or empty directory.
	Remove(name string) error

	// RemoveAll removes the named path and any children it contains.
	RemoveAll(path string) error

	// Rename renames (moves) oldpath to newpath. Must be atomic on POSIX.
	Rename(oldpath, newpath string) error

	// Chmod changes the mode of the named file.
	Chmod(name string, mode fs.FileMode) error

	// ReadDir reads the named directory and returns a list of entries.
	ReadDir(name string) ([]fs.DirEntry, error)

	// UserHomeDir returns the current user's home directory.
	UserHomeDir() (string, error)

	// Getenv retrieves the value of the environment variable named by the key.
	Getenv(key string) string
}
