// Package realfs provides a real implementation of the FileSystem port using the os package.
package realfs

import (
	"io/fs"
	"os"

	"github.com/recstack/rec/internal/ports"
)

// FS implements ports.FileSystem using the standard os package.
type FS struct{}

// New returns a new real FileSystem.
func New() *FS {
	return &FS{}
}

func (f *FS) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

func (f *FS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (f *FS) Stat(name string) (fs.FileInfo, error)  { return os.Stat(name) }
func (f *FS) Lstat(name string) (fs.FileInfo, error) { return os.Lstat(name) }

func (f *FS) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }
func (f *FS) Mkdir(path string, perm fs.FileMode) error    { return os.Mkdir(path, perm) }

func (f *FS) Remove(name string) error       { return os.Remove(name) }
func (f *FS) RemoveAll(path string) error    { return os.RemoveAll(path) }
func (f *FS) Rename(old, new string) error   { return os.Rename(old, new) }
func (f *FS) Chmod(name string, mode fs.FileMode) error { return os.Chmod(name, mode) }

func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(name) }

func (f *FS) UserHomeDir() (string, error) { return os.UserHomeDir() }
func (f *FS) Getenv(key string) string     { return os.Getenv(key) }

var _ ports.FileSystem = (*FS)(nil)
