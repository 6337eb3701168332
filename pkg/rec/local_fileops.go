package rec

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/recstack/rec/internal/ports"
)

// localFileOps implements FileOps against the local filesystem, using
// injected ports so tests can run against a fake without touching disk.
type localFileOps struct {
	fs  ports.FileSystem
	rnd ports.Random
}

func newLocalFileOps(fs ports.FileSystem, rnd ports.Random) *localFileOps {
	return &localFileOps{fs: fs, rnd: rnd}
}

func (f *localFileOps) expand(pth string) (string, error) {
	if pth == "~" || strings.HasPrefix(pth, "~/") {
		home, err := f.fs.UserHomeDir()
		if err != nil {
			return "", NewError(KindConfiguration, "", "resolve home directory", err)
		}
		if pth == "~" {
			return home, nil
		}
		return filepath.Join(home, pth[2:]), nil
	}
	return pth, nil
}

func classifyOSErr(err error) *Error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NewFSError(FSReasonNotFound, "not found", err)
	case errors.Is(err, fs.ErrPermission):
		return NewFSError(FSReasonPermissionDenied, "permission denied", err)
	case errors.Is(err, fs.ErrExist):
		return NewFSError(FSReasonExists, "already exists", err)
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return NewError(KindFilesystem, "", pathErr.Op+" "+pathErr.Path, err)
	}
	return NewError(KindFilesystem, "", "filesystem operation", err)
}

func (f *localFileOps) Read(pth string) (io.ReadCloser, error) {
	real, err := f.expand(pth)
	if err != nil {
		return nil, err
	}
	data, err := f.fs.ReadFile(real)
	if err != nil {
		return nil, classifyOSErr(err)
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

// Write implements the same atomic algorithm as the SSH-backed
// counterpart, against the local filesystem (§4.5).
func (f *localFileOps) Write(pth string, content []byte) error {
	real, err := f.expand(pth)
	if err != nil {
		return err
	}

	if resolved, lerr := filepath.EvalSymlinks(real); lerr == nil {
		real = resolved
	}

	mode := fs.FileMode(0644)
	if info, serr := f.fs.Stat(real); serr == nil {
		mode = info.Mode()
	}

	tmp := filepath.Join(filepath.Dir(real), filepath.Base(real)+".tmp."+f.uniqueSuffix())

	if err := f.fs.WriteFile(tmp, content, mode); err != nil {
		return classifyOSErr(err)
	}
	if err := f.fs.Chmod(tmp, mode); err != nil {
		f.fs.Remove(tmp)
		return classifyOSErr(err)
	}
	if err := f.fs.Rename(tmp, real); err != nil {
		f.fs.Remove(tmp)
		return classifyOSErr(err)
	}

	return nil
}

func (f *localFileOps) uniqueSuffix() string {
	b := make([]byte, 8)
	f.rnd.Read(b)
	return fmt.Sprintf("%x", b)
}

func (f *localFileOps) Stat(pth string) (FileStat, error) {
	real, err := f.expand(pth)
	if err != nil {
		return FileStat{}, err
	}
	info, err := f.fs.Stat(real)
	if err != nil {
		return FileStat{}, classifyOSErr(err)
	}
	return FileStat{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    uint32(info.Mode().Perm()),
		Kind:    fileKindOf(info.Mode()),
	}, nil
}

func (f *localFileOps) Exists(pth string) (bool, error) {
	_, err := f.Stat(pth)
	if err == nil {
		return true, nil
	}
	if recErr, ok := err.(*Error); ok && recErr.Kind == KindFilesystem && recErr.FSReason == FSReasonNotFound {
		return false, nil
	}
	return false, err
}

func (f *localFileOps) Mkdir(pth string, recursive bool) error {
	real, err := f.expand(pth)
	if err != nil {
		return err
	}
	if recursive {
		return classifyOSErr(f.fs.MkdirAll(real, 0755))
	}
	return classifyOSErr(f.fs.Mkdir(real, 0755))
}

func (f *localFileOps) Remove(pth string, recursive bool) error {
	real, err := f.expand(pth)
	if err != nil {
		return err
	}
	if recursive {
		return classifyOSErr(f.fs.RemoveAll(real))
	}
	return classifyOSErr(f.fs.Remove(real))
}

func (f *localFileOps) List(pth string) ([]DirEntry, error) {
	real, err := f.expand(pth)
	if err != nil {
		return nil, err
	}
	entries, err := f.fs.ReadDir(real)
	if err != nil {
		return nil, classifyOSErr(err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, ierr := e.Info()
		mode := e.Type()
		if ierr == nil {
			mode = info.Mode()
		}
		out = append(out, DirEntry{Name: e.Name(), Kind: fileKindOf(mode)})
	}
	return out, nil
}
