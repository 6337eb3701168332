package rec

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/sftp"

	"github.com/recstack/rec/internal/ports"
)

// sshFileOps implements FileOps over SFTP on a leased connection.
// Tilde expansion uses a one-time cached $HOME probe rather than shell
// quoting tricks (§9 open question resolution).
type sshFileOps struct {
	lease *Lease

	mu         sync.Mutex
	sftpClient *sftp.Client
	homeCached string
	rnd        ports.Random
}

func newSSHFileOps(lease *Lease, rnd ports.Random) *sshFileOps {
	return &sshFileOps{lease: lease, rnd: rnd}
}

func (f *sshFileOps) client() (*sftp.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sftpClient != nil {
		return f.sftpClient, nil
	}

	c, err := sftp.NewClient(f.lease.Client())
	if err != nil {
		return nil, NewError(KindTransport, "", "open sftp session", err)
	}
	f.sftpClient = c
	return c, nil
}

func (f *sshFileOps) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sftpClient != nil {
		f.sftpClient.Close()
		f.sftpClient = nil
	}
}

// cacheHome runs "echo $HOME" once and remembers the result for tilde
// expansion, the way §4.5 mandates.
func (f *sshFileOps) cacheHome() (string, error) {
	f.mu.Lock()
	if f.homeCached != "" {
		home := f.homeCached
		f.mu.Unlock()
		return home, nil
	}
	f.mu.Unlock()

	session, err := f.lease.Client().NewSession()
	if err != nil {
		return "", NewError(KindTransport, "", "open home probe session", err)
	}
	defer session.Close()

	out, err := session.Output("echo $HOME")
	if err != nil {
		return "", NewError(KindTransport, "", "probe $HOME", err)
	}

	home := strings.TrimSpace(string(out))
	f.mu.Lock()
	f.homeCached = home
	f.mu.Unlock()
	return home, nil
}

func (f *sshFileOps) expand(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := f.cacheHome()
		if err != nil {
			return "", err
		}
		if p == "~" {
			return home, nil
		}
		return path.Join(home, p[2:]), nil
	}
	return p, nil
}

func classifySFTPErr(err error) *Error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return NewFSError(FSReasonNotFound, "not found", err)
	}
	if os.IsPermission(err) {
		return NewFSError(FSReasonPermissionDenied, "permission denied", err)
	}
	if status, ok := err.(*sftp.StatusError); ok {
		switch status.Code {
		case 2: // SSH_FX_NO_SUCH_FILE
			return NewFSError(FSReasonNotFound, "not found", err)
		case 3: // SSH_FX_PERMISSION_DENIED
			return NewFSError(FSReasonPermissionDenied, "permission denied", err)
		}
	}
	return NewError(KindTransport, "", "sftp operation", err)
}

func (f *sshFileOps) Read(pth string) (io.ReadCloser, error) {
	real, err := f.expand(pth)
	if err != nil {
		return nil, err
	}
	c, err := f.client()
	if err != nil {
		return nil, err
	}
	file, err := c.Open(real)
	if err != nil {
		return nil, classifySFTPErr(err)
	}
	return file, nil
}

// Write implements the atomic write algorithm of §4.5: resolve
// symlinks, stat for existing permission bits, write to a temp file in
// the same directory, chmod, then rename. On any failure between the
// temp write and the rename, the temp file is removed best-effort and
// the target is left untouched.
func (f *sshFileOps) Write(pth string, content []byte) error {
	real, err := f.expand(pth)
	if err != nil {
		return err
	}
	c, err := f.client()
	if err != nil {
		return err
	}

	if resolved, err := c.RealPath(real); err == nil {
		real = resolved
	}

	mode := os.FileMode(0644)
	if info, err := c.Stat(real); err == nil {
		mode = info.Mode()
	}

	tmp := path.Join(path.Dir(real), path.Base(real)+".tmp."+f.uniqueSuffix())

	tmpFile, err := c.Create(tmp)
	if err != nil {
		return classifySFTPErr(err)
	}

	if _, err := tmpFile.Write(content); err != nil {
		tmpFile.Close()
		c.Remove(tmp)
		return classifySFTPErr(err)
	}
	if err := tmpFile.Close(); err != nil {
		c.Remove(tmp)
		return classifySFTPErr(err)
	}

	if err := c.Chmod(tmp, mode); err != nil {
		c.Remove(tmp)
		return classifySFTPErr(err)
	}

	if err := c.PosixRename(tmp, real); err != nil {
		c.Remove(tmp)
		return classifySFTPErr(err)
	}

	return nil
}

func (f *sshFileOps) uniqueSuffix() string {
	b := make([]byte, 8)
	f.rnd.Read(b)
	return fmt.Sprintf("%x", b)
}

func (f *sshFileOps) Stat(pth string) (FileStat, error) {
	real, err := f.expand(pth)
	if err != nil {
		return FileStat{}, err
	}
	c, err := f.client()
	if err != nil {
		return FileStat{}, err
	}
	info, err := c.Stat(real)
	if err != nil {
		return FileStat{}, classifySFTPErr(err)
	}
	return toFileStat(info), nil
}

func (f *sshFileOps) Exists(pth string) (bool, error) {
	_, err := f.Stat(pth)
	if err == nil {
		return true, nil
	}
	if recErr, ok := err.(*Error); ok && recErr.Kind == KindFilesystem && recErr.FSReason == FSReasonNotFound {
		return false, nil
	}
	return false, err
}

func (f *sshFileOps) Mkdir(pth string, recursive bool) error {
	real, err := f.expand(pth)
	if err != nil {
		return err
	}
	c, err := f.client()
	if err != nil {
		return err
	}
	if recursive {
		return classifySFTPErr(c.MkdirAll(real))
	}
	return classifySFTPErr(c.Mkdir(real))
}

func (f *sshFileOps) Remove(pth string, recursive bool) error {
	real, err := f.expand(pth)
	if err != nil {
		return err
	}
	c, err := f.client()
	if err != nil {
		return err
	}
	if !recursive {
		return classifySFTPErr(c.Remove(real))
	}
	return classifySFTPErr(removeAllSFTP(c, real))
}

func removeAllSFTP(c *sftp.Client, real string) error {
	info, err := c.Stat(real)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return c.Remove(real)
	}

	entries, err := c.ReadDir(real)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := removeAllSFTP(c, path.Join(real, e.Name())); err != nil {
			return err
		}
	}
	return c.RemoveDirectory(real)
}

func (f *sshFileOps) List(pth string) ([]DirEntry, error) {
	real, err := f.expand(pth)
	if err != nil {
		return nil, err
	}
	c, err := f.client()
	if err != nil {
		return nil, err
	}
	entries, err := c.ReadDir(real)
	if err != nil {
		return nil, classifySFTPErr(err)
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), Kind: fileKindOf(e.Mode())})
	}
	return out, nil
}

func toFileStat(info os.FileInfo) FileStat {
	return FileStat{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    uint32(info.Mode().Perm()),
		Kind:    fileKindOf(info.Mode()),
	}
}

func fileKindOf(mode os.FileMode) FileKind {
	switch {
	case mode&os.ModeSymlink != 0:
		return KindSymlink
	case mode.IsDir():
		return KindDirectory
	case mode.IsRegular():
		return KindRegular
	default:
		return KindOther
	}
}
