package sftpd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"

	"github.com/reach-sh/reach/internal/pathpolicy"
)

// reachHandlers implements sftp.Handlers, translating standard SFTP
// operations: every path first passes through
// Path Policy, denials surface as sftp.ErrSSHFxPermissionDenied, and missing
// targets as sftp.ErrSSHFxNoSuchFile.
type reachHandlers struct {
	policy *pathpolicy.Policy
}

func newHandlers(policy *pathpolicy.Policy) sftp.Handlers {
	h := &reachHandlers{policy: policy}
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

func (h *reachHandlers) resolve(path string) (string, error) {
	resolved, err := h.policy.Resolve(path)
	if err != nil {
		// canonicalize still wants a best-effort absolute form so the
		// client can navigate and fail later with a clear error; but for
		// every other op a denial is terminal.
		if abs, absErr := filepath.Abs(path); absErr == nil {
			return abs, err
		}
		return path, err
	}
	return resolved, nil
}

// Fileread implements sftp.FileReader for "open" in read mode.
func (h *reachHandlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	resolved, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, sftp.ErrSSHFxPermissionDenied
	}
	f, err := os.Open(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sftp.ErrSSHFxNoSuchFile
		}
		return nil, sftp.ErrSSHFxPermissionDenied
	}
	return f, nil
}

// Filewrite implements sftp.FileWriter for "open" in write/append modes.
// Parent directories are created for write modes, matching write_file's
// own behavior in internal/agent/dispatch.
func (h *reachHandlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	resolved, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, sftp.ErrSSHFxPermissionDenied
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("sftpd: mkdir parent: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if r.Pflags().Append {
		flags |= os.O_APPEND
	} else if !r.Pflags().Trunc && r.Pflags().Write {
		// explicit non-truncating write still wants the file present.
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sftp.ErrSSHFxNoSuchFile
		}
		return nil, sftp.ErrSSHFxPermissionDenied
	}
	return f, nil
}

// Filecmd implements sftp.FileCmder: setstat, rename, rmdir, mkdir,
// symlink, remove.
func (h *reachHandlers) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Rename", "PosixRename":
		src, dst, err := h.policy.ResolvePair(r.Filepath, r.Target)
		if err != nil {
			return sftp.ErrSSHFxPermissionDenied
		}
		if err := os.Rename(src, dst); err != nil {
			return translateOSErr(err)
		}
		return nil
	case "Rmdir":
		resolved, err := h.resolve(r.Filepath)
		if err != nil {
			return sftp.ErrSSHFxPermissionDenied
		}
		return translateOSErr(os.Remove(resolved))
	case "Mkdir":
		resolved, err := h.resolve(r.Filepath)
		if err != nil {
			return sftp.ErrSSHFxPermissionDenied
		}
		mode := os.FileMode(0o755)
		if attrs := r.AttrFlags(); attrs.Permissions {
			mode = r.Attributes().FileMode().Perm()
		}
		return translateOSErr(os.Mkdir(resolved, mode))
	case "Remove":
		resolved, err := h.resolve(r.Filepath)
		if err != nil {
			return sftp.ErrSSHFxPermissionDenied
		}
		return translateOSErr(os.Remove(resolved))
	case "Symlink":
		_, dst, err := h.policy.ResolvePair(r.Filepath, r.Target)
		if err != nil {
			return sftp.ErrSSHFxPermissionDenied
		}
		return translateOSErr(os.Symlink(r.Filepath, dst))
	case "Setstat":
		resolved, err := h.resolve(r.Filepath)
		if err != nil {
			return sftp.ErrSSHFxPermissionDenied
		}
		if attrs := r.AttrFlags(); attrs.Permissions {
			return translateOSErr(os.Chmod(resolved, r.Attributes().FileMode().Perm()))
		}
		return nil
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

// Filelist implements sftp.FileLister: list_folder, stat, lstat. Readlink
// is answered as unsupported.
func (h *reachHandlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		resolved, err := h.resolve(r.Filepath)
		if err != nil {
			return nil, sftp.ErrSSHFxPermissionDenied
		}
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return nil, translateOSErr(err)
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			infos = append(infos, info)
		}
		return listerAt(infos), nil
	case "Stat", "Lstat":
		resolved, err := h.resolve(r.Filepath)
		if err != nil {
			return nil, sftp.ErrSSHFxPermissionDenied
		}
		var info os.FileInfo
		if r.Method == "Lstat" {
			info, err = os.Lstat(resolved)
		} else {
			info, err = os.Stat(resolved)
		}
		if err != nil {
			return nil, translateOSErr(err)
		}
		return listerAt([]os.FileInfo{info}), nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// listerAt adapts a plain []os.FileInfo to sftp.ListerAt.
type listerAt []os.FileInfo

func (l listerAt) ListAt(dest []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dest, l[offset:])
	if n < len(dest) {
		return n, io.EOF
	}
	return n, nil
}

func translateOSErr(err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return sftp.ErrSSHFxNoSuchFile
	}
	if os.IsPermission(err) {
		return sftp.ErrSSHFxPermissionDenied
	}
	return errors.New("sftpd: " + err.Error())
}
