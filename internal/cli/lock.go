package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/logging"
)

const lockFileName = "shiftsync.lock"

// dataLock is an exclusive claim on a data directory. The engine holds it
// for as long as it runs, and commands that change the queue or the draft
// hold it while they work, so two processes never persist over each other.
type dataLock struct {
	path string
}

// acquireDataLock claims dataDir. A lock left behind by a process that no
// longer exists is taken over.
func acquireDataLock(dataDir string) (*dataLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "create data directory", err)
	}
	path := filepath.Join(dataDir, lockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, apperrors.Wrap(apperrors.ErrStorage, "write lock file", werr)
			}
			return &dataLock{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "create lock file", err)
		}

		pid, alive := lockOwner(path)
		if alive {
			return nil, apperrors.New(apperrors.ErrStorage,
				fmt.Sprintf("data directory %s is in use by shiftsync (pid %d)", dataDir, pid))
		}
		logging.Warn("Removing stale lock file", map[string]interface{}{"path": path, "pid": pid})
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "remove stale lock file", err)
		}
	}
	return nil, apperrors.New(apperrors.ErrStorage, fmt.Sprintf("data directory %s is locked", dataDir))
}

// Release gives up the claim. It is safe to call more than once.
func (l *dataLock) Release() {
	if l == nil || l.path == "" {
		return
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn("Removing lock file failed", map[string]interface{}{"path": l.path, "error": err.Error()})
	}
	l.path = ""
}

// lockOwner reads the pid in a lock file and reports whether that process
// is still running. An unreadable file counts as held.
func lockOwner(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, !errors.Is(err, fs.ErrNotExist)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processAlive(pid)
}

func processAlive(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		// FindProcess only succeeds for live processes there.
		return true
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, os.ErrPermission)
}

// openExclusive opens the app for a command that changes persisted state.
// It refuses while another process, usually shiftsync run, holds the data
// directory; that process should be driven through its control API instead.
func openExclusive(cmd *cobra.Command, opts *RootOptions) (*App, func(), error) {
	lock, err := acquireDataLock(opts.Config.DataDir)
	if err != nil {
		msg := "data directory is busy"
		if opts.Config.ListenAddr != "" {
			msg += fmt.Sprintf("; use the control API at http://%s instead", opts.Config.ListenAddr)
		}
		return nil, nil, WrapExitError(ExitCommandError, msg, err)
	}
	app, err := NewApp(cmd.Context(), opts.Config)
	if err != nil {
		lock.Release()
		return nil, nil, WrapExitError(ExitCommandError, "failed to open", err)
	}
	return app, func() {
		app.Close()
		lock.Release()
	}, nil
}
