//go:build linux || darwin

package crashpad

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// openSession creates a session file and locks it for the life of the
// process.
func openSession(dir string, header sessionHeader) (*session, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, WrapError(PersistenceFailure, "create sessions directory", err)
	}

	path := filepath.Join(dir, header.ReportID+sessionExt)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o600)
	if err != nil {
		return nil, WrapError(PersistenceFailure, "create session", err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		cleanup()
		return nil, fmt.Errorf("lock session: %w", err)
	}

	line, err := encodeSessionHeader(header)
	if err != nil {
		cleanup()
		return nil, err
	}
	if _, err := file.Write(line); err != nil {
		cleanup()
		return nil, WrapError(PersistenceFailure, "write session header", err)
	}
	if err := file.Sync(); err != nil {
		cleanup()
		return nil, WrapError(PersistenceFailure, "sync session header", err)
	}
	syncDir(dir)

	return &session{file: file, path: path}, nil
}

// lockSession opens an existing session and takes its lock without waiting.
// locked is false when another process still holds it.
func lockSession(path string) (file *os.File, locked bool, err error) {
	file, err = os.Open(path)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lock session %s: %w", path, err)
	}
	return file, true, nil
}
