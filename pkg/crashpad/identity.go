// identity.go persists the per-installation identifier.

package crashpad

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// InstallIDFile is the name of the install ID file inside the crashpad
// directory.
const InstallIDFile = "install_id"

// LoadOrCreateInstallID returns the install ID stored at path, creating it
// on first use. Creation writes a complete temporary file and publishes it
// with a hard link, which fails if path already exists; concurrent first
// runs therefore converge on a single value and readers never observe a
// partially written ID.
func LoadOrCreateInstallID(path string) (uuid.UUID, error) {
	id, err := readInstallID(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return uuid.Nil, err
	}

	candidate := uuid.New()
	if err := publishInstallID(path, candidate); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Lost the race. The winner's file is complete.
			return readInstallID(path)
		}
		return uuid.Nil, err
	}
	return candidate, nil
}

func readInstallID(path string) (uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return uuid.Nil, WrapErrorWithContext(PersistenceFailure, "invalid install id", err,
			map[string]any{"path": path})
	}
	return id, nil
}

func publishInstallID(path string, id uuid.UUID) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return WrapError(PersistenceFailure, "create install id directory", err)
	}

	file, err := os.CreateTemp(dir, "."+InstallIDFile+".*.tmp")
	if err != nil {
		return WrapError(PersistenceFailure, "create temporary install id", err)
	}
	tmpPath := file.Name()
	defer os.Remove(tmpPath)

	if _, err := file.WriteString(id.String() + "\n"); err != nil {
		file.Close()
		return WrapError(PersistenceFailure, "write temporary install id", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return WrapError(PersistenceFailure, "sync temporary install id", err)
	}
	if err := file.Close(); err != nil {
		return WrapError(PersistenceFailure, "close temporary install id", err)
	}

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return WrapError(PersistenceFailure, "publish install id", err)
	}
	syncDir(dir)
	return nil
}

// syncDir makes a rename or link in dir durable. Errors are ignored: not
// every filesystem supports fsync on a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
