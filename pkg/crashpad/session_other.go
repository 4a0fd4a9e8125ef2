//go:build !linux && !darwin

package crashpad

import (
	"errors"
	"os"
)

func openSession(string, sessionHeader) (*session, error) {
	return nil, errors.ErrUnsupported
}

func lockSession(string) (*os.File, bool, error) {
	return nil, false, errors.ErrUnsupported
}
