//go:build !unix

package objectstore

import (
	"errors"
	"fmt"
	"os"
)

// lockFile falls back to an exclusive-create marker file where flock is
// unavailable.
func lockFile(path string) (func() error, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, err
	}
	return func() error {
		return errors.Join(file.Close(), os.Remove(path))
	}, nil
}
