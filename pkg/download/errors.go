package download

import (
	"errors"
	"fmt"
)

var (
	errShortBody       = errors.New("response body ended before the expected length")
	errNotPrepared     = errors.New("download was not prepared")
	errCorruptSidecar  = errors.New("corrupt sidecar")
	errInvalidSegments = errors.New("invalid segments")
)

// StorageError is a filesystem failure. It is never retried.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op, path string, err error) error {
	return &StorageError{Op: op, Path: path, Err: err}
}
