package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage is matched by every *StorageError.
	ErrStorage = errors.New("store: storage error")

	// ErrCompute is matched by every *ComputeError.
	ErrCompute = errors.New("store: compute failed")

	// ErrOverCapacity is returned when an artifact alone exceeds the byte budget.
	ErrOverCapacity = errors.New("store: artifact exceeds capacity")
)

// StorageError reports a filesystem failure under the cache root.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrStorage.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// ComputeError wraps a failure of the compute function for a key. Nothing is
// published and the key stays uncached.
type ComputeError struct {
	Key Key
	Err error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("store: compute %s: %v", e.Key.Identity, e.Err)
}

func (e *ComputeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrCompute.
func (e *ComputeError) Is(target error) bool {
	return target == ErrCompute
}
