package mlog

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrCloseOldFile means a rotation happened, but the file that was rotated
// away failed to close.
var ErrCloseOldFile = errors.New("log file rotated, failed to close the old file")

// RotateFile is an append only log file that can be rotated by size.
// It implements zapcore.WriteSyncer.
type RotateFile struct {
	path string

	m    sync.Mutex
	f    *os.File
	size int64
}

// OpenRotateFile opens path for appending, creating it if needed.
func OpenRotateFile(path string) (*RotateFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RotateFile{path: path, f: f, size: fi.Size()}, nil
}

func (r *RotateFile) Write(b []byte) (int, error) {
	r.m.Lock()
	defer r.m.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}
	n, err := r.f.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *RotateFile) Sync() error {
	r.m.Lock()
	defer r.m.Unlock()
	if r.f == nil {
		return os.ErrClosed
	}
	return r.f.Sync()
}

func (r *RotateFile) Close() error {
	r.m.Lock()
	defer r.m.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Size returns the number of bytes in the current file.
func (r *RotateFile) Size() int64 {
	r.m.Lock()
	defer r.m.Unlock()
	return r.size
}

func (r *RotateFile) Path() string {
	return r.path
}

// RotateIfOversize moves the file to path.old, replacing any previous
// one, and continues in a new empty file once its size exceeds maxSize.
// It reports whether a rotation happened. A maxSize <= 0 never rotates.
// If the rotation happened but the old file failed to close, it returns
// true and an error wrapping ErrCloseOldFile.
func (r *RotateFile) RotateIfOversize(maxSize int64) (bool, error) {
	r.m.Lock()
	defer r.m.Unlock()

	if maxSize <= 0 || r.f == nil || r.size <= maxSize {
		return false, nil
	}

	closeErr := r.f.Close()
	renameErr := os.Rename(r.path, r.path+".old")

	// Keep logging even if the rename failed.
	flag := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if renameErr == nil {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(r.path, flag, 0644)
	if err != nil {
		r.f = nil
		return false, fmt.Errorf("reopen log file: %w", errors.Join(err, renameErr, closeErr))
	}
	r.f = f
	if renameErr != nil {
		return false, fmt.Errorf("rename log file: %w", renameErr)
	}
	r.size = 0
	if closeErr != nil {
		return true, fmt.Errorf("%w: %w", ErrCloseOldFile, closeErr)
	}
	return true, nil
}
