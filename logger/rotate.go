package logger

import (
	"fmt"
	"os"
	"sync"
)

// RotationStrategy selects what happens when a log file reaches its size cap.
type RotationStrategy string

const (
	// RotationTruncate empties the file in place.
	RotationTruncate RotationStrategy = "truncate"
	// RotationRotate renames the file to file.1, file.2, ... keeping a
	// configured number of old files.
	RotationRotate RotationStrategy = "rotate"
)

// RotatingWriter is an io.Writer for a log file with a size cap.
type RotatingWriter struct {
	path      string
	maxBytes  int64
	strategy  RotationStrategy
	keepFiles int

	mu   sync.Mutex
	file *os.File
	size int64
}

func NewRotatingWriter(path string, maxSizeMB int, strategy RotationStrategy, keepFiles int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if keepFiles <= 0 {
		keepFiles = 3
	}
	if strategy == "" {
		strategy = RotationTruncate
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	return &RotatingWriter{
		path:      path,
		maxBytes:  int64(maxSizeMB) * 1024 * 1024,
		strategy:  strategy,
		keepFiles: keepFiles,
		file:      f,
		size:      fi.Size(),
	}, nil
}

func (w *RotatingWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(b)) > w.maxBytes {
		if err := w.rollLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(b)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) rollLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	if w.strategy == RotationRotate {
		// Shift file.N-1 -> file.N, dropping the oldest.
		for i := w.keepFiles - 1; i >= 1; i-- {
			os.Rename(fmt.Sprintf("%s.%d", w.path, i), fmt.Sprintf("%s.%d", w.path, i+1))
		}
		if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
			return err
		}
	} else {
		if err := os.Truncate(w.path, 0); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	w.file = f
	w.size = 0
	return nil
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
