package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingFile is an io.WriteCloser that appends to a log file and rotates
// it once it grows past maxSize, keeping at most maxFiles rotated copies.
type RotatingFile struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	fileSize int64
	maxSize  int64
	maxFiles int
}

// NewRotatingFile opens (or creates) path for appending
func NewRotatingFile(path string, maxSize int64, maxFiles int) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	return &RotatingFile{
		file:     file,
		filePath: path,
		fileSize: info.Size(),
		maxSize:  maxSize,
		maxFiles: maxFiles,
	}, nil
}

// Write appends p, rotating first when the size limit was reached
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}

	if r.maxSize > 0 && r.fileSize >= r.maxSize {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to rotate log file: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.fileSize += int64(n)
	return n, err
}

// Close closes the underlying file
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *RotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}

	rotatedPath := fmt.Sprintf("%s.%s", r.filePath, time.Now().Format("20060102-150405.000"))
	if err := os.Rename(r.filePath, rotatedPath); err != nil {
		return err
	}

	file, err := os.OpenFile(r.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	r.file = file
	r.fileSize = 0
	r.pruneRotated()

	return nil
}

// pruneRotated removes the oldest rotated copies beyond maxFiles
func (r *RotatingFile) pruneRotated() {
	if r.maxFiles <= 0 {
		return
	}

	dir := filepath.Dir(r.filePath)
	prefix := filepath.Base(r.filePath) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var rotated []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			rotated = append(rotated, e.Name())
		}
	}

	// Timestamp suffixes sort chronologically
	sort.Strings(rotated)
	for len(rotated) > r.maxFiles {
		_ = os.Remove(filepath.Join(dir, rotated[0]))
		rotated = rotated[1:]
	}
}
