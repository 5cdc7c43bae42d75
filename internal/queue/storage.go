package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Area is one of the queue root's subdirectories
type Area string

const (
	// Temp holds messages still being received
	Temp Area = "temp"
	// Pending holds messages waiting for delivery
	Pending Area = "queue"
	// Failed holds messages that will not be retried
	Failed Area = "failed"
)

// Areas lists every area in display order
var Areas = []Area{Pending, Failed, Temp}

// MessageExt is the extension of every message file
const MessageExt = ".eml"

// ErrInvalidName is returned for names that are not plain message file names
var ErrInvalidName = errors.New("invalid message file name")

// Entry describes a message file
type Entry struct {
	Name    string
	Area    Area
	Size    int64
	ModTime time.Time
}

// FileStorage lays out the queue root and moves message files between its areas.
// A file in Pending is owned by the Processor until it is removed or moved to Failed.
type FileStorage struct {
	root string
}

// NewFileStorage creates the area directories under root if needed
func NewFileStorage(root string) (*FileStorage, error) {
	fs := &FileStorage{root: root}
	for _, area := range Areas {
		if err := os.MkdirAll(fs.Dir(area), 0700); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}
	return fs, nil
}

// Root returns the queue root directory
func (fs *FileStorage) Root() string {
	return fs.root
}

// Dir returns the directory of area
func (fs *FileStorage) Dir(area Area) string {
	return filepath.Join(fs.root, string(area))
}

// Path returns the location of name inside area
func (fs *FileStorage) Path(area Area, name string) string {
	return filepath.Join(fs.Dir(area), name)
}

// CreateTemp opens a new, uniquely named message file in the temp area
func (fs *FileStorage) CreateTemp() (*os.File, error) {
	name := uuid.NewString() + MessageExt
	f, err := os.OpenFile(fs.Path(Temp, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp message file: %w", err)
	}
	return f, nil
}

// Intake moves a completed temp file into the pending area. Once it returns
// without error the message survives a restart.
func (fs *FileStorage) Intake(tmpPath string) (string, error) {
	name := filepath.Base(tmpPath)
	if err := checkName(name); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, fs.Path(Pending, name)); err != nil {
		return "", fmt.Errorf("failed to queue message: %w", err)
	}
	return name, nil
}

// Fail moves name from the pending area to the failed area
func (fs *FileStorage) Fail(name string) error {
	return fs.move(name, Pending, Failed)
}

// Replay moves name from the failed area back into the pending area
func (fs *FileStorage) Replay(name string) error {
	return fs.move(name, Failed, Pending)
}

// ReplayAll moves every failed message back into the pending area
func (fs *FileStorage) ReplayAll() (int, error) {
	entries, err := fs.List(Failed)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := fs.Replay(e.Name); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}

// Remove deletes name from the pending area
func (fs *FileStorage) Remove(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := os.Remove(fs.Path(Pending, name)); err != nil {
		return fmt.Errorf("failed to delete message file: %w", err)
	}
	return nil
}

// Exists reports whether name is present in area
func (fs *FileStorage) Exists(area Area, name string) bool {
	_, err := os.Stat(fs.Path(area, name))
	return err == nil
}

// CleanTemp removes files left in the temp area by interrupted sessions
func (fs *FileStorage) CleanTemp() (int, error) {
	entries, err := fs.List(Temp)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		_ = os.Remove(fs.Path(Temp, e.Name))
	}
	return len(entries), nil
}

// List returns the message files in area, oldest first
func (fs *FileStorage) List(area Area) ([]Entry, error) {
	files, err := os.ReadDir(fs.Dir(area))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}

	entries := make([]Entry, 0, len(files))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != MessageExt {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue // removed while listing
		}
		entries = append(entries, Entry{
			Name:    file.Name(),
			Area:    area,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].ModTime.Before(entries[j].ModTime)
	})

	return entries, nil
}

func (fs *FileStorage) move(name string, from, to Area) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := os.Rename(fs.Path(from, name), fs.Path(to, name)); err != nil {
		return fmt.Errorf("failed to move message from %s to %s: %w", from, to, err)
	}
	return nil
}

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || filepath.Ext(name) != MessageExt {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
