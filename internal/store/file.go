package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"mcsync/internal/keylock"
)

// File stores one JSON document per property under a directory. Writes go
// through a temp file and rename, so readers never see a partial document.
// Updates are serialized per property within the process.
type File struct {
	dir   string
	locks keylock.Map
}

// NewFile creates dir (0700) if needed and returns a File store on it.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("store: file directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(propertyID int64) string {
	return filepath.Join(f.dir, fmt.Sprintf("property-%d.json", propertyID))
}

func (f *File) Load(_ context.Context, propertyID int64) (PropertyState, error) {
	return f.read(propertyID)
}

func (f *File) Update(ctx context.Context, propertyID int64, fn func(*PropertyState) error) error {
	unlock := f.locks.Lock(propertyID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	st, err := f.read(propertyID)
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		return err
	}
	return f.write(propertyID, st)
}

func (f *File) read(propertyID int64) (PropertyState, error) {
	var st PropertyState
	data, err := os.ReadFile(f.path(propertyID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("store: read property %d: %w", propertyID, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return PropertyState{}, fmt.Errorf("store: decode property %d: %w", propertyID, err)
	}
	return st, nil
}

func (f *File) write(propertyID int64, st PropertyState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode property %d: %w", propertyID, err)
	}

	tmp, err := os.CreateTemp(f.dir, ".property-*.tmp")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write property %d: %w", propertyID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync property %d: %w", propertyID, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, f.path(propertyID)); err != nil {
		return fmt.Errorf("store: replace property %d: %w", propertyID, err)
	}
	return nil
}
