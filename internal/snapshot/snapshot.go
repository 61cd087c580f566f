// Package snapshot writes and reads whole-document JSON snapshots atomically.
//
// A write goes to a sibling "<path>.tmp" file which is fsynced, closed and
// then renamed over the destination. The rename is the only step that
// replaces the previous snapshot, so a crash at any point leaves either the
// old or the new document on disk. Documents carry a BLAKE2b-256 checksum of
// their payload; a mismatch is reported as ErrCorrupt.
package snapshot

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"peersync/internal/constants"
	apperrors "peersync/internal/errors"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrNotFound is returned when no snapshot exists at the path
	ErrNotFound = errors.New("snapshot not found")
	// ErrCorrupt is returned when a snapshot cannot be decoded or fails its checksum
	ErrCorrupt = errors.New("snapshot corrupt")
)

// rename is swapped in tests to simulate an interrupted write.
var rename = os.Rename

type envelope struct {
	Version  int             `json:"version"`
	SavedAt  time.Time       `json:"savedAt"`
	Checksum string          `json:"checksum"`
	Data     json.RawMessage `json:"data"`
}

// TempPath returns the sibling temporary path used while writing path.
func TempPath(path string) string {
	return path + constants.SnapshotTempSuffix
}

// WriteJSON serializes v into a checksummed envelope and writes it atomically.
func WriteJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.NewPersistenceError("encode", path, err)
	}

	sum := blake2b.Sum256(data)
	encoded, err := json.Marshal(envelope{
		Version:  constants.SnapshotFormatVersion,
		SavedAt:  time.Now().UTC(),
		Checksum: hex.EncodeToString(sum[:]),
		Data:     data,
	})
	if err != nil {
		return apperrors.NewPersistenceError("encode", path, err)
	}

	return WriteFile(path, encoded, constants.SnapshotFileMode)
}

// WriteFile writes data to a temporary sibling of path and renames it into
// place. On any failure the temporary file is removed before returning.
func WriteFile(path string, data []byte, perm os.FileMode) (err error) {
	tmp := TempPath(path)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) // #nosec G304 - path built from validated data dir
	if err != nil {
		return apperrors.NewPersistenceError("create", tmp, err)
	}

	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return apperrors.NewPersistenceError("write", tmp, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return apperrors.NewPersistenceError("sync", tmp, err)
	}
	if err = f.Close(); err != nil {
		return apperrors.NewPersistenceError("close", tmp, err)
	}
	if err = rename(tmp, path); err != nil {
		return apperrors.NewPersistenceError("rename", path, err)
	}

	syncDir(filepath.Dir(path))
	return nil
}

// ReadJSON loads the snapshot at path into v.
func ReadJSON(path string, v interface{}) error {
	raw, err := os.ReadFile(path) // #nosec G304 - path built from validated data dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return apperrors.NewPersistenceError("read", path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if env.Version != constants.SnapshotFormatVersion {
		return fmt.Errorf("%w: %s: unsupported version %d", ErrCorrupt, path, env.Version)
	}

	sum := blake2b.Sum256(env.Data)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return fmt.Errorf("%w: %s: checksum mismatch", ErrCorrupt, path)
	}

	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

// RemoveStaleTemp deletes a temporary file left behind by a crash mid-write.
// It reports whether a file was removed.
func RemoveStaleTemp(path string) (bool, error) {
	err := os.Remove(TempPath(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apperrors.NewPersistenceError("cleanup", TempPath(path), err)
}

// syncDir flushes the directory entry so the rename itself is durable.
// Not every platform supports fsync on directories; failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
