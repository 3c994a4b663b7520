// Package filestore persists small JSON documents that several processes may
// write at once. Writers take a lock file, re-read the current document,
// apply their change and replace the file atomically.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ReadJSON decodes the document at path into v. A missing file is reported
// with an error satisfying errors.Is(err, os.ErrNotExist).
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// UpdateJSON runs mutate against the current contents of path while holding
// the file lock and writes the result back. A missing or unparsable file
// starts from the zero value of T.
func UpdateJSON[T any](path string, mutate func(doc *T) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	lock, err := acquireFileLock(path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	var doc T
	if existing, readErr := os.ReadFile(path); readErr == nil {
		if unmarshalErr := json.Unmarshal(existing, &doc); unmarshalErr != nil {
			var zero T
			doc = zero
		}
	} else if !errors.Is(readErr, os.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), readErr)
	}

	if err := mutate(&doc); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	return writeAtomic(path, data)
}

// writeAtomic writes to a temp file and renames it over path.
func writeAtomic(path string, data []byte) error {
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
