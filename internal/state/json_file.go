package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
)

// readJSON loads path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path is derived from the configured data dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.FileSystemError("failed to read state document").
			WithCause(err).
			WithContext("path", path).
			Build()
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.FileSystemError("corrupt state document").
			WithCause(err).
			WithContext("path", path).
			Build()
	}
	return nil
}

// writeJSONAtomic replaces path with the JSON encoding of v.
func writeJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.InternalError("failed to marshal state document").WithCause(err).Build()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.FileSystemError("failed to create state directory").
			WithCause(err).
			WithContext("path", path).
			Build()
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, perm); err != nil {
		return errors.FileSystemError("failed to write temporary state file").
			WithCause(err).
			WithContext("path", tempPath).
			Build()
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return errors.FileSystemError(fmt.Sprintf("failed to replace %s", filepath.Base(path))).
			WithCause(err).
			WithContext("path", path).
			Build()
	}
	return nil
}
