// Package artifacts keeps produced build artifacts in a flat retention
// directory, one file per build id.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,127}$`)

// Artifact describes a retained file.
type Artifact struct {
	ID      string
	Path    string
	Size    int64
	ModTime time.Time
}

// FSStore is a filesystem-based artifact store:
//
//	<base>/
//	  <build id>.<ext>
//	  .<build id>.tmp (only while a copy is in progress)
type FSStore struct {
	basePath string
	mu       sync.Mutex
}

// NewFSStore creates the store directory when missing.
func NewFSStore(basePath string) (*FSStore, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", basePath, err)
	}
	return &FSStore{basePath: basePath}, nil
}

// Dir returns the retention directory.
func (s *FSStore) Dir() string { return s.basePath }

func validID(id string) error {
	if !idPattern.MatchString(id) {
		return errors.ValidationError("invalid artifact id").WithContext("id", id).Build()
	}
	return nil
}

// Put copies src into the store as <id><ext of src>. The destination only
// appears once the copy is complete.
func (s *FSStore) Put(ctx context.Context, id, src string) (Artifact, error) {
	if err := validID(id); err != nil {
		return Artifact{}, err
	}

	in, err := os.Open(src) // #nosec G304 -- src is located inside the build's private workdir
	if err != nil {
		return Artifact{}, errors.FileSystemError("artifact not found").WithCause(err).WithContext("path", src).Build()
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return Artifact{}, errors.FileSystemError("stat artifact").WithCause(err).WithContext("path", src).Build()
	}
	if !info.Mode().IsRegular() {
		return Artifact{}, errors.FileSystemError("artifact is not a regular file").WithContext("path", src).Build()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := filepath.Join(s.basePath, "."+id+".tmp")
	dest := filepath.Join(s.basePath, id+strings.ToLower(filepath.Ext(src)))

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640) // #nosec G304 -- id validated
	if err != nil {
		return Artifact{}, errors.FileSystemError("create artifact").WithCause(err).WithContext("path", tmp).Build()
	}
	n, copyErr := io.Copy(out, &ctxReader{ctx: ctx, r: in})
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tmp)
		return Artifact{}, errors.FileSystemError("copy artifact").WithCause(copyErr).WithContext("path", dest).Build()
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return Artifact{}, errors.FileSystemError("commit artifact").WithCause(err).WithContext("path", dest).Build()
	}

	return Artifact{ID: id, Path: dest, Size: n, ModTime: time.Now()}, nil
}

// Stat returns the retained artifact for id.
func (s *FSStore) Stat(id string) (Artifact, error) {
	if err := validID(id); err != nil {
		return Artifact{}, err
	}
	matches, err := filepath.Glob(filepath.Join(s.basePath, id+".*"))
	if err != nil {
		return Artifact{}, errors.InternalError("glob artifacts").WithCause(err).Build()
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return Artifact{ID: id, Path: m, Size: info.Size(), ModTime: info.ModTime()}, nil
	}
	return Artifact{}, errors.NotFoundError("artifact not found").WithContext("build_id", id).Build()
}

// Delete removes every file retained for id, including an unfinished copy.
// Deleting a missing artifact is not an error.
func (s *FSStore) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.basePath, id+".*"))
	if err != nil {
		return errors.InternalError("glob artifacts").WithCause(err).Build()
	}
	matches = append(matches, filepath.Join(s.basePath, "."+id+".tmp"))
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return errors.FileSystemError("delete artifact").WithCause(err).WithContext("path", m).Build()
		}
	}
	return nil
}

// ListOlderThan returns retained artifacts last modified before cutoff.
func (s *FSStore) ListOlderThan(cutoff time.Time) ([]Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.olderThanLocked(cutoff, false)
}

// PurgeOlderThan deletes artifacts last modified before cutoff and returns
// the ids removed. Leftover temporary files are always removed.
func (s *FSStore) PurgeOlderThan(cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale, err := s.olderThanLocked(cutoff, true)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(stale))
	for _, a := range stale {
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			return removed, errors.FileSystemError("delete artifact").WithCause(err).WithContext("path", a.Path).Build()
		}
		removed = append(removed, a.ID)
	}
	return removed, nil
}

func (s *FSStore) olderThanLocked(cutoff time.Time, dropTemp bool) ([]Artifact, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, errors.FileSystemError("list artifacts").WithCause(err).WithContext("path", s.basePath).Build()
	}

	var out []Artifact
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		full := filepath.Join(s.basePath, name)
		if strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp") {
			if dropTemp {
				_ = os.Remove(full)
			}
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		out = append(out, Artifact{
			ID:      strings.TrimSuffix(name, filepath.Ext(name)),
			Path:    full,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
