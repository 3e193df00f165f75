package gatekeeper

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zip"

	"git.home.luguber.info/inful/pkgforge/internal/build"
	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
)

// zipMagic is the local file header signature every non-empty zip starts with.
var zipMagic = []byte("PK\x03\x04")

var driveLetter = regexp.MustCompile(`^[A-Za-z]:`)

// Limits bounds what an archive may contain.
type Limits struct {
	MaxEntryBytes int64
	MaxTotalBytes int64
	MaxEntries    int
	MaxIconBytes  int64
}

// DefaultLimits returns the stock ingress limits.
func DefaultLimits() Limits {
	return Limits{
		MaxEntryBytes: 50 << 20,
		MaxTotalBytes: 200 << 20,
		MaxEntries:    10000,
		MaxIconBytes:  1 << 20,
	}
}

// Entry is one validated archive member.
type Entry struct {
	// Name is the cleaned, slash-separated path relative to the extraction root.
	Name string
	Dir  bool
	// Size is the measured decompressed size.
	Size int64

	file *zip.File
}

// Manifest is the result of a successful inspection. It is the only input
// Extract accepts.
type Manifest struct {
	Entries    []Entry
	Files      int
	TotalBytes int64
}

// Gatekeeper applies ingress limits.
type Gatekeeper struct {
	limits Limits
}

// New creates a Gatekeeper. Zero limits fall back to defaults.
func New(limits Limits) *Gatekeeper {
	def := DefaultLimits()
	if limits.MaxEntryBytes <= 0 {
		limits.MaxEntryBytes = def.MaxEntryBytes
	}
	if limits.MaxTotalBytes <= 0 {
		limits.MaxTotalBytes = def.MaxTotalBytes
	}
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = def.MaxEntries
	}
	if limits.MaxIconBytes <= 0 {
		limits.MaxIconBytes = def.MaxIconBytes
	}
	return &Gatekeeper{limits: limits}
}

// Limits returns the effective limits.
func (g *Gatekeeper) Limits() Limits { return g.limits }

func archiveError(reason, entry string) error {
	b := errors.FieldError("archive", reason)
	if entry != "" {
		b = b.WithContext("entry", entry)
	}
	return b.Build()
}

// Inspect validates every entry of a zip archive without writing anything.
func (g *Gatekeeper) Inspect(archive []byte) (*Manifest, error) {
	if len(archive) < len(zipMagic) || !bytes.Equal(archive[:len(zipMagic)], zipMagic) {
		return nil, archiveError("not a zip archive", "")
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, errors.FieldError("archive", "corrupt zip archive").WithCause(err).Build()
	}
	if len(zr.File) > g.limits.MaxEntries {
		return nil, errors.FieldError("archive", "too many entries").
			WithContext("entries", len(zr.File)).
			WithContext("maximum", g.limits.MaxEntries).
			Build()
	}

	m := &Manifest{Entries: make([]Entry, 0, len(zr.File))}
	seen := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		name, err := cleanEntryName(f.Name)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}
		if seen[name] {
			return nil, archiveError("duplicate entry", f.Name)
		}
		seen[name] = true

		mode := f.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			return nil, archiveError("symbolic links are not allowed", f.Name)
		case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
			m.Entries = append(m.Entries, Entry{Name: name, Dir: true, file: f})
			continue
		case !mode.IsRegular():
			return nil, archiveError("unsupported entry type", f.Name)
		}

		if f.UncompressedSize64 > uint64(g.limits.MaxEntryBytes) {
			return nil, errors.FieldError("archive", "entry exceeds size limit").
				WithContext("entry", f.Name).
				WithContext("maximum", g.limits.MaxEntryBytes).
				Build()
		}
		size, err := measure(f, g.limits.MaxEntryBytes)
		if err != nil {
			return nil, err
		}
		m.TotalBytes += size
		if m.TotalBytes > g.limits.MaxTotalBytes {
			return nil, errors.FieldError("archive", "archive exceeds total size limit").
				WithContext("maximum", g.limits.MaxTotalBytes).
				Build()
		}
		m.Entries = append(m.Entries, Entry{Name: name, Size: size, file: f})
		m.Files++
	}

	if m.Files == 0 {
		return nil, archiveError("archive contains no files", "")
	}
	return m, nil
}

// measure decompresses f into a discard sink, failing once limit is exceeded.
// Declared sizes are attacker controlled, so only the measured size is trusted.
func measure(f *zip.File, limit int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, errors.FieldError("archive", "unreadable entry").WithCause(err).WithContext("entry", f.Name).Build()
	}
	defer func() { _ = rc.Close() }()

	n, err := io.Copy(io.Discard, io.LimitReader(rc, limit+1))
	if err != nil {
		return 0, errors.FieldError("archive", "corrupt entry").WithCause(err).WithContext("entry", f.Name).Build()
	}
	if n > limit {
		return 0, errors.FieldError("archive", "entry exceeds size limit").
			WithContext("entry", f.Name).
			WithContext("maximum", limit).
			Build()
	}
	return n, nil
}

// cleanEntryName returns the slash-separated local path for a zip member, or
// an error when the name could resolve outside the extraction root. The root
// itself ("./" or "/") yields an empty name.
func cleanEntryName(raw string) (string, error) {
	escape := func() (string, error) {
		return "", archiveError("path escapes extraction root", raw)
	}

	if raw == "" || strings.ContainsRune(raw, 0) {
		return escape()
	}
	if strings.Contains(raw, `\`) || strings.HasPrefix(raw, "/") || driveLetter.MatchString(raw) {
		return escape()
	}
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return escape()
		}
	}

	cleaned := path.Clean(raw)
	if cleaned == "." {
		return "", nil
	}
	if !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return escape()
	}
	return cleaned, nil
}

// Extract writes an inspected manifest below root. Directories are created
// 0750 and files 0640. Existing files are never overwritten.
func (g *Gatekeeper) Extract(m *Manifest, root string) error {
	if m == nil {
		return errors.InternalError("extract called without an inspected manifest").Build()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return errors.FileSystemError("failed to create extraction root").WithCause(err).WithContext("path", root).Build()
	}

	for _, e := range m.Entries {
		dest, err := securejoin.SecureJoin(root, filepath.FromSlash(e.Name))
		if err != nil {
			return errors.FileSystemError("failed to resolve entry destination").WithCause(err).WithContext("entry", e.Name).Build()
		}
		if e.Dir {
			if err := os.MkdirAll(dest, 0o750); err != nil {
				return errors.FileSystemError("failed to create directory").WithCause(err).WithContext("entry", e.Name).Build()
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return errors.FileSystemError("failed to create directory").WithCause(err).WithContext("entry", e.Name).Build()
		}
		if err := writeEntry(e, dest); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(e Entry, dest string) error {
	rc, err := e.file.Open()
	if err != nil {
		return errors.FileSystemError("failed to open entry").WithCause(err).WithContext("entry", e.Name).Build()
	}
	defer func() { _ = rc.Close() }()

	// #nosec G304 -- dest is confined to root by SecureJoin
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return errors.FileSystemError("failed to create file").WithCause(err).WithContext("entry", e.Name).Build()
	}
	n, copyErr := io.Copy(out, io.LimitReader(rc, e.Size+1))
	closeErr := out.Close()
	if copyErr != nil {
		return errors.FileSystemError("failed to write file").WithCause(copyErr).WithContext("entry", e.Name).Build()
	}
	if closeErr != nil {
		return errors.FileSystemError("failed to write file").WithCause(closeErr).WithContext("entry", e.Name).Build()
	}
	if n != e.Size {
		return errors.FileSystemError(fmt.Sprintf("entry size changed after inspection (%d != %d)", n, e.Size)).
			WithContext("entry", e.Name).
			Build()
	}
	return nil
}

type boundSource struct {
	g *Gatekeeper
	m *Manifest
}

func (s boundSource) Extract(root string) error { return s.g.Extract(s.m, root) }

// Source binds an inspected manifest to this gatekeeper so a build can
// extract it later.
func (g *Gatekeeper) Source(m *Manifest) build.Source {
	return boundSource{g: g, m: m}
}
