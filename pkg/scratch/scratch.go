// Package scratch manages the directory holding uploaded attachment bytes.
//
// The directory is process-scoped: Reset empties it at startup and nothing
// written by a previous run is ever read back.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Dir is a scratch directory for uploaded files.
type Dir struct {
	root string
	seq  atomic.Uint64
	now  func() time.Time
}

// Open creates the directory if needed and returns a handle to it.
func Open(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving scratch dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	return &Dir{root: abs, now: time.Now}, nil
}

// Root returns the absolute directory path.
func (d *Dir) Root() string { return d.root }

// Reset removes every entry in the directory. It returns the number removed.
func (d *Dir) Reset() (int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, fmt.Errorf("reading scratch dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(d.root, e.Name())); err != nil {
			return removed, fmt.Errorf("removing %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// Create opens a new file named after the upload time and original filename.
// The caller owns the returned file and must close it.
func (d *Dir) Create(originalFilename string) (*os.File, error) {
	name := strconv.FormatInt(d.now().UnixNano(), 10) + "-" +
		strconv.FormatUint(d.seq.Add(1), 10) + "-" + SanitizeFilename(originalFilename)
	f, err := os.OpenFile(filepath.Join(d.root, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating scratch file: %w", err)
	}
	return f, nil
}

// Contains reports whether path lies inside the scratch directory.
func (d *Dir) Contains(path string) bool {
	rel, err := filepath.Rel(d.root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// maxFilenameBytes caps the kept tail of a sanitized filename.
const maxFilenameBytes = 128

// SanitizeFilename reduces a client-supplied filename to a safe base name.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case r == '/', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	if len(name) > maxFilenameBytes {
		start := len(name) - maxFilenameBytes
		for start < len(name) && !utf8.RuneStart(name[start]) {
			start++
		}
		name = name[start:]
	}
	return name
}
