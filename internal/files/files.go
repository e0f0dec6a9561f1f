// Package files owns the lifecycle of the staging files a transform reads from
// and writes to. Every file is created with a role prefix through the OS temp
// file allocator, so concurrent requests carrying identical names never share
// a path.
package files

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tengine/internal/logging"
)

// Role tags a staged file with its side of the transform.
type Role string

const (
	RoleSource Role = "source"
	RoleTarget Role = "target"
)

var (
	// ErrMissingFilename is returned when a name sanitises to nothing.
	ErrMissingFilename = errors.New("filename was not supplied")
	// ErrInvalidFilename is returned for names no filesystem accepts.
	ErrInvalidFilename = errors.New("filename is not valid")
	// ErrEmptyContent is returned when the source carries no bytes.
	ErrEmptyContent = errors.New("source content was empty")
	// ErrStorage marks local disk allocation or copy failures.
	ErrStorage = errors.New("staging storage failure")
)

// StagedFile is a file on local storage owned by a single transform.
type StagedFile struct {
	Path string
	Name string
	Role Role
	Size int64

	release sync.Once
}

// ReleaseFunc is notified after every release attempt.
type ReleaseFunc func(f *StagedFile, err error)

// Manager allocates, names and deletes staging files.
type Manager struct {
	dir       string
	logger    *slog.Logger
	onRelease ReleaseFunc
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithReleaseHook registers a callback observing each release, e.g. metrics.
func WithReleaseHook(fn ReleaseFunc) Option {
	return func(m *Manager) { m.onRelease = fn }
}

// NewManager creates dir if needed and returns a Manager staging files in it.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("staging dir %s: %w", dir, err)
	}
	m := &Manager{dir: dir}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger)
	return m, nil
}

// Dir returns the staging directory.
func (m *Manager) Dir() string { return m.dir }

// maxNameLen leaves room for the role prefix and random part CreateTemp adds
// within the usual 255 byte file name limit.
const maxNameLen = 200

// Sanitize keeps only the final path segment of name, shortened to
// maxNameLen bytes with its extension intact. It returns "" when nothing
// usable remains.
func Sanitize(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "." || name == ".." {
		return ""
	}
	return truncateName(name)
}

func truncateName(name string) string {
	if len(name) <= maxNameLen {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) > maxNameLen/4 {
		ext = ""
	}
	n := maxNameLen - len(ext)
	for n > 0 && !utf8.RuneStart(name[n]) {
		n--
	}
	return name[:n] + ext
}

func checkName(role Role, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%s %w", role, ErrMissingFilename)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%s %w", role, ErrInvalidFilename)
	}
	return nil
}

// Stage copies content into a new source_ file named after originalName.
func (m *Manager) Stage(originalName string, content io.Reader) (*StagedFile, error) {
	name := Sanitize(originalName)
	if err := checkName(RoleSource, name); err != nil {
		return nil, err
	}
	if content == nil {
		return nil, ErrEmptyContent
	}
	f, err := m.create(RoleSource, name)
	if err != nil {
		return nil, err
	}
	out, err := os.OpenFile(f.Path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		m.Release(f)
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorage, f.Path, err)
	}
	n, err := io.Copy(out, content)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		m.Release(f)
		return nil, fmt.Errorf("%w: failed to store the source file: %w", ErrStorage, err)
	}
	if n == 0 {
		m.Release(f)
		return nil, ErrEmptyContent
	}
	f.Size = n
	return f, nil
}

// Allocate reserves an empty target_ file for a transform to write into.
func (m *Manager) Allocate(targetName string) (*StagedFile, error) {
	name := Sanitize(targetName)
	if err := checkName(RoleTarget, name); err != nil {
		return nil, err
	}
	return m.create(RoleTarget, name)
}

func (m *Manager) create(role Role, name string) (*StagedFile, error) {
	tmp, err := os.CreateTemp(m.dir, string(role)+"_*_"+name)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s file: %w", ErrStorage, role, err)
	}
	path := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: create %s file: %w", ErrStorage, role, err)
	}
	return &StagedFile{Path: path, Name: name, Role: role}, nil
}

// Release deletes the file. Only the first call on a given file has effect.
// Failures are logged and reported to the release hook, never returned: by
// the time files are released the caller already has its answer.
func (m *Manager) Release(f *StagedFile) {
	if f == nil {
		return
	}
	f.release.Do(func() {
		err := os.Remove(f.Path)
		if errors.Is(err, os.ErrNotExist) {
			err = nil
		}
		if err != nil {
			m.logger.Warn("failed to delete staged file",
				slog.String("path", f.Path),
				slog.String("role", string(f.Role)),
				logging.Err(err),
				slog.String(logging.FieldEventType, "staging_cleanup_failed"),
			)
		}
		if m.onRelease != nil {
			m.onRelease(f, err)
		}
	})
}

// CleanStale removes source_ and target_ files older than maxAge left behind
// by an earlier process. It returns the removed paths.
func (m *Manager) CleanStale(maxAge time.Duration) []string {
	return cleanStale(m.dir, maxAge, m.logger)
}

func isStaged(name string) bool {
	return strings.HasPrefix(name, string(RoleSource)+"_") || strings.HasPrefix(name, string(RoleTarget)+"_")
}
