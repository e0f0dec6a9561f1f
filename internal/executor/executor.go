// Package executor defines the capability every transformation backend
// implements and the name-keyed table the dispatcher resolves backends from.
//
// An Executor receives staged file paths and never sees the request itself.
// Backends that can tell a caller's bad input apart from their own failure
// return an error wrapping *UnsupportedInputError; every other error is treated
// as a backend fault.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// SourceEncoding is the option key carrying the source text encoding. It is
// hidden from transformer selection but always handed to executors.
const SourceEncoding = "sourceEncoding"

type Executor interface {
	Transform(ctx context.Context, sourceType, targetType string, options map[string]string, sourcePath, targetPath string) error
}

// Func adapts an in-process function to Executor.
type Func func(ctx context.Context, sourceType, targetType string, options map[string]string, sourcePath, targetPath string) error

func (f Func) Transform(ctx context.Context, sourceType, targetType string, options map[string]string, sourcePath, targetPath string) error {
	return f(ctx, sourceType, targetType, options, sourcePath, targetPath)
}

// UnsupportedInputError reports that the source content cannot be
// transformed as requested, e.g. a corrupt or encrypted document.
type UnsupportedInputError struct {
	Reason string
	Err    error
}

func (e *UnsupportedInputError) Error() string { return e.Reason }

func (e *UnsupportedInputError) Unwrap() error { return e.Err }

// Unsupported builds an *UnsupportedInputError with the given reason.
func Unsupported(format string, args ...any) error {
	return &UnsupportedInputError{Reason: fmt.Sprintf(format, args...)}
}

// IsUnsupported returns the reason when err carries an UnsupportedInputError.
func IsUnsupported(err error) (string, bool) {
	var u *UnsupportedInputError
	if errors.As(err, &u) {
		return u.Reason, true
	}
	return "", false
}

// Set is a dispatch table of executors keyed by transformer name. An engine
// built around a single backend registers it as the fallback.
type Set struct {
	mu       sync.RWMutex
	byName   map[string]Executor
	fallback Executor
}

func NewSet() *Set {
	return &Set{byName: make(map[string]Executor)}
}

func (s *Set) Register(name string, e Executor) {
	s.mu.Lock()
	s.byName[name] = e
	s.mu.Unlock()
}

func (s *Set) SetFallback(e Executor) {
	s.mu.Lock()
	s.fallback = e
	s.mu.Unlock()
}

// Lookup returns the executor for name, or the fallback.
func (s *Set) Lookup(name string) (Executor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.byName[name]; ok {
		return e, true
	}
	if s.fallback != nil {
		return s.fallback, true
	}
	return nil, false
}

// Names lists explicitly registered transformer names in sorted order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byName))
	for n := range s.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
