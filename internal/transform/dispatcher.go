// Package transform runs a single transformation request through the fixed
// sequence stage → resolve → execute → package → release, mapping every
// failure onto one Kind.
package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"tengine/internal/executor"
	"tengine/internal/files"
	"tengine/internal/logging"
	"tengine/internal/registry"
)

// Stager is the part of files.Manager the dispatcher needs.
type Stager interface {
	Stage(name string, content io.Reader) (*files.StagedFile, error)
	Allocate(name string) (*files.StagedFile, error)
	Release(f *files.StagedFile)
}

// Resolver maps a transformer name to its executor.
type Resolver interface {
	Lookup(name string) (executor.Executor, bool)
}

// Tracker is notified once when a dispatch starts and once when it ends.
type Tracker interface {
	Begin()
	Finish(elapsed time.Duration, err error)
}

// Observer receives an Entry for every finished dispatch.
type Observer interface {
	Started()
	Finished(Entry)
}

type noopTracker struct{}

func (noopTracker) Begin()                      {}
func (noopTracker) Finish(time.Duration, error) {}

type noopObserver struct{}

func (noopObserver) Started()       {}
func (noopObserver) Finished(Entry) {}

type Option func(*Dispatcher)

func WithTracker(t Tracker) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracker = t
		}
	}
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithTimeout bounds the executor step. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock replaces time.Now for elapsed-time measurement.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

type Dispatcher struct {
	files    Stager
	registry registry.Registry
	execs    Resolver
	tracker  Tracker
	observer Observer
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(stager Stager, reg registry.Registry, execs Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		files:    stager,
		registry: reg,
		execs:    execs,
		tracker:  noopTracker{},
		observer: noopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDefault(d.logger)
	return d
}

// scope owns the staged files of one dispatch.
type scope struct {
	files  Stager
	staged []*files.StagedFile
}

func (s *scope) add(f *files.StagedFile) { s.staged = append(s.staged, f) }

func (s *scope) release() {
	for _, f := range s.staged {
		s.files.Release(f)
	}
	s.staged = nil
}

// Dispatch runs req to completion. Staged files are released before it
// returns on every path, including cancellation. A panicking executor is
// reported as a BackendError.
// A non-nil error is always a *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	start := d.now()
	d.tracker.Begin()
	d.observer.Started()

	sc := &scope{files: d.files}
	defer sc.release()

	entry := Entry{
		RequestID:  req.RequestID,
		SourceType: req.SourceMediaType,
		TargetType: req.TargetMediaType,
		Started:    start,
	}
	res, err := d.run(ctx, req, sc, &entry)
	entry.Elapsed = d.now().Sub(start)

	if err != nil {
		e := AsError(err)
		entry.Status = e.Status()
		entry.Message = e.Message
		d.logFailure(&entry, e)
		d.observer.Finished(entry)
		d.tracker.Finish(entry.Elapsed, e)
		return nil, e
	}

	res.Elapsed = entry.Elapsed
	entry.Status = res.Status
	entry.TargetSize = res.Size
	d.logger.Info("transform completed",
		slog.String(logging.FieldRequestID, req.RequestID),
		slog.String(logging.FieldTransformer, res.Transformer),
		slog.Int64("source_size", entry.SourceSize),
		slog.Int64("target_size", res.Size),
		slog.Duration("elapsed", entry.Elapsed),
	)
	d.observer.Finished(entry)
	d.tracker.Finish(entry.Elapsed, nil)
	return res, nil
}

func (d *Dispatcher) run(ctx context.Context, req *Request, sc *scope, entry *Entry) (*Result, error) {
	src, err := d.files.Stage(req.SourceFilename, req.Content)
	if err != nil {
		return nil, sourceStagingError(err)
	}
	sc.add(src)
	entry.SourceSize = src.Size

	sel, err := d.resolve(req, src.Size)
	if err != nil {
		return nil, err
	}
	entry.Transformer = sel.Transformer

	exec, ok := d.execs.Lookup(sel.Transformer)
	if !ok {
		if sel.Forced {
			return nil, newError(NoMatchingTransformer, nil, "Transformer %q is not available", sel.Transformer)
		}
		return nil, newError(InternalError, nil, "No executor is registered for transformer %q", sel.Transformer)
	}

	dst, err := d.files.Allocate(req.targetName(src.Name))
	if err != nil {
		return nil, targetStagingError(err)
	}
	sc.add(dst)

	if err := d.execute(ctx, exec, req, sel, src, dst); err != nil {
		return nil, err
	}

	content, err := readTarget(dst.Path)
	if err != nil {
		return nil, newError(InternalError, err, "Could not read the target file")
	}
	return &Result{
		RequestID:   req.RequestID,
		Transformer: sel.Transformer,
		Content:     content,
		Size:        int64(len(content)),
		Status:      200,
	}, nil
}

// resolve picks the transformer. A caller-forced name is used verbatim;
// otherwise the registry sees the options without sourceEncoding.
func (d *Dispatcher) resolve(req *Request, size int64) (Selection, error) {
	sel := Selection{Options: selectionOptions(req.Options)}
	if req.TransformerName != "" {
		sel.Transformer = req.TransformerName
		sel.Forced = true
		d.logger.Debug("transformer forced by caller",
			slog.String(logging.FieldRequestID, req.RequestID),
			slog.String(logging.FieldTransformer, req.TransformerName),
		)
		return sel, nil
	}
	name, ok := d.registry.FindTransformerName(req.SourceMediaType, size, req.TargetMediaType, sel.Options)
	if !ok || name == "" {
		return sel, newError(NoMatchingTransformer, nil, "No transforms were able to handle the request")
	}
	sel.Transformer = name
	return sel, nil
}

func (d *Dispatcher) execute(ctx context.Context, exec executor.Executor, req *Request, sel Selection, src, dst *files.StagedFile) (err error) {
	execCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = newError(BackendError, fmt.Errorf("panic: %v", p), "Transformer %s failed", sel.Transformer)
		}
	}()
	err = exec.Transform(execCtx, req.SourceMediaType, req.TargetMediaType, sel.executorOptions(req.Options), src.Path, dst.Path)
	if err == nil {
		return nil
	}
	if reason, ok := executor.IsUnsupported(err); ok {
		return newError(UnsupportedInput, err, "%s", reason)
	}
	if ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return newError(BackendError, err, "Transform timed out after %s", d.timeout)
	}
	if ctx.Err() != nil {
		return newError(BackendError, err, "Transform was cancelled")
	}
	return newError(BackendError, err, "Transformer %s failed", sel.Transformer)
}

func readTarget(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return os.ReadFile(path)
}

func (d *Dispatcher) logFailure(entry *Entry, e *Error) {
	level := slog.LevelInfo
	switch {
	case e.severe:
		level = slog.LevelError
	case e.Kind == InvalidRequest, e.Kind == StorageError:
		level = slog.LevelWarn
	case e.Kind.Class() == ClassInternal:
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String(logging.FieldRequestID, entry.RequestID),
		slog.String("kind", e.Kind.String()),
		slog.Int("status", entry.Status),
		slog.Duration("elapsed", entry.Elapsed),
	}
	if entry.Transformer != "" {
		attrs = append(attrs, slog.String(logging.FieldTransformer, entry.Transformer))
	}
	if e.Err != nil {
		attrs = append(attrs, logging.Err(e.Err))
	}
	d.logger.LogAttrs(context.Background(), level, e.Message, attrs...)
}
