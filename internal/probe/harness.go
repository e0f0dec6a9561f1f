// Package probe decides liveness and readiness by pushing a known test file
// through the real dispatch path and judging the result's size and timing.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"path"
	"strconv"
	"sync"
	"time"

	"tengine/internal/logging"
	"tengine/internal/transform"
)

// averageOver is the number of probes the adaptive budget is learned from.
// The first probe is excluded as warm-up.
const averageOver = 5

// Kind names a health check.
type Kind string

const (
	Liveness  Kind = "live"
	Readiness Kind = "ready"
)

// Dispatcher runs a probe request through the normal transform path.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *transform.Request) (*transform.Result, error)
}

// Report is the outcome of a health check.
type Report struct {
	OK      bool              `json:"ok"`
	Status  int               `json:"status"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

type Option func(*Harness)

func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(h *Harness) {
		if now != nil {
			h.now = now
		}
	}
}

// WithReportHook observes every check result, e.g. for metrics.
func WithReportHook(fn func(Kind, Report)) Option {
	return func(h *Harness) { h.hook = fn }
}

type Harness struct {
	cfg    Config
	files  fs.FS
	d      Dispatcher
	state  *State
	logger *slog.Logger
	now    func() time.Time
	hook   func(Kind, Report)

	mu           sync.Mutex
	running      bool
	probeStart   time.Time
	initialised  bool
	lastOK       bool
	lastProbeAt  time.Time
	lastCount    int64
	nextLiveness time.Time
	probes       int
	learned      time.Duration
	adaptive     time.Duration
}

// New builds a Harness. testFiles holds cfg.SourceFilename.
func New(cfg Config, testFiles fs.FS, d Dispatcher, state *State, opts ...Option) *Harness {
	h := &Harness{
		cfg:   cfg,
		files: testFiles,
		d:     d,
		state: state,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDefault(h.logger)
	return h
}

// Live reports whether the process is functioning. A probe that is still
// running fails the check only once it exceeds the liveness ceiling.
func (h *Harness) Live(ctx context.Context) Report {
	return h.report(Liveness, h.live(ctx))
}

// Ready reports whether the backend can currently serve traffic within
// budget. Earlier outcomes are reused until a re-probe is due.
func (h *Harness) Ready(ctx context.Context) Report {
	return h.report(Readiness, h.ready(ctx))
}

func (h *Harness) live(ctx context.Context) Report {
	if r, due := h.restartDue(); due {
		return r
	}
	h.mu.Lock()
	now := h.now()
	if h.running {
		elapsed := now.Sub(h.probeStart)
		ceiling := h.ceilingLocked()
		h.mu.Unlock()
		if ceiling > 0 && elapsed > ceiling {
			return h.failure(500, nil, "Probe transform has been running for %s, longer than %s", elapsed, ceiling)
		}
		return h.success("Success - Probe in progress.")
	}
	if !h.livenessProbeDueLocked(now) {
		h.mu.Unlock()
		return h.success("Success - No transform.")
	}
	h.startLocked(now)
	h.mu.Unlock()

	r := h.probe(ctx)
	h.mu.Lock()
	h.nextLiveness = h.now().Add(h.cfg.LivenessPeriod)
	h.mu.Unlock()
	return r
}

func (h *Harness) ready(ctx context.Context) Report {
	if r, due := h.restartDue(); due {
		return r
	}
	h.mu.Lock()
	now := h.now()
	if h.running {
		ok := h.initialised && h.lastOK
		h.mu.Unlock()
		if ok {
			return h.success("Success - No transform.")
		}
		return h.failure(503, nil, "Probe transform in progress")
	}
	if !h.readinessProbeDueLocked(now) {
		h.mu.Unlock()
		return h.success("Success - No transform.")
	}
	h.startLocked(now)
	h.mu.Unlock()

	return h.probe(ctx)
}

func (h *Harness) livenessProbeDueLocked(now time.Time) bool {
	if !h.cfg.LivenessTransform {
		return false
	}
	if !h.initialised {
		return true
	}
	if h.cfg.LivenessPeriod > 0 && !now.Before(h.nextLiveness) {
		return true
	}
	if ceiling := h.ceilingLocked(); ceiling > 0 {
		last := h.state.Snapshot().LastSuccess
		return last.IsZero() || now.Sub(last) > ceiling
	}
	return false
}

func (h *Harness) readinessProbeDueLocked(now time.Time) bool {
	switch {
	case !h.initialised, !h.lastOK:
		return true
	case h.cfg.ProbeEvery > 0 && h.state.Count()-h.lastCount >= h.cfg.ProbeEvery:
		return true
	case h.cfg.ProbeInterval > 0 && now.Sub(h.lastProbeAt) >= h.cfg.ProbeInterval:
		return true
	}
	return false
}

func (h *Harness) startLocked(now time.Time) {
	h.running = true
	h.probeStart = now
}

// restartDue reports a 429 once the process has done more transforms than
// allowed or any transform took longer than the ceiling.
func (h *Harness) restartDue() (Report, bool) {
	snap := h.state.Snapshot()
	if h.cfg.MaxTransforms > 0 && snap.Count > h.cfg.MaxTransforms {
		return h.failure(429, nil, "Transformer requested to die. It has performed more than %d transformations", h.cfg.MaxTransforms), true
	}
	if h.cfg.MaxTransformTime > 0 && snap.Longest > h.cfg.MaxTransformTime {
		return h.failure(429, nil, "Transformer requested to die. A transform took longer than %s", h.cfg.MaxTransformTime), true
	}
	return Report{}, false
}

// budgetLocked is the readiness time budget; zero means not yet known.
func (h *Harness) budgetLocked() time.Duration {
	if h.cfg.NormalTime > 0 {
		return h.cfg.NormalTime
	}
	return h.adaptive
}

func (h *Harness) ceilingLocked() time.Duration {
	if h.cfg.MaxTransformTime > 0 {
		return h.cfg.MaxTransformTime
	}
	return h.budgetLocked()
}

// probe runs one test transform. The caller has already marked the harness
// as running. The transform does not inherit the caller's cancellation: a
// health-check client giving up must not fail the probe.
func (h *Harness) probe(ctx context.Context) (r Report) {
	defer func() {
		h.mu.Lock()
		h.running = false
		h.initialised = true
		h.lastOK = r.OK
		h.lastProbeAt = h.now()
		h.lastCount = h.state.Count()
		h.mu.Unlock()
	}()
	return h.runProbe(context.WithoutCancel(ctx))
}

func (h *Harness) runProbe(ctx context.Context) Report {
	content, err := fs.ReadFile(h.files, h.cfg.SourceFilename)
	if err != nil {
		return h.failure(500, err, "Failed to read the probe test file %s", h.cfg.SourceFilename)
	}
	req := &transform.Request{
		RequestID:       "probe-" + strconv.FormatInt(h.state.Count()+1, 10),
		SourceFilename:  path.Base(h.cfg.SourceFilename),
		Content:         bytes.NewReader(content),
		SourceSize:      int64(len(content)),
		SourceMediaType: h.cfg.SourceMediaType,
		TargetMediaType: h.cfg.TargetMediaType,
		TargetFilename:  h.cfg.TargetFilename,
		Options:         maps.Clone(h.cfg.Options),
		TransformerName: h.cfg.Transformer,
	}
	h.mu.Lock()
	ceiling := h.ceilingLocked()
	h.mu.Unlock()
	if ceiling > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ceiling)
		defer cancel()
	}
	res, err := h.d.Dispatch(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return h.failure(500, err, "Transformer is taking more than %s", ceiling)
		}
		return h.failure(500, err, "Probe transform failed: %s", transform.AsError(err).Message)
	}

	h.mu.Lock()
	h.probes++
	if h.cfg.NormalTime == 0 && h.probes > 1 && h.probes <= averageOver {
		h.learned += res.Elapsed
		avg := h.learned / time.Duration(h.probes-1)
		h.adaptive = avg * time.Duration(100+h.cfg.LivenessPercent) / 100
	}
	budget := h.budgetLocked()
	h.mu.Unlock()

	detail := map[string]string{
		"size":    strconv.FormatInt(res.Size, 10),
		"elapsed": res.Elapsed.String(),
	}
	if budget > 0 {
		detail["budget"] = budget.String()
	}
	if h.cfg.ExpectedUnits > 0 {
		detail["expected_units"] = strconv.Itoa(h.cfg.ExpectedUnits)
	}
	if res.Size < h.cfg.MinSize || (h.cfg.MaxSize > 0 && res.Size > h.cfg.MaxSize) {
		r := h.failure(500, nil, "Transformer returned %d bytes, expected between %d and %d", res.Size, h.cfg.MinSize, h.cfg.MaxSize)
		maps.Copy(r.Detail, detail)
		return r
	}
	if budget > 0 && res.Elapsed > budget {
		r := h.failure(500, nil, "Transformer is taking more than %s (took %s)", budget, res.Elapsed)
		maps.Copy(r.Detail, detail)
		return r
	}
	r := h.success(fmt.Sprintf("Success - %s", res.Transformer))
	maps.Copy(r.Detail, detail)
	return r
}

func (h *Harness) success(msg string) Report {
	return Report{OK: true, Status: 200, Message: msg, Detail: h.detail()}
}

func (h *Harness) failure(status int, cause error, format string, args ...any) Report {
	r := Report{Status: status, Message: fmt.Sprintf(format, args...), Detail: h.detail()}
	if cause != nil {
		h.logger.Warn("probe failed", slog.String("message", r.Message), logging.Err(cause))
	}
	return r
}

func (h *Harness) detail() map[string]string {
	snap := h.state.Snapshot()
	d := map[string]string{
		"transforms":       strconv.FormatInt(snap.Count, 10),
		"last_duration":    snap.Last.String(),
		"longest_duration": snap.Longest.String(),
	}
	if !snap.LastSuccess.IsZero() {
		d["last_success"] = snap.LastSuccess.UTC().Format(time.RFC3339)
	}
	if snap.LastFailure != nil {
		d["last_failure"] = transform.AsError(snap.LastFailure).Message
	}
	return d
}

func (h *Harness) report(kind Kind, r Report) Report {
	if !r.OK {
		h.logger.Info("health check failed",
			slog.String("kind", string(kind)),
			slog.Int("status", r.Status),
			slog.String("message", r.Message),
			slog.String(logging.FieldEventType, "probe_failed"),
		)
	}
	if h.hook != nil {
		h.hook(kind, r)
	}
	return r
}
