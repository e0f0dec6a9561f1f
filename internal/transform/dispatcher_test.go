package transform

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tengine/internal/executor"
	"tengine/internal/files"
	"tengine/internal/logging"
	"tengine/internal/registry"
)

// countingStager wraps a real files.Manager and counts lifecycle calls.
type countingStager struct {
	m        *files.Manager
	staged   int32
	alloc    int32
	released int32
}

func (c *countingStager) Stage(name string, r io.Reader) (*files.StagedFile, error) {
	f, err := c.m.Stage(name, r)
	if err == nil {
		atomic.AddInt32(&c.staged, 1)
	}
	return f, err
}

func (c *countingStager) Allocate(name string) (*files.StagedFile, error) {
	f, err := c.m.Allocate(name)
	if err == nil {
		atomic.AddInt32(&c.alloc, 1)
	}
	return f, err
}

func (c *countingStager) Release(f *files.StagedFile) {
	atomic.AddInt32(&c.released, 1)
	c.m.Release(f)
}

type countingTracker struct {
	begun    int64
	finished int64
	failed   int64
}

func (c *countingTracker) Begin() { atomic.AddInt64(&c.begun, 1) }
func (c *countingTracker) Finish(_ time.Duration, err error) {
	atomic.AddInt64(&c.finished, 1)
	if err != nil {
		atomic.AddInt64(&c.failed, 1)
	}
}

type captureObserver struct {
	mu      sync.Mutex
	started int
	entries []Entry
}

func (c *captureObserver) Started() {
	c.mu.Lock()
	c.started++
	c.mu.Unlock()
}

func (c *captureObserver) Finished(e Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

type fixture struct {
	dir      string
	stager   *countingStager
	tracker  *countingTracker
	observer *captureObserver
	execs    *executor.Set
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	m, err := files.NewManager(dir, files.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &fixture{
		dir:      dir,
		stager:   &countingStager{m: m},
		tracker:  &countingTracker{},
		observer: &captureObserver{},
		execs:    executor.NewSet(),
	}
}

func (f *fixture) dispatcher(reg registry.Registry, opts ...Option) *Dispatcher {
	opts = append([]Option{
		WithTracker(f.tracker),
		WithObserver(f.observer),
		WithLogger(logging.Discard()),
	}, opts...)
	return NewDispatcher(f.stager, reg, f.execs, opts...)
}

func (f *fixture) assertNoStagedFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty staging dir, found %d entries (first %s)", len(entries), entries[0].Name())
	}
	created := atomic.LoadInt32(&f.stager.staged) + atomic.LoadInt32(&f.stager.alloc)
	if released := atomic.LoadInt32(&f.stager.released); created != released {
		t.Fatalf("created %d staged files but released %d", created, released)
	}
}

func pdfRegistry(name string) registry.Registry {
	return registry.Func(func(src string, _ int64, dst string, _ map[string]string) (string, bool) {
		if src == "application/pdf" && dst == "text/plain" {
			return name, true
		}
		return "", false
	})
}

func writeTarget(content string) executor.Func {
	return func(_ context.Context, _, _ string, _ map[string]string, _, target string) error {
		return os.WriteFile(target, []byte(content), 0o644)
	}
}

func pdfRequest() *Request {
	return &Request{
		RequestID:       "req-1",
		SourceFilename:  "quick.pdf",
		Content:         strings.NewReader("%PDF-1.4 quick brown fox"),
		SourceMediaType: "application/pdf",
		TargetMediaType: "text/plain",
		TargetExtension: "txt",
	}
}

func wantKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if e.Kind != kind {
		t.Fatalf("kind = %s, want %s (%v)", e.Kind, kind, err)
	}
	return e
}

func TestDispatchPdfToTextSuccess(t *testing.T) {
	f := newFixture(t)
	f.execs.Register("pdfToText", writeTarget("quick brown fox"))
	d := f.dispatcher(pdfRegistry("pdfToText"))

	res, err := d.Dispatch(context.Background(), pdfRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(res.Content) != "quick brown fox" || res.Size != 15 {
		t.Fatalf("unexpected content %q size %d", res.Content, res.Size)
	}
	if res.Status != 200 || res.Transformer != "pdfToText" || res.RequestID != "req-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := atomic.LoadInt64(&f.tracker.begun); got != 1 {
		t.Fatalf("tracker begun = %d, want 1", got)
	}
	if f.stager.staged != 1 || f.stager.alloc != 1 || f.stager.released != 2 {
		t.Fatalf("stage=%d alloc=%d release=%d", f.stager.staged, f.stager.alloc, f.stager.released)
	}
	f.assertNoStagedFiles(t)
	if len(f.observer.entries) != 1 || f.observer.entries[0].Status != 200 || f.observer.entries[0].TargetSize != 15 {
		t.Fatalf("unexpected observer entries %+v", f.observer.entries)
	}
}

func TestDispatchUnsupportedInput(t *testing.T) {
	f := newFixture(t)
	f.execs.Register("pdfToText", executor.Func(func(context.Context, string, string, map[string]string, string, string) error {
		return executor.Unsupported("corrupt PDF")
	}))
	d := f.dispatcher(pdfRegistry("pdfToText"))

	_, err := d.Dispatch(context.Background(), pdfRequest())
	e := wantKind(t, err, UnsupportedInput)
	if e.Message != "corrupt PDF" || e.Status() != 400 {
		t.Fatalf("message=%q status=%d", e.Message, e.Status())
	}
	f.assertNoStagedFiles(t)
	if atomic.LoadInt64(&f.tracker.failed) != 1 {
		t.Fatal("tracker should record the failure")
	}
}

func TestDispatchMissingSourceFilename(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(pdfRegistry("pdfToText"))
	req := pdfRequest()
	req.SourceFilename = "../"

	_, err := d.Dispatch(context.Background(), req)
	e := wantKind(t, err, InvalidRequest)
	if e.Message != "The source filename was not supplied" {
		t.Fatalf("unexpected message %q", e.Message)
	}
	f.assertNoStagedFiles(t)
	if atomic.LoadInt64(&f.tracker.begun) != 1 {
		t.Fatal("tracker must count attempted transforms")
	}
}

func TestDispatchMissingTargetFilename(t *testing.T) {
	f := newFixture(t)
	f.execs.Register("pdfToText", writeTarget("x"))
	d := f.dispatcher(pdfRegistry("pdfToText"))
	req := pdfRequest()
	req.TargetExtension = ""

	_, err := d.Dispatch(context.Background(), req)
	e := wantKind(t, err, InvalidRequest)
	if e.Message != "The target filename was not supplied" {
		t.Fatalf("unexpected message %q", e.Message)
	}
	f.assertNoStagedFiles(t)
}

func TestDispatchEmptyContent(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(pdfRegistry("pdfToText"))
	req := pdfRequest()
	req.Content = strings.NewReader("")

	_, err := d.Dispatch(context.Background(), req)
	wantKind(t, err, InvalidRequest)
	f.assertNoStagedFiles(t)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no space left on device") }

func TestDispatchStorageError(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(pdfRegistry("pdfToText"))
	req := pdfRequest()
	req.Content = failingReader{}

	_, err := d.Dispatch(context.Background(), req)
	e := wantKind(t, err, StorageError)
	if e.Status() != 507 {
		t.Fatalf("status = %d, want 507", e.Status())
	}
	f.assertNoStagedFiles(t)
}

func TestDispatchOverlongNameIsNotStorageError(t *testing.T) {
	f := newFixture(t)
	f.execs.Register("pdfToText", writeTarget("quick brown fox"))
	d := f.dispatcher(pdfRegistry("pdfToText"))
	req := pdfRequest()
	req.SourceFilename = strings.Repeat("q", 300) + ".pdf"

	res, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(res.Content) != "quick brown fox" {
		t.Fatalf("unexpected content %q", res.Content)
	}
	f.assertNoStagedFiles(t)
}

func TestDispatchNulInNameIsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(pdfRegistry("pdfToText"))
	req := pdfRequest()
	req.SourceFilename = "quick\x00.pdf"

	_, err := d.Dispatch(context.Background(), req)
	e := wantKind(t, err, InvalidRequest)
	if e.Message != "The source filename is not valid" || e.Status() != 400 {
		t.Fatalf("message=%q status=%d", e.Message, e.Status())
	}
	f.assertNoStagedFiles(t)
}

func TestDispatchNoMatchReleasesSource(t *testing.T) {
	f := newFixture(t)
	var releasedBeforeReturn int32
	noMatch := registry.Func(func(string, int64, string, map[string]string) (string, bool) { return "", false })
	d := f.dispatcher(noMatch)

	req := pdfRequest()
	req.TargetMediaType = "image/x-unknown"
	_, err := d.Dispatch(context.Background(), req)
	releasedBeforeReturn = atomic.LoadInt32(&f.stager.released)

	e := wantKind(t, err, NoMatchingTransformer)
	if e.Message != "No transforms were able to handle the request" {
		t.Fatalf("unexpected message %q", e.Message)
	}
	if f.stager.staged != 1 || releasedBeforeReturn != 1 || f.stager.alloc != 0 {
		t.Fatalf("stage=%d alloc=%d release=%d", f.stager.staged, f.stager.alloc, releasedBeforeReturn)
	}
	f.assertNoStagedFiles(t)
}

func TestDispatchSourceEncodingHiddenFromRegistry(t *testing.T) {
	f := newFixture(t)
	var regOpts, execOpts map[string]string
	reg := registry.Func(func(_ string, _ int64, _ string, options map[string]string) (string, bool) {
		regOpts = options
		return "txtToPdf", true
	})
	f.execs.Register("txtToPdf", executor.Func(func(_ context.Context, _, _ string, options map[string]string, _, target string) error {
		execOpts = options
		return os.WriteFile(target, []byte("pdf"), 0o644)
	}))
	d := f.dispatcher(reg)

	req := pdfRequest()
	req.Options = map[string]string{executor.SourceEncoding: "UTF-8", "pageLimit": "2"}
	if _, err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, ok := regOpts[executor.SourceEncoding]; ok {
		t.Fatalf("registry saw %s: %v", executor.SourceEncoding, regOpts)
	}
	if regOpts["pageLimit"] != "2" {
		t.Fatalf("registry lost other options: %v", regOpts)
	}
	if execOpts[executor.SourceEncoding] != "UTF-8" || execOpts["pageLimit"] != "2" {
		t.Fatalf("executor options = %v", execOpts)
	}
	if req.Options[executor.SourceEncoding] != "UTF-8" || len(req.Options) != 2 {
		t.Fatalf("caller options were mutated: %v", req.Options)
	}
}

func TestDispatchForcedTransformerSkipsRegistry(t *testing.T) {
	f := newFixture(t)
	var regCalls int32
	reg := registry.Func(func(string, int64, string, map[string]string) (string, bool) {
		atomic.AddInt32(&regCalls, 1)
		return "other", true
	})
	f.execs.Register("pdfBox", writeTarget("boxed"))
	d := f.dispatcher(reg)

	req := pdfRequest()
	req.TransformerName = "pdfBox"
	res, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Transformer != "pdfBox" || regCalls != 0 {
		t.Fatalf("transformer=%s registry calls=%d", res.Transformer, regCalls)
	}

	req = pdfRequest()
	req.TransformerName = "missing"
	_, err = d.Dispatch(context.Background(), req)
	wantKind(t, err, NoMatchingTransformer)
	f.assertNoStagedFiles(t)
}

func TestDispatchUnregisteredExecutorIsInternal(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(pdfRegistry("ghost"))
	_, err := d.Dispatch(context.Background(), pdfRequest())
	wantKind(t, err, InternalError)
	f.assertNoStagedFiles(t)
}

func TestDispatchBackendError(t *testing.T) {
	f := newFixture(t)
	f.execs.Register("pdfToText", executor.Func(func(context.Context, string, string, map[string]string, string, string) error {
		return errors.New("renderer exited with code 139")
	}))
	d := f.dispatcher(pdfRegistry("pdfToText"))

	_, err := d.Dispatch(context.Background(), pdfRequest())
	e := wantKind(t, err, BackendError)
	if strings.Contains(e.Message, "139") {
		t.Fatalf("cause leaked into message %q", e.Message)
	}
	if e.Status() != 500 {
		t.Fatalf("status = %d", e.Status())
	}
	f.assertNoStagedFiles(t)
}

func TestDispatchTimeoutBoundsExecutor(t *testing.T) {
	f := newFixture(t)
	f.execs.Register("pdfToText", executor.Func(func(ctx context.Context, _, _ string, _ map[string]string, _, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	d := f.dispatcher(pdfRegistry("pdfToText"), WithTimeout(50*time.Millisecond))

	_, err := d.Dispatch(context.Background(), pdfRequest())
	e := wantKind(t, err, BackendError)
	if !strings.HasPrefix(e.Message, "Transform timed out after") {
		t.Fatalf("unexpected message %q", e.Message)
	}
	f.assertNoStagedFiles(t)
}

func TestDispatchCancelledStillReleases(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.execs.Register("pdfToText", executor.Func(func(ctx context.Context, _, _ string, _ map[string]string, _, _ string) error {
		cancel()
		return ctx.Err()
	}))
	d := f.dispatcher(pdfRegistry("pdfToText"))

	_, err := d.Dispatch(ctx, pdfRequest())
	wantKind(t, err, BackendError)
	f.assertNoStagedFiles(t)
}

func TestDispatchPanicIsBackendError(t *testing.T) {
	f := newFixture(t)
	f.execs.Register("pdfToText", executor.Func(func(context.Context, string, string, map[string]string, string, string) error {
		panic("renderer bug")
	}))
	d := f.dispatcher(pdfRegistry("pdfToText"))

	_, err := d.Dispatch(context.Background(), pdfRequest())
	e := wantKind(t, err, BackendError)
	if e.Message != "Transformer pdfToText failed" || e.Status() != 500 {
		t.Fatalf("message=%q status=%d", e.Message, e.Status())
	}
	if e.Err == nil || !strings.Contains(e.Err.Error(), "renderer bug") {
		t.Fatalf("cause should carry the panic value, got %v", e.Err)
	}
	if atomic.LoadInt64(&f.tracker.finished) != 1 || atomic.LoadInt64(&f.tracker.failed) != 1 {
		t.Fatalf("tracker finished=%d failed=%d, want 1/1", f.tracker.finished, f.tracker.failed)
	}
	if len(f.observer.entries) != 1 || f.observer.entries[0].Status != 500 {
		t.Fatalf("unexpected observer entries %+v", f.observer.entries)
	}
	f.assertNoStagedFiles(t)
}

func TestDispatchUnreadableTargetIsInternal(t *testing.T) {
	f := newFixture(t)
	f.execs.Register("pdfToText", executor.Func(func(_ context.Context, _, _ string, _ map[string]string, _, target string) error {
		return os.Remove(target)
	}))
	d := f.dispatcher(pdfRegistry("pdfToText"))

	_, err := d.Dispatch(context.Background(), pdfRequest())
	e := wantKind(t, err, InternalError)
	if e.Message != "Could not read the target file" {
		t.Fatalf("unexpected message %q", e.Message)
	}
	f.assertNoStagedFiles(t)
}

func TestDispatchConcurrentIdenticalNames(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	seen := map[string]bool{}
	f.execs.Register("pdfToText", executor.Func(func(_ context.Context, _, _ string, _ map[string]string, source, target string) error {
		mu.Lock()
		dup := seen[source] || seen[target]
		seen[source], seen[target] = true, true
		mu.Unlock()
		if dup {
			return errors.New("staging path reused")
		}
		time.Sleep(5 * time.Millisecond)
		return os.WriteFile(target, []byte("ok"), 0o644)
	}))
	d := f.dispatcher(pdfRegistry("pdfToText"))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Dispatch(context.Background(), pdfRequest()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent dispatch: %v", err)
	}
	if atomic.LoadInt64(&f.tracker.begun) != 16 {
		t.Fatalf("tracker begun = %d", f.tracker.begun)
	}
	f.assertNoStagedFiles(t)
}

func TestTargetNameDerivation(t *testing.T) {
	cases := []struct {
		req    Request
		source string
		want   string
	}{
		{Request{TargetFilename: "out.txt"}, "in.pdf", "out.txt"},
		{Request{TargetExtension: "txt"}, "quick.pdf", "quick.txt"},
		{Request{TargetExtension: ".png"}, "archive.tar.gz", "archive.tar.png"},
		{Request{TargetExtension: "txt"}, ".hidden", ".hidden.txt"},
		{Request{}, "quick.pdf", ""},
	}
	for _, tc := range cases {
		if got := tc.req.targetName(tc.source); got != tc.want {
			t.Fatalf("targetName(%q) = %q, want %q", tc.source, got, tc.want)
		}
	}
}
