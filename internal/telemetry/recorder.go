package telemetry

import (
	"sync"

	"tengine/internal/transform"
)

// Log keeps the most recent transform entries, newest first on read.
type Log struct {
	mu      sync.Mutex
	entries []transform.Entry
	next    int
	full    bool
}

// NewLog returns a ring of the given capacity. Capacity <= 0 disables it.
func NewLog(capacity int) *Log {
	if capacity < 0 {
		capacity = 0
	}
	return &Log{entries: make([]transform.Entry, capacity)}
}

func (l *Log) Add(e transform.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return
	}
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

func (l *Log) Entries() []transform.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.entries)
	}
	out := make([]transform.Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}

// Recorder feeds dispatcher events into the metrics and the log ring. It
// implements transform.Observer.
type Recorder struct {
	metrics *Metrics
	log     *Log
}

func NewRecorder(m *Metrics, l *Log) *Recorder {
	return &Recorder{metrics: m, log: l}
}

func (r *Recorder) Started() {
	if r.metrics != nil {
		r.metrics.inFlight.Inc()
	}
}

func (r *Recorder) Finished(e transform.Entry) {
	if r.log != nil {
		r.log.Add(e)
	}
	if r.metrics == nil {
		return
	}
	m := r.metrics
	m.inFlight.Dec()
	name := e.Transformer
	if name == "" {
		name = "none"
	}
	m.requests.WithLabelValues(name, statusLabel(e.Status)).Inc()
	m.duration.WithLabelValues(name).Observe(e.Elapsed.Seconds())
	if e.SourceSize > 0 {
		m.sourceBytes.Observe(float64(e.SourceSize))
	}
	if e.TargetSize > 0 {
		m.targetBytes.Observe(float64(e.TargetSize))
	}
}
