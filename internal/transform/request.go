package transform

import (
	"io"
	"maps"
	"strings"
	"time"

	"tengine/internal/executor"
)

// Request is the transport-agnostic description of one transformation.
type Request struct {
	RequestID       string
	SourceFilename  string
	Content         io.Reader
	SourceSize      int64
	SourceMediaType string
	TargetMediaType string
	TargetFilename  string
	TargetExtension string
	Options         map[string]string
	// TransformerName bypasses registry selection when set.
	TransformerName string
}

// targetName returns the requested target filename, or the source stem with
// the target extension appended. It returns "" when neither is known.
func (r *Request) targetName(stagedSource string) string {
	if name := strings.TrimSpace(r.TargetFilename); name != "" {
		return name
	}
	ext := strings.TrimPrefix(strings.TrimSpace(r.TargetExtension), ".")
	if ext == "" {
		return ""
	}
	stem := stagedSource
	if i := strings.LastIndexByte(stem, '.'); i > 0 {
		stem = stem[:i]
	}
	return stem + "." + ext
}

// Selection is the outcome of transformer resolution. Options never holds
// the sourceEncoding key.
type Selection struct {
	Transformer string
	Options     map[string]string
	Forced      bool
}

// selectionOptions copies options without the sourceEncoding key.
func selectionOptions(options map[string]string) map[string]string {
	out := maps.Clone(options)
	if out == nil {
		out = map[string]string{}
	}
	delete(out, executor.SourceEncoding)
	return out
}

// executorOptions restores sourceEncoding from the original request options.
func (s Selection) executorOptions(original map[string]string) map[string]string {
	out := maps.Clone(s.Options)
	if out == nil {
		out = map[string]string{}
	}
	if enc, ok := original[executor.SourceEncoding]; ok {
		out[executor.SourceEncoding] = enc
	}
	return out
}

// Result is a packaged successful transformation.
type Result struct {
	RequestID   string
	Transformer string
	Content     []byte
	Size        int64
	Elapsed     time.Duration
	Status      int
}

// Entry summarises one dispatch for observers, successful or not.
type Entry struct {
	RequestID   string
	Transformer string
	SourceType  string
	TargetType  string
	SourceSize  int64
	TargetSize  int64
	Started     time.Time
	Elapsed     time.Duration
	Status      int
	Message     string
}
