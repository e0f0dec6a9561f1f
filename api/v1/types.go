// Package v1 holds the wire contract of the tengine transform service: the
// request/reply messages shared by the gRPC endpoint and the queue endpoint,
// and the hand-maintained gRPC service descriptor. Messages travel as JSON
// (see codec.go).
package v1

// File carries an inline source artifact.
type File struct {
	OriginalFileName string `json:"originalFileName"`
	Size             int64  `json:"size"`
	Content          []byte `json:"content"`
}

// TransformRequest is the synchronous request sent over gRPC.
type TransformRequest struct {
	RequestID               string            `json:"requestId"`
	File                    *File             `json:"file,omitempty"`
	SourceMimeType          string            `json:"sourceMimeType"`
	TargetMimeType          string            `json:"targetMimeType"`
	TargetExtension         string            `json:"targetExtension,omitempty"`
	TargetFileName          string            `json:"targetFileName,omitempty"`
	TransformRequestOptions map[string]string `json:"transformRequestOptions,omitempty"`
	TransformerName         string            `json:"transformerName,omitempty"`
}

// TransformReply carries the produced artifact. Failures are returned as
// gRPC status errors instead.
type TransformReply struct {
	RequestID   string `json:"requestId"`
	Transformer string `json:"transformer,omitempty"`
	File        []byte `json:"file"`
	Size        int64  `json:"size"`
	ElapsedMS   int64  `json:"elapsedMs"`
	Status      int    `json:"status"`
}

// QueueRequest is the asynchronous request read from the request topic. The
// source lives in the shared file store under SourceReference.
type QueueRequest struct {
	RequestID               string            `json:"requestId"`
	SourceReference         string            `json:"sourceReference"`
	SourceMediaType         string            `json:"sourceMediaType"`
	SourceSize              int64             `json:"sourceSize"`
	SourceExtension         string            `json:"sourceExtension"`
	TargetMediaType         string            `json:"targetMediaType"`
	TargetExtension         string            `json:"targetExtension"`
	TransformRequestOptions map[string]string `json:"transformRequestOptions,omitempty"`
	TransformerName         string            `json:"transformerName,omitempty"`
	ClientData              string            `json:"clientData,omitempty"`
	SchemaVersion           int               `json:"schema"`
}

// QueueReply is produced on the reply topic for every consumed request.
type QueueReply struct {
	RequestID       string `json:"requestId"`
	Status          int    `json:"status"`
	ErrorDetails    string `json:"errorDetails,omitempty"`
	SourceReference string `json:"sourceReference,omitempty"`
	TargetReference string `json:"targetReference,omitempty"`
	ClientData      string `json:"clientData,omitempty"`
	SchemaVersion   int    `json:"schema"`
}

// Error reasons attached to gRPC status details.
const (
	ReasonInvalidRequest        = "INVALID_REQUEST"
	ReasonNoMatchingTransformer = "NO_MATCHING_TRANSFORMER"
	ReasonUnsupportedInput      = "UNSUPPORTED_INPUT"
	ReasonStorageError          = "STORAGE_ERROR"
	ReasonBackendError          = "BACKEND_ERROR"
	ReasonInternalError         = "INTERNAL_ERROR"

	ErrorDomain = "tengine"
)
