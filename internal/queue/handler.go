// Package queue is the asynchronous endpoint: requests arrive on a Kafka
// topic, payloads live in the shared file store, and a reply is produced for
// every request that can be identified.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	v1 "tengine/api/v1"
	"tengine/internal/filestore"
	"tengine/internal/limit"
	"tengine/internal/logging"
	"tengine/internal/transform"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req *transform.Request) (*transform.Result, error)
}

// Handler turns one raw request message into a reply.
type Handler struct {
	d       Dispatcher
	store   filestore.Store
	limiter *limit.Limiter
	logger  *slog.Logger
}

func NewHandler(d Dispatcher, store filestore.Store, limiter *limit.Limiter, logger *slog.Logger) *Handler {
	return &Handler{d: d, store: store, limiter: limiter, logger: logging.OrDefault(logger)}
}

// Handle processes raw. It returns nil when the message is so malformed that
// no request id can be read and therefore nobody can be answered.
func (h *Handler) Handle(ctx context.Context, raw []byte) *v1.QueueReply {
	var req v1.QueueRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		var probe struct {
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(raw, &probe) != nil || probe.RequestID == "" {
			h.logger.Error("dropping undecodable queue message",
				logging.Err(err),
				slog.String(logging.FieldEventType, "queue_decode_failed"),
			)
			return nil
		}
		return h.fail(&v1.QueueRequest{RequestID: probe.RequestID}, http.StatusBadRequest, "Invalid request: "+err.Error())
	}
	if req.RequestID == "" {
		h.logger.Error("dropping queue message without request id",
			slog.String(logging.FieldEventType, "queue_decode_failed"))
		return nil
	}
	if missing := missingFields(&req); len(missing) > 0 {
		return h.fail(&req, http.StatusBadRequest, "Invalid request, missing "+strings.Join(missing, ", "))
	}

	src, _, err := h.store.Fetch(ctx, req.SourceReference)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return h.fail(&req, http.StatusBadRequest, fmt.Sprintf("Source file with reference %s was not found", req.SourceReference))
		}
		h.logger.Error("source fetch failed", slog.String(logging.FieldRequestID, req.RequestID), logging.Err(err))
		return h.fail(&req, http.StatusInsufficientStorage, "Failed to read the source file")
	}
	defer src.Close()

	if h.limiter != nil {
		if err := h.limiter.Acquire(ctx); err != nil {
			return h.fail(&req, http.StatusServiceUnavailable, "Transform engine is shutting down")
		}
		defer h.limiter.Release()
	}

	res, err := h.d.Dispatch(ctx, &transform.Request{
		RequestID:       req.RequestID,
		SourceFilename:  sourceName(&req),
		Content:         src,
		SourceSize:      req.SourceSize,
		SourceMediaType: req.SourceMediaType,
		TargetMediaType: req.TargetMediaType,
		TargetExtension: req.TargetExtension,
		Options:         req.TransformRequestOptions,
		TransformerName: req.TransformerName,
	})
	if err != nil {
		e := transform.AsError(err)
		return h.fail(&req, e.Status(), e.Message)
	}

	ref, err := h.store.Put(ctx, "target."+strings.TrimPrefix(req.TargetExtension, "."), bytes.NewReader(res.Content), res.Size)
	if err != nil {
		h.logger.Error("target upload failed", slog.String(logging.FieldRequestID, req.RequestID), logging.Err(err))
		return h.fail(&req, http.StatusInsufficientStorage, "Failed to store the target file")
	}
	reply := baseReply(&req)
	reply.Status = http.StatusCreated
	reply.TargetReference = ref
	return reply
}

func (h *Handler) fail(req *v1.QueueRequest, status int, msg string) *v1.QueueReply {
	h.logger.Info("queue request failed",
		slog.String(logging.FieldRequestID, req.RequestID),
		slog.Int("status", status),
		slog.String("message", msg),
	)
	reply := baseReply(req)
	reply.Status = status
	reply.ErrorDetails = msg
	return reply
}

func baseReply(req *v1.QueueRequest) *v1.QueueReply {
	return &v1.QueueReply{
		RequestID:       req.RequestID,
		SourceReference: req.SourceReference,
		ClientData:      req.ClientData,
		SchemaVersion:   req.SchemaVersion,
	}
}

func missingFields(req *v1.QueueRequest) []string {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"sourceReference", req.SourceReference},
		{"sourceMediaType", req.SourceMediaType},
		{"targetMediaType", req.TargetMediaType},
		{"targetExtension", req.TargetExtension},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// sourceName names the staged source after its reference, adding the
// declared extension when the reference has none.
func sourceName(req *v1.QueueRequest) string {
	name := path.Base(req.SourceReference)
	if ext := strings.TrimPrefix(req.SourceExtension, "."); ext != "" && path.Ext(name) == "" {
		name += "." + ext
	}
	return name
}
