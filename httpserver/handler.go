package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/georelay/georelay/geo"
	"github.com/georelay/georelay/interfaces"
	"github.com/georelay/georelay/registry"
	"github.com/go-chi/chi/v5"
)

// Header constants used in HTTP requests and responses.
const (
	// BucketNameHeader selects the target backend for multipart operations
	// by its short code, e.g. "EEUR".
	BucketNameHeader = "X-Bucket-Name"

	// LatitudeHeader and LongitudeHeader carry the client's geolocation as
	// set by the edge proxy. Both absent means "no location", not (0, 0).
	LatitudeHeader  = "CF-IPLatitude"
	LongitudeHeader = "CF-IPLongitude"
)

// Multipart lifecycle actions carried in the "action" query parameter.
const (
	actionCreate     = "mpu-create"
	actionUploadPart = "mpu-uploadpart"
	actionComplete   = "mpu-complete"
)

// Handler translates inbound HTTP requests into backend object-storage
// operations. Reads resolve their backend geographically; multipart writes
// address an explicit backend. The handler is stateless: multipart session
// state lives entirely in the backend, so any instance can serve any
// (key, uploadId, backend) triple.
type Handler struct {
	registry *registry.Registry
	log      *slog.Logger
}

// NewHandler creates a new HTTP request handler over the backend registry.
func NewHandler(reg *registry.Registry, log *slog.Logger) *Handler {
	return &Handler{registry: reg, log: log}
}

// HandleGetObject serves object downloads.
//
// URL format: GET /{objectKey}
//
// The inbound Range and conditional headers are forwarded verbatim to the
// backend nearest the client (falling back to the configured default when
// the client's location is unknown). Responds 200 for a full body, 206 for a
// ranged request, 304 when a conditional validator matched, 404 when the
// object does not exist.
func (h *Handler) HandleGetObject(w http.ResponseWriter, r *http.Request) {
	key := objectKey(r)
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing object key")
		return
	}

	backend := geo.Nearest(clientCoordinates(r), h.registry.All())
	if backend == nil {
		backend = h.registry.Default()
	}

	opts := interfaces.GetOptions{
		Range:             r.Header.Get("Range"),
		IfMatch:           r.Header.Get("If-Match"),
		IfNoneMatch:       r.Header.Get("If-None-Match"),
		IfModifiedSince:   r.Header.Get("If-Modified-Since"),
		IfUnmodifiedSince: r.Header.Get("If-Unmodified-Since"),
	}

	obj, err := backend.Store.Get(r.Context(), key, opts)
	if errors.Is(err, interfaces.ErrObjectNotFound) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "%s not found", key)
		return
	}
	if err != nil {
		h.log.Error("Object fetch failed",
			slog.String("key", key),
			slog.String("backend", backend.ID),
			"err", err)
		writeError(w, http.StatusInternalServerError, "failed to process request")
		return
	}

	for name, value := range obj.Metadata {
		w.Header().Set("x-amz-meta-"+name, value)
	}
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if !obj.LastModified.IsZero() {
		w.Header().Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}
	if obj.ETag != "" {
		w.Header().Set("ETag", quoteETag(obj.ETag))
	}
	if obj.Range != nil {
		w.Header().Set("Content-Range", obj.Range.ContentRange(obj.Size))
	}

	switch {
	case obj.Body == nil:
		w.WriteHeader(http.StatusNotModified)
		return
	case opts.Range != "":
		if obj.Range != nil {
			w.Header().Set("Content-Length", strconv.FormatInt(obj.Range.Length(obj.Size), 10))
		}
		w.WriteHeader(http.StatusPartialContent)
	default:
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
		w.WriteHeader(http.StatusOK)
	}

	defer obj.Body.Close()
	if _, err := io.Copy(w, obj.Body); err != nil {
		// Status is already on the wire; all we can do is log.
		h.log.Debug("Object body copy aborted", slog.String("key", key), "err", err)
	}
}

// HandleObjectPost dispatches the POST half of the multipart lifecycle.
//
// URL formats:
//
//	POST /{objectKey}?action=mpu-create
//	POST /{objectKey}?action=mpu-complete&uploadId={id}
//
// The X-Bucket-Name header must name a registered backend; backend selection
// for writes is explicit, never geo-resolved.
func (h *Handler) HandleObjectPost(w http.ResponseWriter, r *http.Request) {
	key := objectKey(r)
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing object key")
		return
	}

	backend, ok := h.selectedBackend(w, r)
	if !ok {
		return
	}

	switch action := r.URL.Query().Get("action"); action {
	case actionCreate:
		h.handleCreateUpload(w, r, backend, key)
	case actionComplete:
		h.handleCompleteUpload(w, r, backend, key)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
	}
}

// HandleUploadPart uploads one part of a multipart upload.
//
// URL format: PUT /{objectKey}?action=mpu-uploadpart&uploadId={id}&partNumber={n}
//
// The request body is the raw part bytes. Backend-reported failures (stale
// upload id, etc.) surface as 400 with the backend's message; the part is
// never retried here because its bytes are consumed on first use.
func (h *Handler) HandleUploadPart(w http.ResponseWriter, r *http.Request) {
	key := objectKey(r)
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing object key")
		return
	}

	backend, ok := h.selectedBackend(w, r)
	if !ok {
		return
	}

	if action := r.URL.Query().Get("action"); action != actionUploadPart {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}

	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		writeError(w, http.StatusBadRequest, "missing uploadId")
		return
	}

	partNumber, err := strconv.ParseInt(r.URL.Query().Get("partNumber"), 10, 64)
	if err != nil || partNumber < 1 {
		writeError(w, http.StatusBadRequest, "partNumber must be an integer >= 1")
		return
	}

	if r.Body == nil || r.ContentLength == 0 {
		writeError(w, http.StatusBadRequest, "missing request body")
		return
	}

	start := time.Now()
	part, err := backend.Store.ResumeMultipartUpload(key, uploadID).UploadPart(r.Context(), partNumber, r.Body)
	if err != nil {
		// Client-actionable protocol errors (expired upload, part mismatch),
		// surfaced verbatim.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Debug("Uploaded part",
		slog.String("key", key),
		slog.String("backend", backend.ID),
		slog.Int64("partNumber", partNumber),
		slog.Int64("size", part.Size),
		slog.Duration("duration", time.Since(start)))

	writeJSON(w, http.StatusOK, part)
}

func (h *Handler) handleCreateUpload(w http.ResponseWriter, r *http.Request, backend *registry.Backend, key string) {
	mpu, err := backend.Store.CreateMultipartUpload(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Info("Created multipart upload",
		slog.String("key", key),
		slog.String("backend", backend.ID),
		slog.String("uploadId", mpu.UploadID))

	writeJSON(w, http.StatusOK, mpu)
}

func (h *Handler) handleCompleteUpload(w http.ResponseWriter, r *http.Request, backend *registry.Backend, key string) {
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		writeError(w, http.StatusBadRequest, "missing uploadId")
		return
	}

	var body struct {
		Parts []interfaces.CompletedPart `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(body.Parts) == 0 {
		writeError(w, http.StatusBadRequest, "parts must be a non-empty array")
		return
	}
	for _, part := range body.Parts {
		if part.PartNumber < 1 {
			writeError(w, http.StatusBadRequest, "partNumber must be an integer >= 1")
			return
		}
	}

	etag, err := backend.Store.ResumeMultipartUpload(key, uploadID).Complete(r.Context(), body.Parts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Info("Completed multipart upload",
		slog.String("key", key),
		slog.String("backend", backend.ID),
		slog.String("uploadId", uploadID),
		slog.Int("parts", len(body.Parts)))

	w.Header().Set("ETag", quoteETag(etag))
	w.WriteHeader(http.StatusOK)
}

// selectedBackend resolves the backend named by the X-Bucket-Name header. A
// missing or unknown selector is always a client error (400): it indicates a
// malformed request, not a missing resource. Writes the error itself and
// reports ok=false.
func (h *Handler) selectedBackend(w http.ResponseWriter, r *http.Request) (*registry.Backend, bool) {
	id := r.Header.Get(BucketNameHeader)
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("missing %s header", BucketNameHeader))
		return nil, false
	}
	backend, err := h.registry.LookupByID(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return backend, true
}

// objectKey extracts the object key from the request path.
func objectKey(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// clientCoordinates parses the client geolocation headers. Missing or
// unparsable headers mean no location.
func clientCoordinates(r *http.Request) *interfaces.Coordinates {
	coords, err := interfaces.NewCoordinates(r.Header.Get(LatitudeHeader), r.Header.Get(LongitudeHeader))
	if err != nil {
		return nil
	}
	return coords
}

func quoteETag(etag string) string {
	return `"` + etag + `"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
