package interfaces

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrObjectNotFound is returned when the requested object does not exist
	// at the backend. It is a normal outcome of a read, not a system fault.
	ErrObjectNotFound = errors.New("object not found")

	// ErrUnknownBackend is returned when a backend selector references a
	// backend that is not in the registry. Always a client error.
	ErrUnknownBackend = errors.New("unknown server")

	// ErrBackendUnavailable is returned when a storage backend is not
	// accessible, due to network issues, credentials or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is
	// malformed or uses an unsupported scheme.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// GetOptions carries the inbound range and conditional request headers,
// forwarded verbatim to the backend.
type GetOptions struct {
	// Range is the raw Range header value ("bytes=0-499"), empty when the
	// request was not ranged.
	Range string

	// Conditional request validators, raw header values.
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   string
	IfUnmodifiedSince string
}

// AppliedRange describes the byte range a backend actually served.
type AppliedRange struct {
	// Offset is the first byte position of the served range.
	Offset int64

	// End is the last byte position (inclusive). A negative End means the
	// backend did not report one; it defaults to size-1.
	End int64
}

// ContentRange formats the range as a Content-Range header value for an
// object of the given total size.
func (r AppliedRange) ContentRange(size int64) string {
	end := r.End
	if end < 0 {
		end = size - 1
	}
	return fmt.Sprintf("bytes %d-%d/%d", r.Offset, end, size)
}

// Length returns the number of bytes covered by the range within an object
// of the given total size.
func (r AppliedRange) Length(size int64) int64 {
	end := r.End
	if end < 0 {
		end = size - 1
	}
	return end - r.Offset + 1
}

// Object describes a stored object as returned by a backend read.
type Object struct {
	// Body streams the object content. It is nil when a conditional request
	// validator matched and the backend withheld the body.
	Body io.ReadCloser

	// Size is the total object size in bytes, regardless of any range.
	Size int64

	// ETag is the object's entity tag, without surrounding quotes.
	ETag string

	// ContentType is the stored content type, empty when unknown.
	ContentType string

	// LastModified is the object's modification time, zero when unknown.
	LastModified time.Time

	// Metadata holds user metadata key/value pairs stored with the object.
	Metadata map[string]string

	// Range is the byte range the backend served, nil when the full object
	// was returned.
	Range *AppliedRange
}

// MultipartSession drives one multipart upload owned by a backend. The
// gateway holds no session state itself: a session is resumed from the
// (key, uploadId) pair on every call.
type MultipartSession interface {
	// UploadPart uploads one part. The body is consumed and must not be
	// replayed; failed uploads are not retried by the gateway.
	UploadPart(ctx context.Context, partNumber int64, body io.Reader) (UploadedPart, error)

	// Complete assembles the uploaded parts into the final object and
	// returns its etag.
	Complete(ctx context.Context, parts []CompletedPart) (string, error)
}

// ObjectStore is the storage capability exposed by one regional backend.
type ObjectStore interface {
	// Get retrieves an object, honoring the range and conditional options.
	// Returns ErrObjectNotFound when the object does not exist.
	Get(ctx context.Context, key string, opts GetOptions) (*Object, error)

	// CreateMultipartUpload starts a new multipart upload for key.
	CreateMultipartUpload(ctx context.Context, key string) (MultipartUpload, error)

	// ResumeMultipartUpload rebinds to an existing upload session. The
	// backend validates the upload id on the first session operation.
	ResumeMultipartUpload(key, uploadID string) MultipartSession

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}

// StorageBackendFactory creates storage backends from location URIs.
type StorageBackendFactory interface {
	// StorageBackendFor creates a backend from a URI.
	// Supports s3:// and file://.
	StorageBackendFor(locationURI string) (ObjectStore, error)
}
