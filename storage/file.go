package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/georelay/georelay/interfaces"
	"github.com/google/uuid"
)

// FileBackend implements an object storage backend on the local file system.
// It is used for local deployments and as the real backend in end-to-end
// tests. Objects live under objects/, in-progress multipart uploads under
// uploads/<uploadId>/. Objects are read fully into memory on Get, which is
// fine for the object sizes this backend is meant for.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file storage backend rooted at baseDir.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	for _, dir := range []string{objectsDir, uploadsDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

const (
	objectsDir = "objects"
	uploadsDir = "uploads"
	keyFile    = ".key"
)

// Get retrieves an object, honoring range and conditional options.
func (b *FileBackend) Get(ctx context.Context, key string, opts interfaces.GetOptions) (*interfaces.Object, error) {
	filePath, err := b.objectPath(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrObjectNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	etag := contentETag(data)
	obj := &interfaces.Object{
		Size:         int64(len(data)),
		ETag:         etag,
		ContentType:  mime.TypeByExtension(path.Ext(key)),
		LastModified: info.ModTime(),
	}

	if preconditionMatched(opts, etag, info) {
		// Validator matched: metadata only, no body.
		return obj, nil
	}

	body := data
	if opts.Range != "" {
		if start, end, ok := parseRange(opts.Range, int64(len(data))); ok {
			body = data[start : end+1]
			obj.Range = &interfaces.AppliedRange{Offset: start, End: end}
		}
	}
	obj.Body = io.NopCloser(bytes.NewReader(body))

	b.log.Debug("Fetched object from file backend",
		slog.String("key", key),
		slog.Int64("size", obj.Size))

	return obj, nil
}

// preconditionMatched reports whether a conditional validator matched, in
// which case the body is withheld.
func preconditionMatched(opts interfaces.GetOptions, etag string, info os.FileInfo) bool {
	if opts.IfNoneMatch != "" {
		for _, candidate := range strings.Split(opts.IfNoneMatch, ",") {
			if unquoteETag(strings.TrimSpace(candidate)) == etag {
				return true
			}
		}
		return false
	}
	if t, err := http.ParseTime(opts.IfModifiedSince); err == nil {
		// HTTP dates have second resolution.
		return !info.ModTime().Truncate(time.Second).After(t)
	}
	return false
}

// CreateMultipartUpload starts a new multipart upload for key.
func (b *FileBackend) CreateMultipartUpload(ctx context.Context, key string) (interfaces.MultipartUpload, error) {
	if _, err := b.objectPath(key); err != nil {
		return interfaces.MultipartUpload{}, err
	}

	uploadID := uuid.NewString()
	dir := filepath.Join(b.baseDir, uploadsDir, uploadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return interfaces.MultipartUpload{}, fmt.Errorf("failed to create upload directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, keyFile), []byte(key), 0644); err != nil {
		return interfaces.MultipartUpload{}, fmt.Errorf("failed to record upload key: %w", err)
	}

	b.log.Debug("Created multipart upload",
		slog.String("key", key),
		slog.String("uploadId", uploadID))

	return interfaces.MultipartUpload{Key: key, UploadID: uploadID}, nil
}

// ResumeMultipartUpload rebinds to an existing upload session. The upload id
// is validated on the first session operation.
func (b *FileBackend) ResumeMultipartUpload(key, uploadID string) interfaces.MultipartSession {
	return &fileMultipartSession{backend: b, key: key, uploadID: uploadID}
}

// Available checks that the backend's base directory is accessible.
func (b *FileBackend) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.baseDir); err != nil {
		b.log.Warn("File backend unavailable", slog.String("baseDir", b.baseDir), "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

// objectPath maps an object key to a file path, rejecting keys that would
// escape the objects directory.
func (b *FileBackend) objectPath(key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(b.baseDir, objectsDir, filepath.FromSlash(cleaned)), nil
}

type fileMultipartSession struct {
	backend  *FileBackend
	key      string
	uploadID string
}

func (s *fileMultipartSession) dir() (string, error) {
	// Reject ids like "../../objects" before touching the file system.
	if s.uploadID == "" || s.uploadID != filepath.Base(s.uploadID) {
		return "", fmt.Errorf("unknown upload id %q, retry mpu-create", s.uploadID)
	}
	dir := filepath.Join(s.backend.baseDir, uploadsDir, s.uploadID)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("unknown upload id %q, retry mpu-create", s.uploadID)
	}
	return dir, nil
}

func (s *fileMultipartSession) partPath(dir string, partNumber int64) string {
	return filepath.Join(dir, fmt.Sprintf("%05d.part", partNumber))
}

// UploadPart writes one part into the upload directory.
func (s *fileMultipartSession) UploadPart(ctx context.Context, partNumber int64, body io.Reader) (interfaces.UploadedPart, error) {
	dir, err := s.dir()
	if err != nil {
		return interfaces.UploadedPart{}, err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return interfaces.UploadedPart{}, fmt.Errorf("failed to read part body: %w", err)
	}

	if err := os.WriteFile(s.partPath(dir, partNumber), data, 0644); err != nil {
		return interfaces.UploadedPart{}, fmt.Errorf("failed to write part %d: %w", partNumber, err)
	}

	return interfaces.UploadedPart{
		PartNumber: partNumber,
		ETag:       contentETag(data),
		Size:       int64(len(data)),
	}, nil
}

// Complete concatenates the named parts in ascending part number order into
// the final object and discards the upload directory.
func (s *fileMultipartSession) Complete(ctx context.Context, parts []interfaces.CompletedPart) (string, error) {
	dir, err := s.dir()
	if err != nil {
		return "", err
	}

	recordedKey, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil || string(recordedKey) != s.key {
		return "", fmt.Errorf("upload id %q does not belong to key %q", s.uploadID, s.key)
	}

	var assembled []byte
	for _, part := range parts {
		data, err := os.ReadFile(s.partPath(dir, part.PartNumber))
		if err != nil {
			return "", fmt.Errorf("part %d was never uploaded", part.PartNumber)
		}
		if contentETag(data) != unquoteETag(part.ETag) {
			return "", fmt.Errorf("part %d etag mismatch", part.PartNumber)
		}
		assembled = append(assembled, data...)
	}

	filePath, err := s.backend.objectPath(s.key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(filePath, assembled, 0644); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		s.backend.log.Warn("Failed to remove completed upload directory",
			slog.String("uploadId", s.uploadID), "err", err)
	}

	s.backend.log.Debug("Completed multipart upload",
		slog.String("key", s.key),
		slog.String("uploadId", s.uploadID),
		slog.Int("parts", len(parts)))

	return contentETag(assembled), nil
}

func contentETag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// parseRange parses a Range header of the form "bytes=start-end"
// (single-range only). Returns start, end (inclusive), and ok; unsupported
// or unsatisfiable ranges report !ok and the full object is served.
func parseRange(hdr string, total int64) (int64, int64, bool) {
	spec, ok := strings.CutPrefix(hdr, "bytes=")
	if !ok {
		return 0, 0, false
	}
	first, _, _ := strings.Cut(spec, ",")
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(first), "-")
	if !ok {
		return 0, 0, false
	}

	if startStr == "" {
		// suffix form: last N bytes
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, false
		}
		if suffix > total {
			suffix = total
		}
		return total - suffix, total - 1, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= total {
		return 0, 0, false
	}
	if endStr == "" {
		return start, total - 1, true
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end >= total {
		end = total - 1
	}
	return start, end, true
}
