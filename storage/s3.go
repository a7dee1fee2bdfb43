package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/georelay/georelay/interfaces"
)

// S3Backend implements an object storage backend using Amazon S3 or
// compatible services (R2, MinIO). Range and conditional request semantics
// are delegated to the service; multipart upload state lives entirely in the
// service, so any gateway instance can resume any session.
type S3Backend struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates a new S3 storage backend. If accessKey and secretKey
// are empty the SDK's default credential chain is used.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	// Format the URI for tracking, without leaking the secret
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if accessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", accessKey, bucketName, prefix, region)
	}
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Get retrieves an object from S3, forwarding the inbound range and
// conditional headers. Returns ErrObjectNotFound if the object doesn't
// exist; a precondition match yields an Object with a nil Body.
func (b *S3Backend) Get(ctx context.Context, key string, opts interfaces.GetOptions) (*interfaces.Object, error) {
	start := time.Now()
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(key)),
	}
	if opts.Range != "" {
		input.Range = aws.String(opts.Range)
	}
	if opts.IfMatch != "" {
		input.IfMatch = aws.String(opts.IfMatch)
	}
	if opts.IfNoneMatch != "" {
		input.IfNoneMatch = aws.String(opts.IfNoneMatch)
	}
	if t, err := http.ParseTime(opts.IfModifiedSince); err == nil {
		input.IfModifiedSince = aws.Time(t)
	}
	if t, err := http.ParseTime(opts.IfUnmodifiedSince); err == nil {
		input.IfUnmodifiedSince = aws.Time(t)
	}

	result, err := b.client.GetObjectWithContext(ctx, input)
	if err != nil {
		var reqErr awserr.RequestFailure
		if errors.As(err, &reqErr) {
			switch {
			case reqErr.StatusCode() == http.StatusNotModified,
				reqErr.StatusCode() == http.StatusPreconditionFailed:
				// Validator matched; the service withheld the body.
				return &interfaces.Object{ETag: unquoteETag(opts.IfNoneMatch)}, nil
			case reqErr.Code() == s3.ErrCodeNoSuchKey, reqErr.StatusCode() == http.StatusNotFound:
				b.log.Debug("Object not found in S3",
					slog.String("bucket", b.bucketName),
					slog.String("key", key),
					slog.Duration("duration", time.Since(start)))
				return nil, interfaces.ErrObjectNotFound
			}
		}
		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}

	obj := &interfaces.Object{
		Body:        result.Body,
		Size:        aws.Int64Value(result.ContentLength),
		ETag:        unquoteETag(aws.StringValue(result.ETag)),
		ContentType: aws.StringValue(result.ContentType),
		Metadata:    flattenMetadata(result.Metadata),
	}
	if result.LastModified != nil {
		obj.LastModified = *result.LastModified
	}
	if result.ContentRange != nil {
		applied, total, err := parseContentRange(aws.StringValue(result.ContentRange))
		if err != nil {
			return nil, fmt.Errorf("unexpected Content-Range from S3: %w", err)
		}
		obj.Range = applied
		obj.Size = total
	}

	b.log.Debug("Fetched object from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int64("size", obj.Size),
		slog.Duration("duration", time.Since(start)))

	return obj, nil
}

// CreateMultipartUpload starts a new multipart upload for key.
func (b *S3Backend) CreateMultipartUpload(ctx context.Context, key string) (interfaces.MultipartUpload, error) {
	result, err := b.client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return interfaces.MultipartUpload{}, fmt.Errorf("failed to create multipart upload: %w", err)
	}

	uploadID := aws.StringValue(result.UploadId)
	b.log.Debug("Created multipart upload",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.String("uploadId", uploadID))

	return interfaces.MultipartUpload{Key: key, UploadID: uploadID}, nil
}

// ResumeMultipartUpload rebinds to an existing upload. The service rejects a
// stale or unknown upload id on the first part or completion call.
func (b *S3Backend) ResumeMultipartUpload(key, uploadID string) interfaces.MultipartSession {
	return &s3MultipartSession{backend: b, key: key, uploadID: uploadID}
}

// Available checks if the backend is accessible by heading the bucket.
func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable",
			slog.String("bucket", b.bucketName),
			"err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

type s3MultipartSession struct {
	backend  *S3Backend
	key      string
	uploadID string
}

// UploadPart uploads one part. The body is buffered in memory: the v1 SDK
// signs over a seekable payload, and the upload client already caps parts at
// 100MB.
func (s *s3MultipartSession) UploadPart(ctx context.Context, partNumber int64, body io.Reader) (interfaces.UploadedPart, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return interfaces.UploadedPart{}, fmt.Errorf("failed to read part body: %w", err)
	}

	result, err := s.backend.client.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.backend.bucketName),
		Key:        aws.String(s.backend.objectKey(s.key)),
		UploadId:   aws.String(s.uploadID),
		PartNumber: aws.Int64(partNumber),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return interfaces.UploadedPart{}, fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}

	return interfaces.UploadedPart{
		PartNumber: partNumber,
		ETag:       unquoteETag(aws.StringValue(result.ETag)),
		Size:       int64(len(data)),
	}, nil
}

// Complete assembles the uploaded parts. Parts are submitted in ascending
// part number order as the service requires.
func (s *s3MultipartSession) Complete(ctx context.Context, parts []interfaces.CompletedPart) (string, error) {
	sorted := make([]interfaces.CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completed := make([]*s3.CompletedPart, len(sorted))
	for i, part := range sorted {
		completed[i] = &s3.CompletedPart{
			PartNumber: aws.Int64(part.PartNumber),
			ETag:       aws.String(part.ETag),
		}
	}

	result, err := s.backend.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.backend.bucketName),
		Key:             aws.String(s.backend.objectKey(s.key)),
		UploadId:        aws.String(s.uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.backend.log.Debug("Completed multipart upload",
		slog.String("bucket", s.backend.bucketName),
		slog.String("key", s.key),
		slog.String("uploadId", s.uploadID),
		slog.Int("parts", len(parts)))

	return unquoteETag(aws.StringValue(result.ETag)), nil
}

// unquoteETag strips surrounding double quotes; stores keep etags unquoted
// and the HTTP layer quotes them on the way out.
func unquoteETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// parseContentRange parses a Content-Range value of the form
// "bytes start-end/total" into the applied range and total size.
func parseContentRange(value string) (*interfaces.AppliedRange, int64, error) {
	rest, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return nil, 0, fmt.Errorf("malformed content range %q", value)
	}
	span, totalStr, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, 0, fmt.Errorf("malformed content range %q", value)
	}
	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return nil, 0, fmt.Errorf("malformed content range %q", value)
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed content range %q: %w", value, err)
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed content range %q: %w", value, err)
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed content range %q: %w", value, err)
	}

	return &interfaces.AppliedRange{Offset: start, End: end}, total, nil
}

func flattenMetadata(metadata map[string]*string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = aws.StringValue(v)
	}
	return out
}
