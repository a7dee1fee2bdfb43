package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/georelay/georelay/interfaces"
)

// StorageBackendFactory creates storage backends from URI strings.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance.
func NewStorageBackendFactory(log *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: log}
}

// StorageBackendFor creates a storage backend from a location URI.
//
// Supported schemes:
//   - s3:// - Amazon S3 or compatible object storage
//   - file:// - Local filesystem storage
//
// Returns ErrInvalidLocationURI if the URI is malformed or the scheme is
// unsupported.
func (sf *StorageBackendFactory) StorageBackendFor(locationURI string) (interfaces.ObjectStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "s3":
		return sf.createS3Backend(u)
	case "file":
		return sf.createFileBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// createS3Backend creates an S3 storage backend.
// URI format: s3://[accessKey:secretKey@]bucket[/prefix]?region=us-west-2&endpoint=https://...
func (sf *StorageBackendFactory) createS3Backend(u *url.URL) (interfaces.ObjectStore, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", u.Host))

	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket name", interfaces.ErrInvalidLocationURI)
	}

	region := u.Query().Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := u.Query().Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(bucket, u.Path, region, endpoint, accessKey, secretKey, sf.log)
}

// createFileBackend creates a local filesystem backend.
// URI format: file:///var/lib/georelay/eeur
func (sf *StorageBackendFactory) createFileBackend(u *url.URL) (interfaces.ObjectStore, error) {
	sf.log.Debug("Creating file backend", slog.String("path", u.Path))

	dir := u.Path
	if u.Host != "" {
		// file://relative/path parses the first segment as host
		dir = u.Host + u.Path
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: missing directory path", interfaces.ErrInvalidLocationURI)
	}

	return NewFileBackend(dir, sf.log)
}
