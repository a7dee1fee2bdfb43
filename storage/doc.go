// Package storage provides the object storage capabilities backing the
// gateway's regional backends.
//
// Each backend exposes ranged and conditional object reads plus the multipart
// upload lifecycle (create, upload part, complete). Two implementations exist:
//
//   - S3-compatible object storage for production deployments
//   - File system storage for local development and testing
//
// # Storage URI Format
//
// Backends are specified using URI format:
//
//	s3://[accessKey:secretKey@]bucket[/prefix]?region=us-west-2&endpoint=...
//	file:///var/lib/georelay/eeur
//
// The factory turns a location URI into an ObjectStore; the backend registry
// holds one store per region.
package storage
