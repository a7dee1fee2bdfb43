// Package interfaces defines the core interfaces and types shared between the
// gateway components. It provides the contract between the HTTP layer, the
// backend registry and the storage backends without implementation details.
package interfaces

import (
	"errors"
	"fmt"
	"strconv"
)

// Coordinates is a geographic position. Absence of a position is represented
// by a nil *Coordinates, never by the zero value: (0, 0) is a real place.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// NewCoordinates parses latitude and longitude strings (decimal degrees).
// Returns an error when either value is missing, unparsable or out of range.
func NewCoordinates(lat, lon string) (*Coordinates, error) {
	if lat == "" || lon == "" {
		return nil, errors.New("missing coordinate value")
	}

	latF, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q: %w", lat, err)
	}
	lonF, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q: %w", lon, err)
	}

	if latF < -90 || latF > 90 {
		return nil, fmt.Errorf("latitude %v out of range", latF)
	}
	if lonF < -180 || lonF > 180 {
		return nil, fmt.Errorf("longitude %v out of range", lonF)
	}

	return &Coordinates{Latitude: latF, Longitude: lonF}, nil
}

// MultipartUpload identifies a multipart upload session created by a backend.
type MultipartUpload struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

// UploadedPart is returned by a backend after a part upload and passed
// through verbatim to the client.
type UploadedPart struct {
	PartNumber int64  `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// CompletedPart names one previously uploaded part in a completion request.
type CompletedPart struct {
	PartNumber int64  `json:"partNumber"`
	ETag       string `json:"etag"`
}
