// Package registry holds the static table of regional storage backends.
// The table is built once at startup from configuration and is read-only
// afterwards, so it is safe for unlimited concurrent readers.
package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/georelay/georelay/interfaces"
)

// Backend is one regional storage endpoint with known geographic coordinates
// and a handle to its storage capability. Backends never mutate at runtime.
type Backend struct {
	// ID is the short backend code clients select with, e.g. "EEUR".
	ID string

	// DisplayName is a human-readable region name for logs.
	DisplayName string

	Latitude  float64
	Longitude float64

	// Store is the backend's storage capability.
	Store interfaces.ObjectStore
}

// BackendSpec is the configuration entry a Backend is built from.
type BackendSpec struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// Location is the storage URI handed to the storage backend factory,
	// e.g. "s3://bucket/prefix?region=eu-central-1".
	Location string `json:"location"`
}

// LoadBackendSpecs loads backend definitions from a JSON document of the form
//
//	{"backends": [{"id": "EEUR", "name": "Eastern Europe",
//	               "latitude": 50.06, "longitude": 19.94,
//	               "location": "s3://my-bucket?region=eu-central-1"}, ...]}
//
// Declaration order is preserved; it is the tie-break order for nearest
// backend resolution.
func LoadBackendSpecs(r io.Reader) ([]BackendSpec, error) {
	var data struct {
		Backends []BackendSpec `json:"backends"`
	}
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode backends JSON: %w", err)
	}

	seen := make(map[string]bool)
	for _, spec := range data.Backends {
		if spec.ID == "" {
			return nil, fmt.Errorf("backend with empty id")
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate backend id %q", spec.ID)
		}
		seen[spec.ID] = true
		if spec.Location == "" {
			return nil, fmt.Errorf("backend %q has no storage location", spec.ID)
		}
		if spec.Latitude < -90 || spec.Latitude > 90 || spec.Longitude < -180 || spec.Longitude > 180 {
			return nil, fmt.Errorf("backend %q has out-of-range coordinates", spec.ID)
		}
	}
	return data.Backends, nil
}

// Registry is the fixed ordered table of known backends.
type Registry struct {
	backends   []*Backend
	byID       map[string]*Backend
	defaultsTo *Backend
}

// New builds a registry from specs, creating each backend's storage
// capability through the factory. defaultID names the backend used when geo
// resolution yields nothing; it must be present in specs.
func New(specs []BackendSpec, defaultID string, factory interfaces.StorageBackendFactory, log *slog.Logger) (*Registry, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}

	reg := &Registry{
		byID: make(map[string]*Backend, len(specs)),
	}

	for _, spec := range specs {
		store, err := factory.StorageBackendFor(spec.Location)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", spec.ID, err)
		}

		backend := &Backend{
			ID:          spec.ID,
			DisplayName: spec.Name,
			Latitude:    spec.Latitude,
			Longitude:   spec.Longitude,
			Store:       store,
		}
		reg.backends = append(reg.backends, backend)
		reg.byID[spec.ID] = backend

		log.Info("Registered storage backend",
			slog.String("id", spec.ID),
			slog.String("name", spec.Name),
			slog.String("location", store.LocationURI()))
	}

	def, ok := reg.byID[defaultID]
	if !ok {
		return nil, fmt.Errorf("default backend %q not in registry", defaultID)
	}
	reg.defaultsTo = def

	return reg, nil
}

// LookupByID returns the backend with the given id, or ErrUnknownBackend.
func (r *Registry) LookupByID(id string) (*Backend, error) {
	backend, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrUnknownBackend, id)
	}
	return backend, nil
}

// All returns the backends in declaration order. Callers must not mutate
// the returned slice.
func (r *Registry) All() []*Backend {
	return r.backends
}

// Default returns the configured fallback backend.
func (r *Registry) Default() *Backend {
	return r.defaultsTo
}
