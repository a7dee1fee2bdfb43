package storage

import (
	"context"
	"io"

	"github.com/georelay/georelay/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockObjectStore mocks the interfaces.ObjectStore interface.
type MockObjectStore struct {
	mock.Mock
}

// Get mocks the Get method
func (m *MockObjectStore) Get(ctx context.Context, key string, opts interfaces.GetOptions) (*interfaces.Object, error) {
	args := m.Called(ctx, key, opts)
	obj, _ := args.Get(0).(*interfaces.Object)
	return obj, args.Error(1)
}

// CreateMultipartUpload mocks the CreateMultipartUpload method
func (m *MockObjectStore) CreateMultipartUpload(ctx context.Context, key string) (interfaces.MultipartUpload, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(interfaces.MultipartUpload), args.Error(1)
}

// ResumeMultipartUpload mocks the ResumeMultipartUpload method
func (m *MockObjectStore) ResumeMultipartUpload(key, uploadID string) interfaces.MultipartSession {
	args := m.Called(key, uploadID)
	return args.Get(0).(interfaces.MultipartSession)
}

// Available mocks the Available method
func (m *MockObjectStore) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

// Name mocks the Name method
func (m *MockObjectStore) Name() string {
	args := m.Called()
	return args.String(0)
}

// LocationURI mocks the LocationURI method
func (m *MockObjectStore) LocationURI() string {
	args := m.Called()
	return args.String(0)
}

// MockMultipartSession mocks the interfaces.MultipartSession interface.
type MockMultipartSession struct {
	mock.Mock
}

// UploadPart mocks the UploadPart method
func (m *MockMultipartSession) UploadPart(ctx context.Context, partNumber int64, body io.Reader) (interfaces.UploadedPart, error) {
	args := m.Called(ctx, partNumber, body)
	return args.Get(0).(interfaces.UploadedPart), args.Error(1)
}

// Complete mocks the Complete method
func (m *MockMultipartSession) Complete(ctx context.Context, parts []interfaces.CompletedPart) (string, error) {
	args := m.Called(ctx, parts)
	return args.String(0), args.Error(1)
}
