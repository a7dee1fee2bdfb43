package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/georelay/georelay/interfaces"
	"github.com/georelay/georelay/registry"
	"github.com/georelay/georelay/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubFactory maps location URIs to pre-built stores.
type stubFactory struct {
	stores map[string]interfaces.ObjectStore
}

func (f *stubFactory) StorageBackendFor(locationURI string) (interfaces.ObjectStore, error) {
	store, ok := f.stores[locationURI]
	if !ok {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidLocationURI, locationURI)
	}
	return store, nil
}

func newMockStore(uri string) *storage.MockObjectStore {
	store := new(storage.MockObjectStore)
	store.On("LocationURI").Return(uri)
	return store
}

// testEnv wires a router over two mock-backed regions: EEUR near Krakow and
// WNAM near Seattle, with EEUR as the default.
type testEnv struct {
	router http.Handler
	eeur   *storage.MockObjectStore
	wnam   *storage.MockObjectStore
}

func newTestEnv(t *testing.T, authTokens ...string) *testEnv {
	t.Helper()

	env := &testEnv{
		eeur: newMockStore("mock://eeur"),
		wnam: newMockStore("mock://wnam"),
	}
	factory := &stubFactory{stores: map[string]interfaces.ObjectStore{
		"mock://eeur": env.eeur,
		"mock://wnam": env.wnam,
	}}

	specs := []registry.BackendSpec{
		{ID: "EEUR", Name: "Eastern Europe", Latitude: 50.06, Longitude: 19.94, Location: "mock://eeur"},
		{ID: "WNAM", Name: "Western North America", Latitude: 47.61, Longitude: -122.33, Location: "mock://wnam"},
	}
	reg, err := registry.New(specs, "EEUR", factory, testLogger())
	require.NoError(t, err)

	srv, err := New(&HTTPServerConfig{
		ListenAddr: "localhost:0",
		Log:        testLogger(),
		AuthTokens: authTokens,
	}, NewHandler(reg, testLogger()))
	require.NoError(t, err)

	env.router = srv.getRouter()
	return env
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestGetObjectRejectsEmptyKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing object key", errorMessage(t, rec))
	env.eeur.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
	env.wnam.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetObjectRoutesToNearestBackend(t *testing.T) {
	env := newTestEnv(t)
	obj := &interfaces.Object{
		Body: io.NopCloser(strings.NewReader("payload")),
		Size: 7,
		ETag: "etag1",
	}
	env.wnam.On("Get", mock.Anything, "reports/report.pdf", mock.Anything).Return(obj, nil).Once()

	// Portland is far closer to Seattle than to Krakow
	req := httptest.NewRequest(http.MethodGet, "/reports/report.pdf", nil)
	req.Header.Set(LatitudeHeader, "45.52")
	req.Header.Set(LongitudeHeader, "-122.68")
	rec := env.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payload", rec.Body.String())
	assert.Equal(t, `"etag1"`, rec.Header().Get("ETag"))
	assert.Equal(t, "7", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Header().Get("Content-Range"))
	env.eeur.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
	env.wnam.AssertExpectations(t)
}

func TestGetObjectFallsBackToDefault(t *testing.T) {
	env := newTestEnv(t)
	obj := &interfaces.Object{Body: io.NopCloser(strings.NewReader("x")), Size: 1}
	env.eeur.On("Get", mock.Anything, "key", mock.Anything).Return(obj, nil).Once()

	// No geolocation headers at all
	rec := env.do(httptest.NewRequest(http.MethodGet, "/key", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	env.wnam.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
	env.eeur.AssertExpectations(t)
}

func TestGetObjectForwardsRangeAndConditionals(t *testing.T) {
	env := newTestEnv(t)
	wantOpts := interfaces.GetOptions{
		Range:       "bytes=2-5",
		IfNoneMatch: `"etag1"`,
	}
	obj := &interfaces.Object{
		Body:  io.NopCloser(strings.NewReader("2345")),
		Size:  10,
		ETag:  "etag2",
		Range: &interfaces.AppliedRange{Offset: 2, End: 5},
	}
	env.eeur.On("Get", mock.Anything, "data.bin", wantOpts).Return(obj, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/data.bin", nil)
	req.Header.Set("Range", "bytes=2-5")
	req.Header.Set("If-None-Match", `"etag1"`)
	rec := env.do(req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Equal(t, "2345", rec.Body.String())
	env.eeur.AssertExpectations(t)
}

func TestGetObjectRangeWithoutReportedEnd(t *testing.T) {
	env := newTestEnv(t)
	obj := &interfaces.Object{
		Body:  io.NopCloser(strings.NewReader("789")),
		Size:  10,
		Range: &interfaces.AppliedRange{Offset: 7, End: -1},
	}
	env.eeur.On("Get", mock.Anything, "data.bin", mock.Anything).Return(obj, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/data.bin", nil)
	req.Header.Set("Range", "bytes=7-")
	rec := env.do(req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	// An unreported range end defaults to the last byte
	assert.Equal(t, "bytes 7-9/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "3", rec.Header().Get("Content-Length"))
}

func TestGetObjectNotModified(t *testing.T) {
	env := newTestEnv(t)
	obj := &interfaces.Object{ETag: "etag1", Size: 7}
	env.eeur.On("Get", mock.Anything, "cond.txt", mock.Anything).Return(obj, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/cond.txt", nil)
	req.Header.Set("If-None-Match", `"etag1"`)
	rec := env.do(req)

	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Equal(t, `"etag1"`, rec.Header().Get("ETag"))
	assert.Empty(t, rec.Body.String())
}

func TestGetObjectNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.eeur.On("Get", mock.Anything, "reports/missing.pdf", mock.Anything).
		Return(nil, interfaces.ErrObjectNotFound).Once()

	rec := env.do(httptest.NewRequest(http.MethodGet, "/reports/missing.pdf", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "reports/missing.pdf not found", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestGetObjectBackendFailure(t *testing.T) {
	env := newTestEnv(t)
	env.eeur.On("Get", mock.Anything, "key", mock.Anything).
		Return(nil, fmt.Errorf("connection refused")).Once()

	rec := env.do(httptest.NewRequest(http.MethodGet, "/key", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	// Backend failure details stay out of the response
	assert.Equal(t, "failed to process request", errorMessage(t, rec))
}

func TestGetObjectMetadataHeaders(t *testing.T) {
	env := newTestEnv(t)
	modified := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	obj := &interfaces.Object{
		Body:         io.NopCloser(strings.NewReader("x")),
		Size:         1,
		ContentType:  "application/pdf",
		LastModified: modified,
		Metadata:     map[string]string{"owner": "team-a"},
	}
	env.eeur.On("Get", mock.Anything, "doc.pdf", mock.Anything).Return(obj, nil).Once()

	rec := env.do(httptest.NewRequest(http.MethodGet, "/doc.pdf", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, modified.Format(http.TimeFormat), rec.Header().Get("Last-Modified"))
	assert.Equal(t, "team-a", rec.Header().Get("x-amz-meta-owner"))
}

func TestCreateUpload(t *testing.T) {
	env := newTestEnv(t)
	env.wnam.On("CreateMultipartUpload", mock.Anything, "big.bin").
		Return(interfaces.MultipartUpload{Key: "big.bin", UploadID: "upload-1"}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/big.bin?action=mpu-create", nil)
	req.Header.Set(BucketNameHeader, "WNAM")
	rec := env.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var mpu interfaces.MultipartUpload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mpu))
	assert.Equal(t, "big.bin", mpu.Key)
	assert.Equal(t, "upload-1", mpu.UploadID)
	env.wnam.AssertExpectations(t)
	env.eeur.AssertNotCalled(t, "CreateMultipartUpload", mock.Anything, mock.Anything)
}

func TestCreateUploadRejectsUnknownBackend(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/big.bin?action=mpu-create", nil)
	req.Header.Set(BucketNameHeader, "MOON")
	rec := env.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "unknown server")
	env.eeur.AssertNotCalled(t, "CreateMultipartUpload", mock.Anything, mock.Anything)
	env.wnam.AssertNotCalled(t, "CreateMultipartUpload", mock.Anything, mock.Anything)
}

func TestCreateUploadRequiresBucketHeader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/big.bin?action=mpu-create", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing X-Bucket-Name header", errorMessage(t, rec))
}

func TestPostRejectsUnknownAction(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/big.bin?action=mpu-abort", nil)
	req.Header.Set(BucketNameHeader, "EEUR")
	rec := env.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `unknown action "mpu-abort"`, errorMessage(t, rec))
}

func TestUploadPart(t *testing.T) {
	env := newTestEnv(t)
	session := new(storage.MockMultipartSession)
	session.On("UploadPart", mock.Anything, int64(3), mock.Anything).
		Return(interfaces.UploadedPart{PartNumber: 3, ETag: "part-etag", Size: 4}, nil).Once()
	env.wnam.On("ResumeMultipartUpload", "big.bin", "upload-1").Return(session).Once()

	req := httptest.NewRequest(http.MethodPut,
		"/big.bin?action=mpu-uploadpart&uploadId=upload-1&partNumber=3",
		bytes.NewReader([]byte("data")))
	req.Header.Set(BucketNameHeader, "WNAM")
	rec := env.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var part interfaces.UploadedPart
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &part))
	assert.Equal(t, int64(3), part.PartNumber)
	assert.Equal(t, "part-etag", part.ETag)
	assert.Equal(t, int64(4), part.Size)
	session.AssertExpectations(t)
	env.wnam.AssertExpectations(t)
}

func TestUploadPartValidation(t *testing.T) {
	cases := []struct {
		name    string
		target  string
		body    io.Reader
		wantMsg string
	}{
		{
			"wrong action",
			"/k?action=mpu-create&uploadId=u&partNumber=1",
			bytes.NewReader([]byte("data")),
			`unknown action "mpu-create"`,
		},
		{
			"missing uploadId",
			"/k?action=mpu-uploadpart&partNumber=1",
			bytes.NewReader([]byte("data")),
			"missing uploadId",
		},
		{
			"zero partNumber",
			"/k?action=mpu-uploadpart&uploadId=u&partNumber=0",
			bytes.NewReader([]byte("data")),
			"partNumber must be an integer >= 1",
		},
		{
			"non-numeric partNumber",
			"/k?action=mpu-uploadpart&uploadId=u&partNumber=one",
			bytes.NewReader([]byte("data")),
			"partNumber must be an integer >= 1",
		},
		{
			"empty body",
			"/k?action=mpu-uploadpart&uploadId=u&partNumber=1",
			nil,
			"missing request body",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPut, tc.target, tc.body)
			req.Header.Set(BucketNameHeader, "EEUR")
			rec := env.do(req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.wantMsg, errorMessage(t, rec))
			env.eeur.AssertNotCalled(t, "ResumeMultipartUpload", mock.Anything, mock.Anything)
		})
	}
}

func TestUploadPartBackendError(t *testing.T) {
	env := newTestEnv(t)
	session := new(storage.MockMultipartSession)
	session.On("UploadPart", mock.Anything, int64(1), mock.Anything).
		Return(interfaces.UploadedPart{}, fmt.Errorf(`unknown upload id "stale", retry mpu-create`)).Once()
	env.eeur.On("ResumeMultipartUpload", "k", "stale").Return(session).Once()

	req := httptest.NewRequest(http.MethodPut,
		"/k?action=mpu-uploadpart&uploadId=stale&partNumber=1",
		bytes.NewReader([]byte("data")))
	req.Header.Set(BucketNameHeader, "EEUR")
	rec := env.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `unknown upload id "stale", retry mpu-create`, errorMessage(t, rec))
}

func TestCompleteUpload(t *testing.T) {
	env := newTestEnv(t)
	parts := []interfaces.CompletedPart{
		{PartNumber: 1, ETag: "e1"},
		{PartNumber: 2, ETag: "e2"},
	}
	session := new(storage.MockMultipartSession)
	session.On("Complete", mock.Anything, parts).Return("final-etag", nil).Once()
	env.wnam.On("ResumeMultipartUpload", "big.bin", "upload-1").Return(session).Once()

	body := `{"parts":[{"partNumber":1,"etag":"e1"},{"partNumber":2,"etag":"e2"}]}`
	req := httptest.NewRequest(http.MethodPost,
		"/big.bin?action=mpu-complete&uploadId=upload-1", strings.NewReader(body))
	req.Header.Set(BucketNameHeader, "WNAM")
	rec := env.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"final-etag"`, rec.Header().Get("ETag"))
	assert.Empty(t, rec.Body.String())
	session.AssertExpectations(t)
}

func TestCompleteUploadValidation(t *testing.T) {
	cases := []struct {
		name    string
		target  string
		body    string
		wantMsg string
	}{
		{
			"missing uploadId",
			"/k?action=mpu-complete",
			`{"parts":[{"partNumber":1,"etag":"e1"}]}`,
			"missing uploadId",
		},
		{
			"malformed body",
			"/k?action=mpu-complete&uploadId=u",
			`{"parts": nope}`,
			"malformed request body",
		},
		{
			"empty parts",
			"/k?action=mpu-complete&uploadId=u",
			`{"parts":[]}`,
			"parts must be a non-empty array",
		},
		{
			"invalid partNumber",
			"/k?action=mpu-complete&uploadId=u",
			`{"parts":[{"partNumber":0,"etag":"e1"}]}`,
			"partNumber must be an integer >= 1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPost, tc.target, strings.NewReader(tc.body))
			req.Header.Set(BucketNameHeader, "EEUR")
			rec := env.do(req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.wantMsg, errorMessage(t, rec))
			env.eeur.AssertNotCalled(t, "ResumeMultipartUpload", mock.Anything, mock.Anything)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodDelete, "/key", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST, PUT", rec.Header().Get("Allow"))
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.eeur.On("Available", mock.Anything).Return(true)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/drain", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/undrain", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzChecksDefaultBackend(t *testing.T) {
	env := newTestEnv(t)
	env.eeur.On("Available", mock.Anything).Return(false)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestMultipartLifecycleEndToEnd drives the whole lifecycle against a real
// file backend and reads the object back through the geo path.
func TestMultipartLifecycleEndToEnd(t *testing.T) {
	dir := t.TempDir()
	factory := storage.NewStorageBackendFactory(testLogger())
	specs := []registry.BackendSpec{
		{ID: "EEUR", Name: "Eastern Europe", Latitude: 50.06, Longitude: 19.94, Location: "file://" + dir},
	}
	reg, err := registry.New(specs, "EEUR", factory, testLogger())
	require.NoError(t, err)

	srv, err := New(&HTTPServerConfig{
		ListenAddr: "localhost:0",
		Log:        testLogger(),
	}, NewHandler(reg, testLogger()))
	require.NoError(t, err)
	router := srv.getRouter()

	do := func(req *http.Request) *httptest.ResponseRecorder {
		req.Header.Set(BucketNameHeader, "EEUR")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// Create
	rec := do(httptest.NewRequest(http.MethodPost, "/backups/archive.bin?action=mpu-create", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var mpu interfaces.MultipartUpload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mpu))

	// Upload two parts
	var parts []interfaces.CompletedPart
	for i, data := range []string{"hello ", "world"} {
		target := fmt.Sprintf("/backups/archive.bin?action=mpu-uploadpart&uploadId=%s&partNumber=%d", mpu.UploadID, i+1)
		rec := do(httptest.NewRequest(http.MethodPut, target, strings.NewReader(data)))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var part interfaces.UploadedPart
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &part))
		parts = append(parts, interfaces.CompletedPart{PartNumber: part.PartNumber, ETag: part.ETag})
	}

	// Complete
	body, err := json.Marshal(map[string]any{"parts": parts})
	require.NoError(t, err)
	rec = do(httptest.NewRequest(http.MethodPost,
		"/backups/archive.bin?action=mpu-complete&uploadId="+mpu.UploadID, bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	// Read back, full and ranged
	rec = do(httptest.NewRequest(http.MethodGet, "/backups/archive.bin", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, etag, rec.Header().Get("ETag"))

	req := httptest.NewRequest(http.MethodGet, "/backups/archive.bin", nil)
	req.Header.Set("Range", "bytes=6-10")
	rec = do(req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "world", rec.Body.String())
	assert.Equal(t, "bytes 6-10/11", rec.Header().Get("Content-Range"))

	req = httptest.NewRequest(http.MethodGet, "/backups/archive.bin", nil)
	req.Header.Set("If-None-Match", etag)
	rec = do(req)
	require.Equal(t, http.StatusNotModified, rec.Code)
}
