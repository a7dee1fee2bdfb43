/*
Package httpserver implements the HTTP surface of the geo-aware object
gateway.

It routes object-storage requests to one of several regional storage
backends. Downloads are served from the backend geographically nearest the
requesting client; multipart uploads address an explicit backend named by the
client. The gateway holds no state across requests: multipart session state
lives entirely in the backend, so gateway instances scale horizontally with
no coordination or sticky routing.

# Request handling

  - GET /{objectKey} - Download an object. The backend is chosen by haversine
    distance from the client's geolocation headers, falling back to the
    configured default backend when no location is available. Inbound Range
    and conditional (If-*) headers are forwarded verbatim to the backend.
  - POST /{objectKey}?action=mpu-create - Create a multipart upload.
  - PUT /{objectKey}?action=mpu-uploadpart&uploadId={id}&partNumber={n} -
    Upload one part; the request body is the raw part bytes.
  - POST /{objectKey}?action=mpu-complete&uploadId={id} - Complete an upload.
  - GET /livez, /readyz, /drain, /undrain - Health and diagnostics.

POST and PUT requests carry the target backend's short code in the
X-Bucket-Name header; a missing or unknown code is a client error (400),
never a 404.

# Error responses

All non-2xx/3xx responses carry a JSON body of the form {"error": "..."},
except 404 which is a plain-text message naming the missing object.
Validation failures are detected before any backend I/O. Backend failures
during multipart operations map to 400 with the backend's message since they
are client-actionable protocol errors; backend failures during reads map to
500 with a generic message, with details logged server-side. The gateway
never retries a backend call: part bytes are consumed on first use and
replaying them safely would require buffering.

# Authentication

An AuthGate checks the request's bearer token before any core logic runs; a
denied token short-circuits to 401. Token issuance is outside this package.
*/
package httpserver
