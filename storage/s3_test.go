package storage

import (
	"testing"

	"github.com/georelay/georelay/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentRange(t *testing.T) {
	applied, total, err := parseContentRange("bytes 100-199/1000")
	require.NoError(t, err)
	assert.Equal(t, &interfaces.AppliedRange{Offset: 100, End: 199}, applied)
	assert.Equal(t, int64(1000), total)

	for _, malformed := range []string{"", "100-199/1000", "bytes 100/1000", "bytes a-b/c"} {
		_, _, err := parseContentRange(malformed)
		assert.Error(t, err, malformed)
	}
}

func TestUnquoteETag(t *testing.T) {
	assert.Equal(t, "abc123", unquoteETag(`"abc123"`))
	assert.Equal(t, "abc123", unquoteETag("abc123"))
	assert.Equal(t, "", unquoteETag(""))
}

func TestS3ObjectKeyPrefix(t *testing.T) {
	backend, err := NewS3Backend("bucket", "team/docs", "us-east-1", "", "", "", testLogger())
	require.NoError(t, err)
	assert.Equal(t, "team/docs/report.pdf", backend.objectKey("report.pdf"))

	flat, err := NewS3Backend("bucket", "", "us-east-1", "", "", "", testLogger())
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", flat.objectKey("report.pdf"))
}
