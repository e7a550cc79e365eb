package storage

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apsbulk/internal/bulk"
)

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"localhost:9000", "localhost:9000", false},
		{"http://localhost:9000", "localhost:9000", false},
		{"https://s3.example.com/", "s3.example.com", false},
		{"https://s3.example.com/bucket", "", true},
		{"s3.example.com/bucket", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cleanEndpoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTranslateError(t *testing.T) {
	assert.NoError(t, translateError(nil))

	plain := errors.New("dial tcp: connection refused")
	assert.Same(t, plain, translateError(plain))

	err := translateError(minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey", Message: "missing"})
	assert.True(t, IsNotFound(err))

	err = translateError(minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchUpload", Message: "gone"})
	var se *bulk.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.HTTPStatus())
	assert.False(t, IsNotFound(err))

	err = translateError(minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable, Code: "SlowDown", Message: "reduce rate"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.Code)
	assert.Equal(t, "SlowDown: reduce rate", se.Message)
}
