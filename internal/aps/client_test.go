package aps

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"apsbulk/internal/bulk"
	"apsbulk/internal/storage"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Token: "tok", MaxConnsPerHost: 4}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestStatusErrorFromResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"developerMessage":"rate limit exceeded"}`)
	}))

	err := c.do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	var se *bulk.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 429, se.Code)
	assert.Equal(t, "rate limit exceeded", se.Message)
	assert.Equal(t, 7*time.Second, se.RetryAfter())
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Duration(0), retryAfter("", now))
	assert.Equal(t, 3*time.Second, retryAfter("3", now))
	assert.Equal(t, time.Duration(0), retryAfter("-1", now))
	assert.Equal(t, 90*time.Second, retryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), retryAfter("soon", now))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "nope", errorMessage([]byte(`{"detail":"nope"}`)))
	assert.Equal(t, "first", errorMessage([]byte(`{"errors":[{"detail":"first"}]}`)))
	assert.Equal(t, "plain text", errorMessage([]byte(" plain text\n")))
	assert.True(t, strings.HasSuffix(errorMessage([]byte(strings.Repeat("x", 300))), "..."))
}

func TestNormalizeProjectID(t *testing.T) {
	assert.Equal(t, "abc", NormalizeProjectID("b.abc"))
	assert.Equal(t, "abc", NormalizeProjectID("abc"))
	assert.Equal(t, "b.abc", dmProjectID("abc"))
	assert.Equal(t, "b.abc", dmProjectID("b.abc"))
}

func TestOSSSignedUpload(t *testing.T) {
	var mu sync.Mutex
	uploaded := map[int]string{}
	var completed []string

	s3 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "signed urls get no bearer")
		body, _ := io.ReadAll(r.Body)
		part, _ := strconv.Atoi(r.URL.Query().Get("part"))
		mu.Lock()
		uploaded[part] = string(body)
		mu.Unlock()
		w.Header().Set("ETag", `"etag-`+strconv.Itoa(part)+`"`)
	}))
	defer s3.Close()

	const objPath = "/oss/v2/buckets/bkt/objects/dir%2Ffile.bin/signeds3upload"
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, objPath, r.URL.EscapedPath())
		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query()
			assert.Equal(t, "1", q.Get("parts"))
			part := q.Get("firstPart")
			if part == "" {
				part = "1"
			} else {
				assert.Equal(t, "UK", q.Get("uploadKey"))
			}
			_ = json.NewEncoder(w).Encode(signedUpload{UploadKey: "UK", URLs: []string{s3.URL + "/?part=" + part}})
		case http.MethodPost:
			var body struct {
				UploadKey string   `json:"uploadKey"`
				ETags     []string `json:"eTags"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "UK", body.UploadKey)
			completed = body.ETags
			_, _ = io.WriteString(w, `{"objectKey":"dir/file.bin"}`)
		}
	}))

	oss := c.OSS()
	ctx := context.Background()
	key, err := oss.NewMultipartUpload(ctx, "bkt", "dir/file.bin", storage.PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, "UK", key)

	etag, err := oss.UploadPart(ctx, "bkt", "dir/file.bin", key, 2, strings.NewReader("world"), 5)
	require.NoError(t, err)
	assert.Equal(t, "etag-2", etag)
	etag, err = oss.UploadPart(ctx, "bkt", "dir/file.bin", key, 1, strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, "etag-1", etag)
	assert.Equal(t, map[int]string{1: "hello", 2: "world"}, uploaded)

	err = oss.CompleteMultipartUpload(ctx, "bkt", "dir/file.bin", key, []storage.CompletedPart{
		{PartNumber: 1, ETag: "etag-1"}, {PartNumber: 2, ETag: "etag-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"etag-1", "etag-2"}, completed)

	err = oss.CompleteMultipartUpload(ctx, "bkt", "dir/file.bin", key, []storage.CompletedPart{{PartNumber: 2, ETag: "x"}})
	assert.Error(t, err)
}

func TestOSSHeadObjectNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/present/details") {
			_, _ = io.WriteString(w, `{"objectKey":"present","size":42,"sha1":"abc"}`)
			return
		}
		http.NotFound(w, r)
	}))

	info, err := c.OSS().HeadObject(context.Background(), "bkt", "present")
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.Size)

	_, err = c.OSS().HeadObject(context.Background(), "bkt", "absent")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}
