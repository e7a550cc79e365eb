package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apsbulk/internal/bulk"
	"apsbulk/internal/checkpoint"
	"apsbulk/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	parts     map[int][]byte
	completed []storage.CompletedPart
	failPart  int
	headSize  int64
}

func (f *fakeStore) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	if f.headSize < 0 {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: f.headSize}, nil
}

func (f *fakeStore) NewMultipartUpload(ctx context.Context, bucket, key string, opts storage.PutOptions) (string, error) {
	return "upload-1", nil
}

func (f *fakeStore) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	if partNumber == f.failPart {
		return "", &bulk.StatusError{Code: 503}
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("short part: %d != %d", len(data), size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.parts == nil {
		f.parts = map[int][]byte{}
	}
	f.parts[partNumber] = data
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (f *fakeStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []storage.CompletedPart) error {
	f.completed = parts
	return nil
}

func (f *fakeStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return nil
}

func writeFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestPartUploaderUploadsRanges(t *testing.T) {
	const size = 12 << 20
	path := writeFile(t, size)
	store := &fakeStore{}
	params := UploadParams{File: path, Bucket: "b", Key: "k", UploadID: "upload-1", Size: size}
	u := NewPartUploader(store, params, nil)

	parts, err := PlanParts(size, MinPartSize)
	require.NoError(t, err)
	items := PartItems(parts)

	for _, item := range items {
		res := u.Process(context.Background(), item)
		require.Equal(t, bulk.ResultSuccess, res.Kind, "item %s: %v", item.ID, res.Err)
		assert.Equal(t, "etag-"+item.ID[len(item.ID)-1:], res.Output)
	}

	src, err := os.ReadFile(path)
	require.NoError(t, err)
	var joined []byte
	for n := 1; n <= len(parts); n++ {
		joined = append(joined, store.parts[n]...)
	}
	assert.Equal(t, src, joined)
}

func TestPartUploaderFailures(t *testing.T) {
	path := writeFile(t, 1024)
	store := &fakeStore{failPart: 1}
	u := NewPartUploader(store, UploadParams{File: path, Size: 1024}, nil)
	items := PartItems([]Part{{Number: 1, Size: 1024}})

	res := u.Process(context.Background(), items[0])
	require.Equal(t, bulk.ResultFailed, res.Kind)
	var se *bulk.StatusError
	assert.ErrorAs(t, res.Err, &se)

	missing := NewPartUploader(store, UploadParams{File: filepath.Join(t.TempDir(), "gone")}, nil)
	res = missing.Process(context.Background(), items[0])
	require.Equal(t, bulk.ResultFailed, res.Kind)
	assert.True(t, errors.Is(res.Err, os.ErrNotExist))
}

func TestCompletedPartsAndComplete(t *testing.T) {
	parts := []Part{{Number: 1, Size: 5}, {Number: 2, Offset: 5, Size: 5}}
	var seeds []checkpoint.ItemSeed
	for _, item := range PartItems(parts) {
		seeds = append(seeds, checkpoint.ItemSeed{ID: item.ID, Label: item.Label, Payload: item.Payload})
	}
	state, err := checkpoint.NewOperationState("op", "upload", nil, seeds, testNow)
	require.NoError(t, err)

	_, err = CompletedParts(state)
	assert.Error(t, err, "pending parts cannot complete")

	state.Items[1].Status, state.Items[1].Output = checkpoint.ItemCompleted, "e2"
	state.Items[0].Status, state.Items[0].Output = checkpoint.ItemCompleted, "e1"

	store := &fakeStore{headSize: 10}
	u := NewPartUploader(store, UploadParams{Size: 10}, nil)
	require.NoError(t, u.Complete(context.Background(), state))
	assert.Equal(t, []storage.CompletedPart{{PartNumber: 1, ETag: "e1"}, {PartNumber: 2, ETag: "e2"}}, store.completed)

	assert.True(t, u.Uploaded(context.Background()))
	store.headSize = -1
	assert.False(t, u.Uploaded(context.Background()))
}
