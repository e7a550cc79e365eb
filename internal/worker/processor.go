package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"go.uber.org/zap"

	"apsbulk/internal/bulk"
	"apsbulk/internal/checkpoint"
	"apsbulk/internal/storage"
)

// PartUploader uploads the parts of one file to a multipart session
type PartUploader struct {
	client storage.Client
	params UploadParams
	logger *zap.Logger
}

// NewPartUploader creates an uploader for the session in params
func NewPartUploader(client storage.Client, params UploadParams, logger *zap.Logger) *PartUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartUploader{
		client: client,
		params: params,
		logger: logger.With(zap.String("bucket", params.Bucket), zap.String("key", params.Key)),
	}
}

// Process uploads one part and reports its ETag as the output
func (u *PartUploader) Process(ctx context.Context, item bulk.WorkItem) bulk.ItemResult {
	part, err := ParsePart(item)
	if err != nil {
		return bulk.Failed(bulk.Permanent(err))
	}

	f, err := os.Open(u.params.File)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return bulk.Failed(bulk.Permanent(err))
		}
		return bulk.Failed(bulk.Transient(err))
	}
	defer f.Close()

	reader := io.NewSectionReader(f, part.Offset, part.Size)
	etag, err := u.client.UploadPart(ctx, u.params.Bucket, u.params.Key, u.params.UploadID, part.Number, reader, part.Size)
	if err != nil {
		return bulk.Failed(fmt.Errorf("part %d: %w", part.Number, err))
	}

	u.logger.Debug("Uploaded part",
		zap.Int("part", part.Number),
		zap.Int64("size", part.Size),
		zap.String("etag", etag),
	)
	return bulk.Success(etag).WithBytes(part.Size)
}

// CompletedParts collects the uploaded parts from the operation state in
// ascending part order. It fails when any part is missing.
func CompletedParts(state *checkpoint.OperationState) ([]storage.CompletedPart, error) {
	parts := make([]storage.CompletedPart, 0, len(state.Items))
	for _, item := range state.Items {
		if item.Status != checkpoint.ItemCompleted {
			return nil, fmt.Errorf("%s is %s", item.ID, item.Status)
		}
		var p Part
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s: invalid part payload: %w", item.ID, err)
		}
		parts = append(parts, storage.CompletedPart{PartNumber: p.Number, ETag: item.Output})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// Complete finalizes the upload once every part is in
func (u *PartUploader) Complete(ctx context.Context, state *checkpoint.OperationState) error {
	parts, err := CompletedParts(state)
	if err != nil {
		return fmt.Errorf("cannot complete upload: %w", err)
	}
	if err := u.client.CompleteMultipartUpload(ctx, u.params.Bucket, u.params.Key, u.params.UploadID, parts); err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	u.logger.Info("Upload completed", zap.Int("parts", len(parts)), zap.Int64("size", u.params.Size))
	return nil
}

// Uploaded reports whether the target already holds an object of the
// expected size, which settles a completion whose response was lost
func (u *PartUploader) Uploaded(ctx context.Context) bool {
	info, err := u.client.HeadObject(ctx, u.params.Bucket, u.params.Key)
	if err != nil {
		if !storage.IsNotFound(err) {
			u.logger.Warn("Failed to check uploaded object", zap.Error(err))
		}
		return false
	}
	return info.Size == u.params.Size
}

// Abort discards the upload session
func (u *PartUploader) Abort(ctx context.Context) error {
	return u.client.AbortMultipartUpload(ctx, u.params.Bucket, u.params.Key, u.params.UploadID)
}
