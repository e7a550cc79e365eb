package aps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"apsbulk/internal/storage"
)

// OSS uploads objects to an APS bucket through signed S3 URLs. It
// implements storage.Client so part uploads run the same way against APS
// and S3-compatible targets.
type OSS struct {
	*Client
}

var _ storage.Client = (*OSS)(nil)

// OSS returns the object storage view of c
func (c *Client) OSS() *OSS {
	return &OSS{Client: c}
}

type signedUpload struct {
	UploadKey        string   `json:"uploadKey"`
	URLs             []string `json:"urls"`
	UploadExpiration string   `json:"uploadExpiration,omitempty"`
}

type objectDetails struct {
	BucketKey   string `json:"bucketKey"`
	ObjectKey   string `json:"objectKey"`
	ObjectID    string `json:"objectId"`
	SHA1        string `json:"sha1"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	Location    string `json:"location"`
}

func objectPath(bucket, key string) string {
	return "/oss/v2/buckets/" + url.PathEscape(bucket) + "/objects/" + url.PathEscape(key)
}

// signedURL requests one signed part URL. An empty uploadKey starts a new
// upload session.
func (o *OSS) signedURL(ctx context.Context, bucket, key, uploadKey string, partNumber int) (signedUpload, error) {
	q := url.Values{}
	q.Set("parts", "1")
	if partNumber > 0 {
		q.Set("firstPart", strconv.Itoa(partNumber))
	}
	if uploadKey != "" {
		q.Set("uploadKey", uploadKey)
	}

	var s signedUpload
	if err := o.do(ctx, http.MethodGet, objectPath(bucket, key)+"/signeds3upload", q, nil, &s); err != nil {
		return s, fmt.Errorf("get signed upload url: %w", err)
	}
	if s.UploadKey == "" || len(s.URLs) == 0 {
		return s, errors.New("get signed upload url: response has no upload key or urls")
	}
	return s, nil
}

// HeadObject gets object details
func (o *OSS) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	var d objectDetails
	if err := o.do(ctx, http.MethodGet, objectPath(bucket, key)+"/details", nil, nil, &d); err != nil {
		if IsNotFound(err) {
			return storage.ObjectInfo{}, fmt.Errorf("%w: %s/%s", storage.ErrObjectNotFound, bucket, key)
		}
		return storage.ObjectInfo{}, err
	}
	return storage.ObjectInfo{
		Key:         d.ObjectKey,
		Size:        d.Size,
		ETag:        d.SHA1,
		ContentType: d.ContentType,
	}, nil
}

// NewMultipartUpload opens a signed upload session and returns its
// upload key
func (o *OSS) NewMultipartUpload(ctx context.Context, bucket, key string, _ storage.PutOptions) (string, error) {
	s, err := o.signedURL(ctx, bucket, key, "", 0)
	if err != nil {
		return "", err
	}
	o.logger.Debug("Opened signed upload session",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.String("expires", s.UploadExpiration),
	)
	return s.UploadKey, nil
}

// UploadPart fetches a fresh signed URL for the part, PUTs the bytes and
// returns the ETag S3 reported
func (o *OSS) UploadPart(ctx context.Context, bucket, key, uploadKey string, partNumber int, reader io.Reader, size int64) (string, error) {
	s, err := o.signedURL(ctx, bucket, key, uploadKey, partNumber)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.URLs[0], reader)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := o.upload.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload part %d: %w", partNumber, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload part %d: %w", partNumber, statusError(resp))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", fmt.Errorf("upload part %d: response has no ETag", partNumber)
	}
	return etag, nil
}

// CompleteMultipartUpload finalizes the upload. Parts must be in ascending
// part number order.
func (o *OSS) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadKey string, parts []storage.CompletedPart) error {
	etags := make([]string, len(parts))
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return fmt.Errorf("complete upload: part %d missing or out of order", i+1)
		}
		etags[i] = p.ETag
	}

	body := map[string]any{
		"uploadKey": uploadKey,
		"eTags":     etags,
	}
	if err := o.do(ctx, http.MethodPost, objectPath(bucket, key)+"/signeds3upload", nil, body, nil); err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	return nil
}

// AbortMultipartUpload is a no-op: signed upload sessions expire on
// their own
func (o *OSS) AbortMultipartUpload(context.Context, string, string, string) error {
	return nil
}
