package worker

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"

	"apsbulk/internal/bulk"
)

// KindUpload is the operation kind of a multipart file upload
const KindUpload = "upload"

// Part size limits for multipart uploads
const (
	MinPartSize     int64 = 5 << 20
	MaxPartSize     int64 = 100 << 20
	DefaultPartSize       = MinPartSize
	// MaxParts is the S3 limit on parts per upload
	MaxParts = 10000
)

// Part is one byte range of the source file
type Part struct {
	Number int   `json:"part_number"`
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// ItemID is the work item id of the part
func (p Part) ItemID() string {
	return fmt.Sprintf("part-%05d", p.Number)
}

// PlanParts splits size bytes into parts of partSize. An empty file is a
// single empty part.
func PlanParts(size, partSize int64) ([]Part, error) {
	if partSize < MinPartSize || partSize > MaxPartSize {
		return nil, fmt.Errorf("part size %d outside [%d, %d]", partSize, MinPartSize, MaxPartSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("negative file size %d", size)
	}
	if size == 0 {
		return []Part{{Number: 1}}, nil
	}

	count := (size + partSize - 1) / partSize
	if count > MaxParts {
		return nil, fmt.Errorf("file needs %d parts, limit is %d; raise the part size", count, MaxParts)
	}
	parts := make([]Part, 0, count)
	for off, n := int64(0), 1; off < size; off, n = off+partSize, n+1 {
		sz := partSize
		if off+sz > size {
			sz = size - off
		}
		parts = append(parts, Part{Number: n, Offset: off, Size: sz})
	}
	return parts, nil
}

// PartItems converts parts to work items in part order
func PartItems(parts []Part) []bulk.WorkItem {
	items := make([]bulk.WorkItem, len(parts))
	for i, p := range parts {
		payload, _ := json.Marshal(p)
		items[i] = bulk.WorkItem{
			ID:      p.ItemID(),
			Label:   fmt.Sprintf("part %d/%d", p.Number, len(parts)),
			Payload: payload,
			Bytes:   p.Size,
		}
	}
	return items
}

// ParsePart reads the part back from a work item payload
func ParsePart(item bulk.WorkItem) (Part, error) {
	var p Part
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return p, fmt.Errorf("item %s: invalid part payload: %w", item.ID, err)
	}
	if p.Number < 1 || p.Offset < 0 || p.Size < 0 {
		return p, fmt.Errorf("item %s: invalid part %+v", item.ID, p)
	}
	return p, nil
}

// UploadParams are the persisted parameters of an upload operation
type UploadParams struct {
	File        string `mapstructure:"file"`
	Bucket      string `mapstructure:"bucket"`
	Key         string `mapstructure:"key"`
	Target      string `mapstructure:"target"`
	UploadID    string `mapstructure:"upload_id"`
	Size        int64  `mapstructure:"size"`
	ModTime     int64  `mapstructure:"mod_time"`
	PartSize    int64  `mapstructure:"part_size"`
	ContentType string `mapstructure:"content_type"`
}

// Map encodes the parameters for the state store
func (p UploadParams) Map() map[string]any {
	return map[string]any{
		"file":         p.File,
		"bucket":       p.Bucket,
		"key":          p.Key,
		"target":       p.Target,
		"upload_id":    p.UploadID,
		"size":         p.Size,
		"mod_time":     p.ModTime,
		"part_size":    p.PartSize,
		"content_type": p.ContentType,
	}
}

// DecodeParams decodes persisted parameters into out. Numbers read back
// from JSON arrive as float64 and are converted.
func DecodeParams(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("decode operation params: %w", err)
	}
	return nil
}

// CheckSource verifies the file is unchanged since the upload started
func (p UploadParams) CheckSource() error {
	info, err := os.Stat(p.File)
	if err != nil {
		return err
	}
	if info.Size() != p.Size || info.ModTime().Unix() != p.ModTime {
		return fmt.Errorf("%s changed since the upload started (size %d, was %d)", p.File, info.Size(), p.Size)
	}
	return nil
}
