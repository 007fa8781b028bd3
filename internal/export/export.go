// Package export assembles a job's accepted records into a single
// artifact in the requested format and writes it to the blob store at a
// deterministic key.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/plotpalette/plotpalette/internal/domain"
)

// Formats accepted in a job's output_format field.
const (
	FormatJSONL   = "jsonl"
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// BlobStore is the artifact destination. Same conditional-put contract as
// the checkpoint blob store.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, ifTag string) (tag string, err error)
	Get(ctx context.Context, key string) (data []byte, tag string, err error)
}

// Encoder serializes a record set into one export format.
type Encoder interface {
	Encode(records []domain.Record) ([]byte, error)
	Ext() string
}

// ForFormat returns the encoder for an output format name.
func ForFormat(format string) (Encoder, error) {
	switch format {
	case FormatJSONL:
		return jsonlEncoder{}, nil
	case FormatCSV:
		return csvEncoder{}, nil
	case FormatParquet:
		return parquetEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// Manifest is the artifact sidecar carrying the final accounting, in
// particular the rejected-record count that the artifact itself cannot
// show.
type Manifest struct {
	JobID            string  `json:"job_id"`
	Format           string  `json:"format"`
	RecordsGenerated int64   `json:"records_generated"`
	RecordsRejected  int64   `json:"records_rejected"`
	TokensUsed       int64   `json:"tokens_used"`
	Cost             float64 `json:"cost"`
}

// Writer persists export artifacts.
type Writer struct {
	blobs BlobStore
}

// NewWriter creates an export writer over a blob store.
func NewWriter(blobs BlobStore) *Writer {
	return &Writer{blobs: blobs}
}

// Key is the deterministic artifact key for a job and format.
func Key(jobID, format string) (string, error) {
	enc, err := ForFormat(format)
	if err != nil {
		return "", err
	}
	return "export/" + jobID + "." + enc.Ext(), nil
}

// Write encodes the records and persists the artifact and its manifest.
// A re-run after an interrupted finalize overwrites both; deterministic
// replay produces identical content, so the overwrite is idempotent.
func (w *Writer) Write(ctx context.Context, manifest Manifest, records []domain.Record) error {
	enc, err := ForFormat(manifest.Format)
	if err != nil {
		return err
	}
	data, err := enc.Encode(records)
	if err != nil {
		return fmt.Errorf("failed to encode export for job %s: %w", manifest.JobID, err)
	}

	key := "export/" + manifest.JobID + "." + enc.Ext()
	if err := w.put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write export artifact: %w", err)
	}

	metaBytes, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal export manifest: %w", err)
	}
	if err := w.put(ctx, "export/"+manifest.JobID+".manifest.json", metaBytes); err != nil {
		return fmt.Errorf("failed to write export manifest: %w", err)
	}
	return nil
}

// put writes unconditionally: create when absent, otherwise replace the
// current object.
func (w *Writer) put(ctx context.Context, key string, data []byte) error {
	_, err := w.blobs.Put(ctx, key, data, "")
	if !errors.Is(err, domain.ErrTagMismatch) {
		return err
	}
	_, tag, err := w.blobs.Get(ctx, key)
	if err != nil {
		return err
	}
	_, err = w.blobs.Put(ctx, key, data, tag)
	return err
}

// fieldColumns returns the sorted union of field keys across records.
func fieldColumns(records []domain.Record) []string {
	set := map[string]struct{}{}
	for _, r := range records {
		for k := range r.Fields {
			set[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func marshalLines(records []domain.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
