// Package seed serves seed-data rows out of a blob store. A locator is a
// blob key pointing at a JSONL file of row objects; loaded files are
// cached in memory since a worker samples the same locator thousands of
// times per job.
package seed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/plotpalette/plotpalette/internal/checkpoint"
	"github.com/plotpalette/plotpalette/internal/domain"
)

// Source loads and caches seed-data files.
type Source struct {
	blobs checkpoint.BlobStore

	mu    sync.Mutex
	cache map[string][]map[string]any
}

// NewSource creates a seed source over a blob store.
func NewSource(blobs checkpoint.BlobStore) *Source {
	return &Source{
		blobs: blobs,
		cache: make(map[string][]map[string]any),
	}
}

// RowAt returns the row at index within the locator's data set.
func (s *Source) RowAt(ctx context.Context, locator string, index int64) (map[string]any, error) {
	rows, err := s.load(ctx, locator)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= int64(len(rows)) {
		return nil, fmt.Errorf("%w: index %d of %d rows in %s",
			domain.ErrSeedRowOutOfRange, index, len(rows), locator)
	}
	return rows[index], nil
}

// NumRows returns the number of rows in the locator's data set.
func (s *Source) NumRows(ctx context.Context, locator string) (int64, error) {
	rows, err := s.load(ctx, locator)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *Source) load(ctx context.Context, locator string) ([]map[string]any, error) {
	s.mu.Lock()
	rows, ok := s.cache[locator]
	s.mu.Unlock()
	if ok {
		return rows, nil
	}

	data, _, err := s.blobs.Get(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed data %s: %w", locator, err)
	}

	rows, err = decodeRows(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode seed data %s: %w", locator, err)
	}

	s.mu.Lock()
	s.cache[locator] = rows
	s.mu.Unlock()
	return rows, nil
}

// decodeRows parses one JSON object per non-blank line.
func decodeRows(data []byte) ([]map[string]any, error) {
	var rows []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(text, &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
