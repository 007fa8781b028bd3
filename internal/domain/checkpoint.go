package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// CheckpointMeta is the metadata-store record for a job's checkpoint. The
// Version counter is the optimistic concurrency token: a write at version v
// only succeeds when the stored version is v-1. Tag is the blob store's
// content token for the snapshot the metadata points at.
type CheckpointMeta struct {
	JobID            string
	Version          int64
	Tag              string
	RecordsGenerated int64
	TokensUsed       int64
	Cost             float64
	UpdatedAt        time.Time
}

// Record is a single generated output unit and the unit of progress
// accounting. Index is the record slot within the job's target range;
// Fields holds the per-step outputs keyed by step id.
type Record struct {
	Index  int64             `json:"index"`
	Fields map[string]string `json:"fields"`
}

// Snapshot is the serialized worker state stored in the checkpoint blob.
// It embeds a copy of the counters that also live in metadata; the
// duplication backs the read-side reconciliation check.
type Snapshot struct {
	JobID            string   `json:"job_id"`
	RecordsGenerated int64    `json:"records_generated"`
	RecordsRejected  int64    `json:"records_rejected"`
	TokensUsed       int64    `json:"tokens_used"`
	Cost             float64  `json:"cost"`
	Seed             int64    `json:"seed"`
	BatchIndex       int64    `json:"batch_index"`
	Completed        bool     `json:"completed"`
	CompletedIndexes []int64  `json:"completed_indexes"` // sorted, includes dropped slots
	Buffer           []Record `json:"buffer,omitempty"`   // partial batch, not yet committed
	Checksum         string   `json:"checksum,omitempty"`
}

// HasIndex reports whether record slot idx is already accounted for.
func (s *Snapshot) HasIndex(idx int64) bool {
	_, found := slices.BinarySearch(s.CompletedIndexes, idx)
	return found
}

// AddIndex records slot idx as accounted for, keeping the set sorted.
func (s *Snapshot) AddIndex(idx int64) {
	pos, found := slices.BinarySearch(s.CompletedIndexes, idx)
	if found {
		return
	}
	s.CompletedIndexes = slices.Insert(s.CompletedIndexes, pos, idx)
}

// NextIndex returns the lowest record slot not yet in the completed set.
func (s *Snapshot) NextIndex() int64 {
	var idx int64
	for _, got := range s.CompletedIndexes {
		if got != idx {
			break
		}
		idx++
	}
	return idx
}

// checksumBasis marshals the snapshot with a cleared checksum field.
func (s *Snapshot) checksumBasis() ([]byte, error) {
	clone := *s
	clone.Checksum = ""
	return json.Marshal(&clone)
}

// Seal computes and embeds the integrity checksum.
func (s *Snapshot) Seal() error {
	basis, err := s.checksumBasis()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(basis)
	s.Checksum = hex.EncodeToString(sum[:])
	return nil
}

// VerifyChecksum recomputes the integrity checksum and compares it with the
// embedded one. Returns ErrCorruptSnapshot on mismatch.
func (s *Snapshot) VerifyChecksum() error {
	basis, err := s.checksumBasis()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(basis)
	if hex.EncodeToString(sum[:]) != s.Checksum {
		return ErrCorruptSnapshot
	}
	return nil
}

// MergeSnapshots combines two snapshots of the same job after a lost
// checkpoint race: element-wise maximum of all counters and the union of the
// completed-index sets, so the winner's state reflects at least the loser's
// progress. The buffer is taken from whichever side generated more records.
func MergeSnapshots(a, b *Snapshot) *Snapshot {
	hi, lo := a, b
	if b.RecordsGenerated > a.RecordsGenerated {
		hi, lo = b, a
	}
	merged := &Snapshot{
		JobID:            hi.JobID,
		RecordsGenerated: hi.RecordsGenerated,
		RecordsRejected:  max(a.RecordsRejected, b.RecordsRejected),
		TokensUsed:       max(a.TokensUsed, b.TokensUsed),
		Cost:             max(a.Cost, b.Cost),
		Seed:             hi.Seed,
		BatchIndex:       max(a.BatchIndex, b.BatchIndex),
		Completed:        a.Completed || b.Completed,
		Buffer:           hi.Buffer,
	}
	merged.CompletedIndexes = slices.Clone(hi.CompletedIndexes)
	for _, idx := range lo.CompletedIndexes {
		merged.AddIndex(idx)
	}
	return merged
}

// EncodeSnapshot seals and serializes a snapshot for the blob store.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	if err := s.Seal(); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// DecodeSnapshot deserializes a snapshot and verifies its integrity.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if err := s.VerifyChecksum(); err != nil {
		return nil, err
	}
	return &s, nil
}
