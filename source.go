package tensorcache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/tensorcache/artifact"
)

// Record is one raw input sample.
type Record struct {
	// ID is a stable identifier. When empty, the identity is derived from
	// Paths, then from the index.
	ID string

	// Paths lists the files the record was read from.
	Paths []string

	// Fields holds the raw tensors fed to the pipeline.
	Fields *artifact.Artifact
}

// Identity returns the stable identity of the record at index.
func (r Record) Identity(index int) string {
	if r.ID != "" {
		return r.ID
	}
	if len(r.Paths) > 0 {
		paths := slices.Clone(r.Paths)
		slices.Sort(paths)
		return digest.FromString(strings.Join(paths, "\x00")).String()
	}
	return "index:" + strconv.Itoa(index)
}

// Source is an indexed collection of raw records.
type Source interface {
	Len() int
	Record(ctx context.Context, index int) (Record, error)
}

// MemorySource is a Source over records held in memory.
type MemorySource struct {
	records []Record
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource returns a source over records.
func NewMemorySource(records ...Record) *MemorySource {
	return &MemorySource{records: records}
}

// Len implements Source.
func (s *MemorySource) Len() int { return len(s.records) }

// Record implements Source.
func (s *MemorySource) Record(ctx context.Context, index int) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if index < 0 || index >= len(s.records) {
		return Record{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	rec := s.records[index]
	if rec.Fields == nil {
		return Record{}, errors.New("tensorcache: record has no fields")
	}
	return rec, nil
}
