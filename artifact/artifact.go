// Package artifact defines the cached unit of work and its on-disk codec.
//
// An Artifact is an ordered set of named tensors, typically the output of the
// deterministic prefix of a preprocessing pipeline. Encode renders it as a
// self-describing, block-aligned blob:
//
//   - Preamble: magic, format version, header length, block size
//   - Header: FlatBuffers-encoded field table (dtype, shape, strides, offsets, checksums)
//   - Data: one buffer per field, each starting and ending on a block boundary
//
// Block alignment lets direct storage-to-device readers transfer each field
// without an intermediate host copy.
package artifact

import (
	"iter"
	"slices"

	"github.com/meigma/tensorcache/tensor"
)

// Artifact is an ordered mapping from field name to tensor.
//
// Artifact is not safe for concurrent mutation.
type Artifact struct {
	names  []string
	fields map[string]*tensor.Tensor
}

// New returns an empty Artifact.
func New() *Artifact {
	return &Artifact{fields: make(map[string]*tensor.Tensor)}
}

// Set stores t under name. A new name is appended to the field order; an
// existing name keeps its position.
func (a *Artifact) Set(name string, t *tensor.Tensor) {
	if a.fields == nil {
		a.fields = make(map[string]*tensor.Tensor)
	}
	if _, ok := a.fields[name]; !ok {
		a.names = append(a.names, name)
	}
	a.fields[name] = t
}

// Get returns the tensor stored under name.
func (a *Artifact) Get(name string) (*tensor.Tensor, bool) {
	t, ok := a.fields[name]
	return t, ok
}

// Delete removes name. Missing names are a no-op.
func (a *Artifact) Delete(name string) {
	if _, ok := a.fields[name]; !ok {
		return
	}
	delete(a.fields, name)
	a.names = slices.DeleteFunc(a.names, func(n string) bool { return n == name })
}

// Names returns field names in order.
func (a *Artifact) Names() []string {
	return slices.Clone(a.names)
}

// Len returns the number of fields.
func (a *Artifact) Len() int {
	return len(a.names)
}

// All iterates fields in order.
func (a *Artifact) All() iter.Seq2[string, *tensor.Tensor] {
	return func(yield func(string, *tensor.Tensor) bool) {
		for _, name := range a.names {
			if !yield(name, a.fields[name]) {
				return
			}
		}
	}
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	out := New()
	for name, t := range a.All() {
		out.Set(name, t.Clone())
	}
	return out
}

// Equal reports whether a and b hold the same field order and bit-identical tensors.
func Equal(a, b *Artifact) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !slices.Equal(a.names, b.names) {
		return false
	}
	for _, name := range a.names {
		if !tensor.Equal(a.fields[name], b.fields[name]) {
			return false
		}
	}
	return true
}
