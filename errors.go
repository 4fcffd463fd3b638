package tensorcache

import (
	"errors"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/pipeline"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/transport"
)

// ErrIndexOutOfRange is returned by Get for an index outside [0, Len).
var ErrIndexOutOfRange = errors.New("tensorcache: index out of range")

// Errors re-exported from artifact.
var (
	// ErrCorrupt is returned when a cached artifact fails validation.
	ErrCorrupt = artifact.ErrCorrupt
)

// Errors re-exported from pipeline.
var (
	// ErrConfiguration is returned when a pipeline spec is inconsistent.
	ErrConfiguration = pipeline.ErrConfiguration
)

// Errors re-exported from store.
var (
	// ErrStorage is returned when the cache directory cannot be read or written.
	ErrStorage = store.ErrStorage

	// ErrCompute is returned when the deterministic prefix fails for a sample.
	ErrCompute = store.ErrCompute

	// ErrOverCapacity is recorded when an artifact alone exceeds the cache budget.
	ErrOverCapacity = store.ErrOverCapacity
)

// Errors re-exported from transport.
var (
	// ErrUnsupportedTransport is returned when a transport cannot serve a
	// device or artifact.
	ErrUnsupportedTransport = transport.ErrUnsupportedTransport
)

// Typed errors re-exported for errors.As.
type (
	ConfigurationError        = pipeline.ConfigurationError
	StageError                = pipeline.StageError
	StorageError              = store.StorageError
	ComputeError              = store.ComputeError
	UnsupportedTransportError = transport.UnsupportedTransportError
)
