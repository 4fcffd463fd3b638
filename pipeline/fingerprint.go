package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/tensorcache/artifact"
)

// DefaultTag identifies the library and cache layout generation. It is mixed
// into every fingerprint.
const DefaultTag = "tensorcache/v1"

// fingerprintVersion changes whenever the canonical encoding below changes.
const fingerprintVersion = 1

// floatDigits is the number of significant digits kept when canonicalizing
// float parameters. Values equal to this precision share a fingerprint.
const floatDigits = 10

var fingerprintMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type stageRecord struct {
	_      struct{} `cbor:",toarray"`
	Op     string
	Params map[string]any
}

type fingerprintRecord struct {
	_       struct{} `cbor:",toarray"`
	Tag     string
	Version int
	Format  int
	Stages  []stageRecord
}

// Fingerprint digests the ops and canonical parameters of steps together
// with tag and the artifact format version.
//
// Floats are rendered with 10 significant digits and -0 is folded into 0,
// so parameters that differ only in binary noise map to the same key.
// Stochastic steps outside the prefix must not be passed in.
func Fingerprint(steps []Step, tag string) (digest.Digest, error) {
	if tag == "" {
		tag = DefaultTag
	}
	rec := fingerprintRecord{
		Tag:     tag,
		Version: fingerprintVersion,
		Format:  artifact.FormatVersion,
		Stages:  make([]stageRecord, 0, len(steps)),
	}
	for i, step := range steps {
		params, err := canonicalParams(step.Stage.Params())
		if err != nil {
			return "", &ConfigurationError{Step: i, Op: step.Stage.Op(), Reason: err.Error()}
		}
		rec.Stages = append(rec.Stages, stageRecord{Op: step.Stage.Op(), Params: params})
	}
	b, err := fingerprintMode.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("pipeline: encode fingerprint: %w", err)
	}
	return digest.FromBytes(b), nil
}

func canonicalParams(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := canonicalValue(params[k])
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func canonicalValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, uint64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return canonicalFloat(x)
	case []string:
		return x, nil
	case []int:
		out := make([]int64, len(x))
		for i, n := range x {
			out[i] = int64(n)
		}
		return out, nil
	case []float64:
		out := make([]string, len(x))
		for i, f := range x {
			s, err := canonicalFloat(f)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %T", v)
	}
}

func canonicalFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite value %v", f)
	}
	if f == 0 {
		f = 0
	}
	return strconv.FormatFloat(f, 'g', floatDigits, 64), nil
}
