package pipeline

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/tensor"
)

// Stage is one transform in a pipeline. The set of stages is closed: every
// implementation lives in this package.
//
// Stochastic is static metadata of the variant. Params returns the values
// that define the stage's output and feeds the prefix fingerprint.
type Stage interface {
	Op() string
	Stochastic() bool
	Params() map[string]any
	Apply(a *artifact.Artifact, rng *rand.Rand) error

	validate() error
	sealed()
}

// seeded is implemented by random stages that accept a pinned seed.
type seeded interface {
	pinnedSeed() (uint64, bool)
}

// Load keeps only Keys and, when DType is set, casts them to it.
type Load struct {
	Keys  []string
	DType tensor.DType
}

func (Load) Op() string       { return "load" }
func (Load) Stochastic() bool { return false }
func (Load) sealed()          {}

func (s Load) Params() map[string]any {
	return map[string]any{"keys": s.Keys, "dtype": s.DType.String()}
}

func (s Load) validate() error {
	if s.DType != tensor.Invalid && !s.DType.Valid() {
		return fmt.Errorf("unknown dtype %s", s.DType)
	}
	return validKeys(s.Keys)
}

func (s Load) Apply(a *artifact.Artifact, _ *rand.Rand) error {
	for _, name := range a.Names() {
		if !slices.Contains(s.Keys, name) {
			a.Delete(name)
		}
	}
	for _, key := range s.Keys {
		t, ok := a.Get(key)
		if !ok {
			return fmt.Errorf("missing key %q", key)
		}
		if s.DType != tensor.Invalid {
			a.Set(key, t.Convert(s.DType))
		}
	}
	return nil
}

// Spacing resamples the last two axes from pixel spacing From to spacing To.
type Spacing struct {
	Keys []string
	From [2]float64
	To   [2]float64
	Mode string
}

func (Spacing) Op() string       { return "spacing" }
func (Spacing) Stochastic() bool { return false }
func (Spacing) sealed()          {}

func (s Spacing) Params() map[string]any {
	return map[string]any{"keys": s.Keys, "from": s.From[:], "to": s.To[:], "mode": modeOrDefault(s.Mode)}
}

func (s Spacing) validate() error {
	for _, v := range [...]float64{s.From[0], s.From[1], s.To[0], s.To[1]} {
		if !finite(v) || v <= 0 {
			return fmt.Errorf("spacing values must be positive and finite, got from=%v to=%v", s.From, s.To)
		}
	}
	return errors.Join(validKeys(s.Keys), validMode(s.Mode))
}

func (s Spacing) Apply(a *artifact.Artifact, _ *rand.Rand) error {
	return eachPlanes(a, s.Keys, func(p *planes) *planes {
		h := max(1, int(math.Round(float64(p.h)*s.From[0]/s.To[0])))
		w := max(1, int(math.Round(float64(p.w)*s.From[1]/s.To[1])))
		return resample(p, h, w, modeOrDefault(s.Mode))
	})
}

// Resize resamples the last two axes to Size.
type Resize struct {
	Keys []string
	Size [2]int
	Mode string
}

func (Resize) Op() string       { return "resize" }
func (Resize) Stochastic() bool { return false }
func (Resize) sealed()          {}

func (s Resize) Params() map[string]any {
	return map[string]any{"keys": s.Keys, "size": s.Size[:], "mode": modeOrDefault(s.Mode)}
}

func (s Resize) validate() error {
	if s.Size[0] <= 0 || s.Size[1] <= 0 {
		return fmt.Errorf("size must be positive, got %v", s.Size)
	}
	return errors.Join(validKeys(s.Keys), validMode(s.Mode))
}

func (s Resize) Apply(a *artifact.Artifact, _ *rand.Rand) error {
	return eachPlanes(a, s.Keys, func(p *planes) *planes {
		return resample(p, s.Size[0], s.Size[1], modeOrDefault(s.Mode))
	})
}

// ResizeCrop centre-crops or zero-pads the last two axes to Size.
type ResizeCrop struct {
	Keys []string
	Size [2]int
}

func (ResizeCrop) Op() string       { return "resize_crop" }
func (ResizeCrop) Stochastic() bool { return false }
func (ResizeCrop) sealed()          {}

func (s ResizeCrop) Params() map[string]any {
	return map[string]any{"keys": s.Keys, "size": s.Size[:]}
}

func (s ResizeCrop) validate() error {
	if s.Size[0] <= 0 || s.Size[1] <= 0 {
		return fmt.Errorf("size must be positive, got %v", s.Size)
	}
	return validKeys(s.Keys)
}

func (s ResizeCrop) Apply(a *artifact.Artifact, _ *rand.Rand) error {
	return eachPlanes(a, s.Keys, func(p *planes) *planes {
		return cropOrPad(p, s.Size[0], s.Size[1])
	})
}

// ScaleIntensity rescales values linearly so the tensor spans [Min, Max].
// A constant tensor maps to Min.
type ScaleIntensity struct {
	Keys []string
	Min  float64
	Max  float64
}

func (ScaleIntensity) Op() string       { return "scale_intensity" }
func (ScaleIntensity) Stochastic() bool { return false }
func (ScaleIntensity) sealed()          {}

func (s ScaleIntensity) Params() map[string]any {
	return map[string]any{"keys": s.Keys, "min": s.Min, "max": s.Max}
}

func (s ScaleIntensity) validate() error {
	if !finite(s.Min) || !finite(s.Max) || s.Min > s.Max {
		return fmt.Errorf("invalid range [%v, %v]", s.Min, s.Max)
	}
	return validKeys(s.Keys)
}

func (s ScaleIntensity) Apply(a *artifact.Artifact, _ *rand.Rand) error {
	for _, key := range s.Keys {
		t, ok := a.Get(key)
		if !ok {
			return fmt.Errorf("missing key %q", key)
		}
		out := t.Contiguous().Clone()
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := range out.Len() {
			v := out.Float64At(i)
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		for i := range out.Len() {
			v := s.Min
			if hi > lo {
				v = s.Min + (out.Float64At(i)-lo)/(hi-lo)*(s.Max-s.Min)
			}
			out.SetFloat64At(i, v)
		}
		a.Set(key, out)
	}
	return nil
}

// RandFlip mirrors the last two axes along spatial Axis with probability Prob.
type RandFlip struct {
	Keys []string
	Prob float64
	Axis int
	Seed *uint64
}

func (RandFlip) Op() string                   { return "rand_flip" }
func (RandFlip) Stochastic() bool             { return true }
func (RandFlip) sealed()                      {}
func (s RandFlip) pinnedSeed() (uint64, bool) { return seedValue(s.Seed) }

func (s RandFlip) Params() map[string]any {
	return withSeed(map[string]any{"keys": s.Keys, "prob": s.Prob, "axis": s.Axis}, s.Seed)
}

func (s RandFlip) validate() error {
	if s.Axis != 0 && s.Axis != 1 {
		return fmt.Errorf("spatial axis must be 0 or 1, got %d", s.Axis)
	}
	return errors.Join(validKeys(s.Keys), validProb(s.Prob))
}

func (s RandFlip) Apply(a *artifact.Artifact, rng *rand.Rand) error {
	if rng.Float64() >= s.Prob {
		return nil
	}
	return eachPlanes(a, s.Keys, func(p *planes) *planes {
		return flip(p, s.Axis)
	})
}

// RandRotate rotates the last two axes about their centre by an angle drawn
// uniformly from [-MaxAngle, MaxAngle] radians, with probability Prob.
type RandRotate struct {
	Keys     []string
	Prob     float64
	MaxAngle float64
	Mode     string
	Seed     *uint64
}

func (RandRotate) Op() string                   { return "rand_rotate" }
func (RandRotate) Stochastic() bool             { return true }
func (RandRotate) sealed()                      {}
func (s RandRotate) pinnedSeed() (uint64, bool) { return seedValue(s.Seed) }

func (s RandRotate) Params() map[string]any {
	return withSeed(map[string]any{"keys": s.Keys, "prob": s.Prob, "max_angle": s.MaxAngle, "mode": modeOrDefault(s.Mode)}, s.Seed)
}

func (s RandRotate) validate() error {
	if !finite(s.MaxAngle) || s.MaxAngle < 0 {
		return fmt.Errorf("max angle must be finite and >= 0, got %v", s.MaxAngle)
	}
	return errors.Join(validKeys(s.Keys), validProb(s.Prob), validMode(s.Mode))
}

func (s RandRotate) Apply(a *artifact.Artifact, rng *rand.Rand) error {
	if rng.Float64() >= s.Prob {
		return nil
	}
	angle := (rng.Float64()*2 - 1) * s.MaxAngle
	return eachPlanes(a, s.Keys, func(p *planes) *planes {
		return rotate(p, angle, modeOrDefault(s.Mode))
	})
}

// RandZoom zooms the last two axes about their centre by a factor drawn
// uniformly from [Min, Max], keeping the shape, with probability Prob.
type RandZoom struct {
	Keys []string
	Prob float64
	Min  float64
	Max  float64
	Mode string
	Seed *uint64
}

func (RandZoom) Op() string                   { return "rand_zoom" }
func (RandZoom) Stochastic() bool             { return true }
func (RandZoom) sealed()                      {}
func (s RandZoom) pinnedSeed() (uint64, bool) { return seedValue(s.Seed) }

func (s RandZoom) Params() map[string]any {
	return withSeed(map[string]any{"keys": s.Keys, "prob": s.Prob, "min": s.Min, "max": s.Max, "mode": modeOrDefault(s.Mode)}, s.Seed)
}

func (s RandZoom) validate() error {
	if !finite(s.Min) || !finite(s.Max) || s.Min <= 0 || s.Min > s.Max {
		return fmt.Errorf("zoom range must satisfy 0 < min <= max, got [%v, %v]", s.Min, s.Max)
	}
	return errors.Join(validKeys(s.Keys), validProb(s.Prob), validMode(s.Mode))
}

func (s RandZoom) Apply(a *artifact.Artifact, rng *rand.Rand) error {
	if rng.Float64() >= s.Prob {
		return nil
	}
	factor := s.Min + rng.Float64()*(s.Max-s.Min)
	return eachPlanes(a, s.Keys, func(p *planes) *planes {
		return zoom(p, factor, modeOrDefault(s.Mode))
	})
}

func eachPlanes(a *artifact.Artifact, keys []string, fn func(*planes) *planes) error {
	for _, key := range keys {
		t, ok := a.Get(key)
		if !ok {
			return fmt.Errorf("missing key %q", key)
		}
		p, err := toPlanes(t)
		if err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		a.Set(key, fn(p).tensor())
	}
	return nil
}

func validKeys(keys []string) error {
	if len(keys) == 0 {
		return errors.New("keys must not be empty")
	}
	for _, k := range keys {
		if k == "" {
			return errors.New("keys must not contain an empty name")
		}
	}
	return nil
}

func validProb(p float64) error {
	if !finite(p) || p < 0 || p > 1 {
		return fmt.Errorf("probability must be in [0, 1], got %v", p)
	}
	return nil
}

func validMode(mode string) error {
	switch mode {
	case "", ModeBilinear, ModeNearest:
		return nil
	default:
		return fmt.Errorf("unknown interpolation mode %q", mode)
	}
}

func modeOrDefault(mode string) string {
	if mode == "" {
		return ModeBilinear
	}
	return mode
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func seedValue(seed *uint64) (uint64, bool) {
	if seed == nil {
		return 0, false
	}
	return *seed, true
}

func withSeed(params map[string]any, seed *uint64) map[string]any {
	if seed != nil {
		params["seed"] = *seed
	}
	return params
}
