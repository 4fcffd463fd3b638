// Package pipeline declares preprocessing pipelines and splits them into a
// cacheable deterministic prefix and a stochastic suffix.
//
// A pipeline is an ordered list of Steps. Each Step wraps one Stage variant
// and declares whether it is deterministic. The prefix is the longest
// leading run of deterministic steps; everything from the first stochastic
// step onward is the suffix, even if later steps are deterministic, because
// their input is already randomized.
package pipeline

import (
	"errors"
	"fmt"
	"slices"
)

// ErrConfiguration is matched by every *ConfigurationError.
var ErrConfiguration = errors.New("pipeline: configuration error")

// ConfigurationError reports an invalid step declaration.
type ConfigurationError struct {
	Step   int
	Op     string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("pipeline: step %d (%s): %s", e.Step, e.Op, e.Reason)
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Step is a stage plus its declared determinism.
type Step struct {
	Stage         Stage
	Deterministic bool
}

// Auto declares stage with the determinism implied by its variant.
func Auto(stage Stage) Step {
	return Step{Stage: stage, Deterministic: !stage.Stochastic()}
}

// Spec is an immutable ordered pipeline.
type Spec struct {
	steps []Step
}

// NewSpec returns a Spec holding a copy of steps.
func NewSpec(steps ...Step) Spec {
	return Spec{steps: slices.Clone(steps)}
}

// Steps returns a copy of the pipeline steps.
func (s Spec) Steps() []Step {
	return slices.Clone(s.steps)
}

// Len returns the number of steps.
func (s Spec) Len() int {
	return len(s.steps)
}

// Validate checks every step's parameters and determinism declaration.
func (s Spec) Validate() error {
	for i, step := range s.steps {
		if step.Stage == nil {
			return &ConfigurationError{Step: i, Op: "<nil>", Reason: "stage is nil"}
		}
		if err := step.Stage.validate(); err != nil {
			return &ConfigurationError{Step: i, Op: step.Stage.Op(), Reason: err.Error()}
		}
		if step.Deterministic && !effectivelyDeterministic(step.Stage) {
			return &ConfigurationError{
				Step:   i,
				Op:     step.Stage.Op(),
				Reason: "declared deterministic but draws random numbers without a pinned seed",
			}
		}
	}
	return nil
}

// Split validates s and returns its deterministic prefix and stochastic suffix.
//
// An all-deterministic pipeline yields an empty suffix; an all-stochastic
// one yields an empty prefix, which turns the cache into a no-op.
func Split(s Spec) (prefix, suffix []Step, err error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	cut := len(s.steps)
	for i, step := range s.steps {
		if !step.Deterministic {
			cut = i
			break
		}
	}
	return slices.Clone(s.steps[:cut]), slices.Clone(s.steps[cut:]), nil
}

func effectivelyDeterministic(stage Stage) bool {
	if !stage.Stochastic() {
		return true
	}
	sd, ok := stage.(seeded)
	if !ok {
		return false
	}
	_, pinned := sd.pinnedSeed()
	return pinned
}
