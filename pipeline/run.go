package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"

	"github.com/meigma/tensorcache/artifact"
)

// StageError wraps a failure raised by a stage while running.
type StageError struct {
	Index int
	Op    string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: step %d (%s): %v", e.Index, e.Op, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Env carries per-call state for Run.
type Env struct {
	// Identity is the stable sample identity. Pinned-seed stages derive
	// their random stream from it.
	Identity string

	// Rand drives unpinned stochastic stages. A fresh random source is
	// used when Rand is nil.
	Rand *rand.Rand
}

// Run applies steps to a in order, replacing fields in place.
func Run(ctx context.Context, steps []Step, a *artifact.Artifact, env Env) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		rng := env.Rand
		if sd, ok := step.Stage.(seeded); ok {
			if seed, pinned := sd.pinnedSeed(); pinned {
				rng = SeededRand(seed, env.Identity)
			}
		}
		if rng == nil && step.Stage.Stochastic() {
			rng = freshRand()
		}
		if err := step.Stage.Apply(a, rng); err != nil {
			return &StageError{Index: i, Op: step.Stage.Op(), Err: err}
		}
	}
	return nil
}

// SeededRand returns the random stream used by a pinned-seed stage for the
// sample with the given identity.
func SeededRand(seed uint64, identity string) *rand.Rand {
	return rand.New(rand.NewPCG(seed, xxhash.Sum64String(identity))) //nolint:gosec // augmentation, not security
}

func freshRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // augmentation, not security
}
