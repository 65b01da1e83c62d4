// Package population draws the initial population of a new experiment.
//
// Every coordinate is quantized: a value in [lo, hi) is drawn as an integer
// in [lo·g, hi·g) and divided by the granularity g, so all values are
// multiples of 1/g.
package population

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/psantana5/ec14-supervisor/pkg/config"
)

var (
	ErrInvalidGranularity = errors.New("random granularity must be positive")
	ErrEmptyRange         = errors.New("empty sampling range")
)

// Source is the random source used for draws. *rand.Rand from math/rand/v2
// satisfies it.
type Source interface {
	Int64N(n int64) int64
}

// NewSource returns a randomly seeded source for production draws.
func NewSource() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// Creator persists one individual. store.Store satisfies it.
type Creator interface {
	CreateIndividual(ctx context.Context, birth, x, y float64) error
}

// Params are the seeding settings taken from the experiment config.
type Params struct {
	Size        int
	Random      bool
	RandomStart float64
	RandomEnd   float64
	ArenaX      float64
	ArenaY      float64
	Granularity float64
}

// ParamsFromConfig extracts seeding settings from the experiment config.
func ParamsFromConfig(cfg *config.ExperimentConfig) Params {
	return Params{
		Size:        cfg.Population.Size,
		Random:      cfg.Population.Random,
		RandomStart: cfg.Population.RandomStart,
		RandomEnd:   cfg.Population.RandomEnd,
		ArenaX:      cfg.Arena.X,
		ArenaY:      cfg.Arena.Y,
		Granularity: cfg.Experiment.RandomGranularity,
	}
}

// Draw is one sampled individual before it is persisted.
type Draw struct {
	Birth float64
	X     float64
	Y     float64
}

// Sample draws a single individual.
func Sample(rng Source, p Params) (Draw, error) {
	if !(p.Granularity > 0) {
		return Draw{}, fmt.Errorf("%w: %v", ErrInvalidGranularity, p.Granularity)
	}

	var d Draw
	var err error
	if p.Random {
		if d.Birth, err = quantized(rng, p.RandomStart, p.RandomEnd, p.Granularity); err != nil {
			return Draw{}, fmt.Errorf("birth time: %w", err)
		}
	}
	if d.X, err = quantized(rng, 0, p.ArenaX, p.Granularity); err != nil {
		return Draw{}, fmt.Errorf("x: %w", err)
	}
	if d.Y, err = quantized(rng, 0, p.ArenaY, p.Granularity); err != nil {
		return Draw{}, fmt.Errorf("y: %w", err)
	}
	return d, nil
}

// Seed draws p.Size individuals and persists each with one CreateIndividual
// call. It returns how many were created before any error.
func Seed(ctx context.Context, c Creator, rng Source, p Params) (int, error) {
	for i := 0; i < p.Size; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		d, err := Sample(rng, p)
		if err != nil {
			return i, err
		}
		if err := c.CreateIndividual(ctx, d.Birth, d.X, d.Y); err != nil {
			return i, fmt.Errorf("individual %d: %w", i, err)
		}
	}
	return p.Size, nil
}

// quantized draws uniformly from [lo, hi) at resolution 1/g.
func quantized(rng Source, lo, hi, g float64) (float64, error) {
	first := index(lo * g)
	end := index(hi * g)
	if end <= first {
		return 0, fmt.Errorf("%w: [%v, %v) at granularity %v", ErrEmptyRange, lo, hi, g)
	}
	k := first + rng.Int64N(end-first)
	return float64(k) / g, nil
}

// index rounds up to the first grid step at or above v, ignoring float noise
// such as 0.1*10 = 1.0000000000000002.
func index(v float64) int64 {
	return int64(math.Ceil(v - 1e-9))
}
