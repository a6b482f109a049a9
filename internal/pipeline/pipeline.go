// Package pipeline is the ordered composition engine (C1). It dispatches
// a *evalctx.Context through a fixed slice of stages, gin-style: each
// stage receives a Next continuation and must invoke it exactly once to
// hand control to the following stage.
package pipeline

import (
	"context"
	"fmt"

	"github.com/mbd888/wardex/internal/evalctx"
)

// Next advances the pipeline to the following stage.
type Next func(context.Context, *evalctx.Context) error

// Stage is one evaluation step.
type Stage interface {
	Name() string
	Run(ctx context.Context, ec *evalctx.Context, next Next) error
}

// Pipeline runs a fixed, ordered list of stages.
type Pipeline struct {
	stages []Stage
}

// New builds a pipeline from stages in registration order. Order is
// load-bearing — later stages depend on data decoded by earlier ones.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...)}
}

// Run dispatches ec through every stage in order. It returns
// evalctx.ErrDoubleNext if a stage calls next more than once, and
// evalctx.ErrNoVerdict if the pipeline completes without one being
// stashed in ec.Meta.
func (p *Pipeline) Run(ctx context.Context, ec *evalctx.Context) error {
	d := &dispatcher{stages: p.stages, ctx: ctx, ec: ec, highWater: -1}
	if err := d.dispatch(0); err != nil {
		return err
	}
	if ec.Verdict() == nil {
		return evalctx.ErrNoVerdict
	}
	return nil
}

// dispatcher tracks the highest stage index reached so a stage calling
// next twice regresses the index and is caught, per spec §4.1/§9.
type dispatcher struct {
	stages    []Stage
	ctx       context.Context
	ec        *evalctx.Context
	highWater int
}

func (d *dispatcher) dispatch(index int) error {
	if index <= d.highWater {
		return evalctx.ErrDoubleNext
	}
	d.highWater = index

	if index >= len(d.stages) {
		return nil
	}

	stage := d.stages[index]
	next := func(ctx context.Context, ec *evalctx.Context) error {
		return d.dispatch(index + 1)
	}
	if err := stage.Run(d.ctx, d.ec, next); err != nil {
		return fmt.Errorf("pipeline: stage %q: %w", stage.Name(), err)
	}
	return nil
}
