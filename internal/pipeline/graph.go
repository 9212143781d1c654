package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// StageFunc executes one stage. It reads its inputs from, and publishes its
// outputs to, state owned by whoever built the graph.
type StageFunc func(ctx context.Context) error

type node struct {
	stage    Stage
	requires []Stage
	run      StageFunc
}

// Graph is a dependency graph of stages. Dependencies must be added before
// their dependents, so every Graph is acyclic by construction.
type Graph struct {
	nodes map[Stage]*node
	order []Stage
}

func NewGraph() *Graph {
	return &Graph{nodes: make(map[Stage]*node)}
}

// Add registers stage to run after every stage in requires.
func (g *Graph) Add(stage Stage, requires []Stage, run StageFunc) error {
	if stage == "" {
		return fmt.Errorf("stage name must not be empty")
	}
	if run == nil {
		return fmt.Errorf("stage %s has no function", stage)
	}
	if _, exists := g.nodes[stage]; exists {
		return fmt.Errorf("stage %s already added", stage)
	}
	for _, dep := range requires {
		if _, ok := g.nodes[dep]; !ok {
			return fmt.Errorf("stage %s requires unknown stage %s", stage, dep)
		}
	}
	g.nodes[stage] = &node{stage: stage, requires: append([]Stage(nil), requires...), run: run}
	g.order = append(g.order, stage)
	return nil
}

// Waves groups stages into levels: every stage in a wave depends only on
// stages in earlier waves, so the stages of one wave may run concurrently.
// Within a wave, stages keep their insertion order.
func (g *Graph) Waves() [][]Stage {
	level := make(map[Stage]int, len(g.order))
	depth := 0
	for _, stage := range g.order {
		l := 0
		for _, dep := range g.nodes[stage].requires {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[stage] = l
		if l+1 > depth {
			depth = l + 1
		}
	}

	waves := make([][]Stage, depth)
	for _, stage := range g.order {
		waves[level[stage]] = append(waves[level[stage]], stage)
	}
	return waves
}

// Run executes the graph wave by wave. All stages of a wave are awaited before
// the next wave starts; the first failure cancels the rest of its wave and is
// returned without starting later waves. onWave, if set, is called as each
// wave begins.
func (g *Graph) Run(ctx context.Context, onWave func(wave []Stage)) error {
	for _, wave := range g.Waves() {
		if onWave != nil {
			onWave(wave)
		}

		if len(wave) == 1 {
			if err := g.nodes[wave[0]].run(ctx); err != nil {
				return err
			}
			continue
		}

		eg, egCtx := errgroup.WithContext(ctx)
		for _, stage := range wave {
			n := g.nodes[stage]
			eg.Go(func() error {
				return n.run(egCtx)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}
