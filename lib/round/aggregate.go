// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package round

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/chithram/fedsync/lib/bundle"
	"github.com/chithram/fedsync/lib/compress"
	"github.com/chithram/fedsync/lib/fedavg"
	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/inject"
	"github.com/chithram/fedsync/lib/match"
	"github.com/chithram/fedsync/lib/paramname"
)

var (
	// ErrNoInputs means there were no models to aggregate.
	ErrNoInputs = errors.New("no input models")

	// ErrLoad means an input model could not be read.
	ErrLoad = errors.New("cannot load model")
)

// Aggregation describes one offline aggregation.
type Aggregation struct {
	Inputs []string
	Output string

	// Base is the graph the average is written into. Empty uses the
	// first input.
	Base string

	Compression compress.Tag
	Normalizer  paramname.Normalizer
	MinMatches  int
	Logger      *slog.Logger
}

// Summary reports an aggregation.
type Summary struct {
	Output      string   `json:"output"`
	Inputs      int      `json:"inputs"`
	Parameters  int      `json:"parameters"`
	Updated     int      `json:"updated"`
	Size        int64    `json:"size"`
	Digest      string   `json:"digest"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Aggregate averages the input graphs, writes the average into the
// base graph and saves it to Output.
func Aggregate(a Aggregation) (*Summary, error) {
	if len(a.Inputs) == 0 {
		return nil, ErrNoInputs
	}
	logger := a.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	models := make([]*graph.Graph, len(a.Inputs))
	for i, path := range a.Inputs {
		g, err := graph.Load(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoad, err)
		}
		models[i] = g
	}
	base := models[0]
	if a.Base != "" {
		g, err := graph.Load(a.Base)
		if err != nil {
			return nil, fmt.Errorf("%w: base: %w", ErrLoad, err)
		}
		base = g
	}

	combined, err := combine(base, models, a.Inputs, combiner{
		normalizer: a.Normalizer,
		minMatches: a.MinMatches,
		logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if err := graph.Save(a.Output, combined.graph, a.Compression); err != nil {
		return nil, fmt.Errorf("writing %s: %w", a.Output, err)
	}
	info, err := os.Stat(a.Output)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Output:      a.Output,
		Inputs:      len(models),
		Parameters:  combined.parameters,
		Updated:     combined.updated,
		Size:        info.Size(),
		Digest:      combined.digest.String(),
		Diagnostics: combined.diagnostics,
	}, nil
}

type combiner struct {
	normalizer paramname.Normalizer
	minMatches int
	logger     *slog.Logger
}

type combined struct {
	graph       *graph.Graph
	digest      graph.Hash
	parameters  int
	updated     int
	diagnostics []string
}

// combine averages models (named by sources, in order) and injects the
// average into a copy of base.
func combine(base *graph.Graph, models []*graph.Graph, sources []string, c combiner) (*combined, error) {
	bundles := make([]*bundle.Bundle, len(models))
	for i, g := range models {
		bundles[i] = bundle.FromGraph(sources[i], g)
	}
	averaged, err := fedavg.Average(bundles, c.logger)
	if err != nil {
		return nil, err
	}

	injector := &inject.Injector{
		Matcher:    match.New(c.normalizer),
		MinMatches: c.minMatches,
		Logger:     c.logger,
	}
	injected, err := injector.Inject(base, averaged.Bundle)
	if err != nil {
		return nil, fmt.Errorf("writing the average into the base model: %w", err)
	}
	digest, err := graph.Digest(injected.Graph)
	if err != nil {
		return nil, err
	}

	c.logger.Info("models averaged",
		"models", len(models),
		"parameters", averaged.Bundle.Len(),
		"updated", injected.Updated,
		"diagnostics", len(averaged.Diagnostics)+len(injected.Diagnostics),
	)
	return &combined{
		graph:       injected.Graph,
		digest:      digest,
		parameters:  averaged.Bundle.Len(),
		updated:     injected.Updated,
		diagnostics: append(averaged.Diagnostics, injected.Diagnostics...),
	}, nil
}
