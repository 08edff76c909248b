// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package inject writes a state bundle back into a canonical graph.
//
// Injection never mutates its input graph. It works on a clone and
// returns it, so a failure at any point leaves the caller holding the
// original, byte-for-byte. Initializers without a partner in the
// bundle pass through unchanged; the number that were updated is part
// of the result and is compared against a configured floor.
package inject

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/chithram/fedsync/lib/bundle"
	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/match"
	"github.com/chithram/fedsync/lib/tensor"
)

// DefaultMinMatches is the update count below which an injection is
// reported as suspicious.
const DefaultMinMatches = 10

// sampleKeys is how many normalized keys from each side a low-match
// diagnostic shows.
const sampleKeys = 5

// Injector writes bundles into graphs.
type Injector struct {
	Matcher    *match.Matcher
	MinMatches int
	Logger     *slog.Logger
}

// Result is the outcome of one injection.
type Result struct {
	// Graph is the updated copy. It is never the input graph.
	Graph *graph.Graph

	// Updated counts initializers whose bytes were replaced, of which
	// Transposed needed an orientation fix first.
	Updated    int
	Transposed int

	// Unmatched lists canonical initializers left unchanged.
	Unmatched []string

	// LowMatchCount is set when Updated fell below MinMatches.
	LowMatchCount bool

	// Diagnostics are non-fatal problems, one line each.
	Diagnostics []string
}

// Inject copies g, replaces every initializer that has a partner in b,
// and returns the copy. An error means nothing usable was produced and
// g should be used as-is.
func (inj *Injector) Inject(g *graph.Graph, b *bundle.Bundle) (*Result, error) {
	logger := inj.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	updated := g.Clone()
	result := &Result{Graph: updated}
	matched := inj.Matcher.Match(updated.Initializers, b.Tensors())
	result.Unmatched = matched.Unmatched

	for _, pair := range matched.Pairs {
		replacement, err := fit(pair)
		if err != nil {
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("%s: %v", pair.Canonical.Name, err))
			result.Unmatched = append(result.Unmatched, pair.Canonical.Name)
			logger.Warn("initializer left unchanged", "initializer", pair.Canonical.Name, "candidate", pair.Candidate.Name, "error", err)
			continue
		}
		if err := updated.ReplaceInitializer(replacement); err != nil {
			return nil, fmt.Errorf("injecting %s: %w", pair.Canonical.Name, err)
		}
		result.Updated++
		if pair.Transposed {
			result.Transposed++
		}
	}

	minimum := inj.MinMatches
	if minimum <= 0 {
		minimum = DefaultMinMatches
	}
	if result.Updated < minimum {
		result.LowMatchCount = true
		canonicalKeys := inj.sample(initializerNames(g.Initializers))
		bundleKeys := inj.sample(b.Names())
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf(
			"only %d of %d initializers updated (floor %d); canonical keys %v; bundle keys %v",
			result.Updated, len(g.Initializers), minimum, canonicalKeys, bundleKeys))
		logger.Warn("few initializers matched",
			"updated", result.Updated,
			"initializers", len(g.Initializers),
			"bundle_tensors", b.Len(),
			"min_matches", minimum,
			"canonical_keys", canonicalKeys,
			"bundle_keys", bundleKeys,
		)
	}
	return result, nil
}

// fit returns the candidate's value shaped and typed like the
// canonical initializer it replaces.
func fit(pair match.Pair) (*tensor.Tensor, error) {
	value := pair.Candidate
	if pair.Transposed {
		transposed, err := tensor.Transpose(value)
		if err != nil {
			return nil, err
		}
		value = transposed
	}
	target := pair.Canonical
	if value.DType != target.DType {
		converted, err := tensor.Convert(value, target.DType)
		if err != nil {
			return nil, err
		}
		value = converted
	}
	replacement := value.Clone()
	replacement.Name = target.Name
	replacement.Shape = slices.Clone(target.Shape)
	return replacement, nil
}

// sample returns up to sampleKeys normalized keys in the format
// "raw -> key".
func (inj *Injector) sample(names []string) []string {
	count := min(len(names), sampleKeys)
	keys := make([]string, count)
	for i := range count {
		keys[i] = names[i] + " -> " + inj.Matcher.Key(names[i])
	}
	return keys
}

func initializerNames(tensors []*tensor.Tensor) []string {
	names := make([]string, len(tensors))
	for i, t := range tensors {
		names[i] = t.Name
	}
	return names
}
