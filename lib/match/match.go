// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package match pairs canonical graph initializers with tensors from
// another naming convention (a trainable graph export or a state
// bundle).
//
// Two tensors denote the same logical parameter when their normalized
// names and weight/bias kinds agree and their shapes are equal or
// reversed. A reversed shape means the candidate is stored in the
// transposed orientation and must be transposed before it replaces
// the canonical value.
//
// Each canonical tensor gets at most one partner and each candidate is
// claimed at most once. The base rule is that the first satisfying
// candidate wins, visiting canonical tensors in declaration order and
// candidates in their order for each. Matching extends that rule with
// an exact-name pass that runs before it: a canonical tensor whose raw
// name appears among the candidates with a fitting shape takes that
// candidate, even when an earlier canonical tensor would have claimed
// it by normalized key. Canonical [blk.conv.weight, blk.weight]
// against candidates [blk.weight, blk.conv.weight] therefore pairs
// each name with itself instead of crosswise. This keeps bundles that
// already use canonical names (a federated average of canonical
// graphs) from pairing with a neighbour that collapses to the same
// key. The remaining canonical tensors then follow the base rule.
// Unmatched tensors are reported, not treated as errors.
package match

import (
	"github.com/chithram/fedsync/lib/paramname"
	"github.com/chithram/fedsync/lib/tensor"
)

// Pair is one successful match.
type Pair struct {
	Canonical *tensor.Tensor
	Candidate *tensor.Tensor

	// Transposed is set when the shapes matched only in reverse.
	Transposed bool
}

// Result is the outcome of one matching pass.
type Result struct {
	// Pairs are in canonical declaration order.
	Pairs []Pair

	// Unmatched lists canonical tensor names with no partner.
	Unmatched []string
}

// Matcher pairs tensors across naming conventions.
type Matcher struct {
	Normalizer paramname.Normalizer
}

// New returns a matcher using normalizer.
func New(normalizer paramname.Normalizer) *Matcher {
	return &Matcher{Normalizer: normalizer}
}

// Key returns the normalized comparison key of name.
func (m *Matcher) Key(name string) string {
	return m.Normalizer.Normalize(name)
}

// Compatible reports whether a and b denote the same logical
// parameter, and if so whether b must be transposed to fit a.
func (m *Matcher) Compatible(a, b *tensor.Tensor) (ok, transposed bool) {
	if paramname.KindOf(a.Name) != paramname.KindOf(b.Name) {
		return false, false
	}
	if m.Key(a.Name) != m.Key(b.Name) {
		return false, false
	}
	return shapeFit(a.Shape, b.Shape)
}

// Match pairs canonical tensors with candidates.
func (m *Matcher) Match(canonical, candidates []*tensor.Tensor) Result {
	partners := make([]int, len(canonical))
	transposed := make([]bool, len(canonical))
	claimed := make([]bool, len(candidates))
	for i := range partners {
		partners[i] = -1
	}

	byName := make(map[string]int, len(candidates))
	for i, candidate := range candidates {
		if _, seen := byName[candidate.Name]; !seen {
			byName[candidate.Name] = i
		}
	}
	for i, c := range canonical {
		j, ok := byName[c.Name]
		if !ok || claimed[j] {
			continue
		}
		if fits, reversed := shapeFit(c.Shape, candidates[j].Shape); fits {
			partners[i], transposed[i], claimed[j] = j, reversed, true
		}
	}

	keys := make([]string, len(candidates))
	kinds := make([]paramname.Kind, len(candidates))
	for j, candidate := range candidates {
		keys[j] = m.Key(candidate.Name)
		kinds[j] = paramname.KindOf(candidate.Name)
	}
	for i, c := range canonical {
		if partners[i] >= 0 {
			continue
		}
		key := m.Key(c.Name)
		kind := paramname.KindOf(c.Name)
		for j, candidate := range candidates {
			if claimed[j] || keys[j] != key || kinds[j] != kind {
				continue
			}
			if fits, reversed := shapeFit(c.Shape, candidate.Shape); fits {
				partners[i], transposed[i], claimed[j] = j, reversed, true
				break
			}
		}
	}

	var result Result
	for i, c := range canonical {
		if partners[i] < 0 {
			result.Unmatched = append(result.Unmatched, c.Name)
			continue
		}
		result.Pairs = append(result.Pairs, Pair{
			Canonical:  c,
			Candidate:  candidates[partners[i]],
			Transposed: transposed[i],
		})
	}
	return result
}

// shapeFit reports whether candidate fits target directly or only in
// reverse. A direct fit wins when both hold (square matrices, rank 1).
func shapeFit(target, candidate []int) (fits, reversed bool) {
	if tensor.ShapeEqual(target, candidate) {
		return true, false
	}
	if tensor.ShapeReversed(target, candidate) {
		return true, true
	}
	return false, false
}
