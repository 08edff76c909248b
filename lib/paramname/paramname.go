// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package paramname

import (
	"slices"
	"strings"
)

// Kind is the role of a parameter.
type Kind uint8

const (
	Bias Kind = iota
	Weight
)

func (k Kind) String() string {
	if k == Weight {
		return "weight"
	}
	return "bias"
}

// KindOf infers the role of a raw parameter name: Weight when the name
// contains "weight" (case-insensitive), otherwise Bias. Running
// statistics and counters therefore classify as Bias, which is what
// keeps them from pairing with a same-named weight.
func KindOf(name string) Kind {
	if strings.Contains(strings.ToLower(name), "weight") {
		return Weight
	}
	return Bias
}

// Normalizer maps raw parameter names to comparison keys.
type Normalizer struct {
	// Prefixes are structural root segments stripped from the front
	// of a name, at most once.
	Prefixes []string

	// WrapperMarkers are segments that one convention nests parameters
	// under. They are removed wherever they appear between the first
	// and last segment.
	WrapperMarkers []string

	// Suffixes are role segments stripped from the end of a name.
	Suffixes []string
}

// Default returns the normalizer for the stock naming conventions.
func Default() Normalizer {
	return Normalizer{
		Prefixes:       []string{"model"},
		WrapperMarkers: []string{"Conv", "conv"},
		Suffixes:       []string{"weight", "bias"},
	}
}

// Normalize returns the comparison key for name. It is deterministic
// and idempotent; a name with nothing to strip is returned as-is apart
// from separator cleanup.
//
// A leading prefix is not stripped when the segment after it is also a
// prefix, so a doubled root survives: "model.model.0.conv.weight"
// normalizes to "model.model.0", not "model.0". Stripping one copy
// would leave a key that a second pass strips again.
func (n Normalizer) Normalize(name string) string {
	segments := split(name)
	if len(segments) == 0 {
		return ""
	}

	// The prefix is dropped only when the segment after it is not a
	// prefix too: "model.model.x" keeps one "model" so that a second
	// pass over the key finds the same thing to strip as the first
	// pass left behind, which would otherwise break idempotence.
	if len(segments) > 1 && slices.Contains(n.Prefixes, segments[0]) && !slices.Contains(n.Prefixes, segments[1]) {
		segments = segments[1:]
	}

	if len(segments) > 2 {
		kept := []string{segments[0]}
		for _, segment := range segments[1 : len(segments)-1] {
			if !slices.Contains(n.WrapperMarkers, segment) {
				kept = append(kept, segment)
			}
		}
		segments = append(kept, segments[len(segments)-1])
	}

	for len(segments) > 1 && slices.Contains(n.Suffixes, segments[len(segments)-1]) {
		segments = segments[:len(segments)-1]
	}

	return strings.Join(segments, ".")
}

// split converts path separators to dots and drops empty segments,
// which also trims boundary and repeated dots.
func split(name string) []string {
	fields := strings.FieldsFunc(name, func(r rune) bool {
		return r == '.' || r == '/'
	})
	return fields
}
