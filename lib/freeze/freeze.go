// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package freeze decides which trainable parameters are held fixed
// during a training session.
//
// A parameter is frozen when its raw name contains any configured group
// substring. The default groups protect the box-regression and
// distribution-focal-loss heads of the stock detector; they are
// heuristics for that architecture family and are configuration, not
// structural knowledge.
package freeze

import "strings"

// Status is the classification of one parameter.
type Status uint8

const (
	Trainable Status = iota
	Frozen
)

func (s Status) String() string {
	if s == Frozen {
		return "frozen"
	}
	return "trainable"
}

// DefaultGroups are the stock freeze groups.
var DefaultGroups = []string{"cv2", "dfl"}

// Policy classifies parameters by group membership. The zero Policy
// freezes nothing.
type Policy struct {
	Groups []string
}

// Classify returns Frozen when name contains any group substring.
func (p Policy) Classify(name string) Status {
	for _, group := range p.Groups {
		if group != "" && strings.Contains(name, group) {
			return Frozen
		}
	}
	return Trainable
}

// Setter is a parameter whose frozen flag can be set.
type Setter interface {
	ParameterName() string
	SetFrozen(frozen bool)
}

// Summary counts the outcome of [Policy.Apply].
type Summary struct {
	Frozen    int
	Trainable int
}

// Apply classifies every parameter once and sets its flag.
func Apply[P Setter](p Policy, parameters []P) Summary {
	var summary Summary
	for _, parameter := range parameters {
		if p.Classify(parameter.ParameterName()) == Frozen {
			parameter.SetFrozen(true)
			summary.Frozen++
		} else {
			parameter.SetFrozen(false)
			summary.Trainable++
		}
	}
	return summary
}
