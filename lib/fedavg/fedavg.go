// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package fedavg implements federated averaging over state bundles.
//
// The first bundle defines the parameter universe: only its names
// appear in the result, in its order. Every other bundle contributes
// to the names it shares with the first. Continuous tensors are
// averaged in float64 and rounded back to the first bundle's dtype.
// Discrete tensors (counters such as num_batches_tracked) are summed
// as integers and floor-divided by the contributor count, so they stay
// integral.
//
// Missing keys and incompatible contributions are skipped and reported
// as diagnostics. They never fail the aggregation.
package fedavg

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chithram/fedsync/lib/bundle"
	"github.com/chithram/fedsync/lib/tensor"
)

// ErrNoBundles is returned when there is nothing to average.
var ErrNoBundles = errors.New("no bundles to average")

// Result is an averaged bundle plus what was skipped on the way.
type Result struct {
	Bundle *bundle.Bundle

	// Contributors maps each output name to the number of bundles
	// averaged into it.
	Contributors map[string]int

	// Diagnostics are non-fatal problems, one line each.
	Diagnostics []string
}

// Average combines bundles. logger receives one warning per
// diagnostic; nil discards them.
func Average(bundles []*bundle.Bundle, logger *slog.Logger) (*Result, error) {
	if len(bundles) == 0 {
		return nil, ErrNoBundles
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	first := bundles[0]
	output, err := bundle.New("average", nil)
	if err != nil {
		return nil, err
	}
	result := &Result{Bundle: output, Contributors: make(map[string]int, first.Len())}

	warn := func(name, message string, args ...any) {
		detail := fmt.Sprintf(message, args...)
		result.Diagnostics = append(result.Diagnostics, name+": "+detail)
		logger.Warn("averaging skipped a contribution", "parameter", name, "reason", detail)
	}

	for _, reference := range first.Tensors() {
		var contributions []*tensor.Tensor
		for _, b := range bundles {
			value, ok := b.Get(reference.Name)
			if !ok {
				warn(reference.Name, "missing from %s", b.Source)
				continue
			}
			if value.DType.Kind() != reference.DType.Kind() {
				warn(reference.Name, "%s holds a %s tensor, expected %s", b.Source, value.DType.Kind(), reference.DType.Kind())
				continue
			}
			if !tensor.ShapeEqual(value.Shape, reference.Shape) {
				warn(reference.Name, "%s has shape %v, expected %v", b.Source, value.Shape, reference.Shape)
				continue
			}
			contributions = append(contributions, value)
		}
		if len(contributions) == 0 {
			warn(reference.Name, "no contributors")
			continue
		}

		var averaged *tensor.Tensor
		switch reference.DType.Kind() {
		case tensor.Continuous:
			averaged, err = meanContinuous(reference, contributions)
		case tensor.Discrete:
			averaged, err = meanDiscrete(reference, contributions)
		default:
			err = fmt.Errorf("unsupported dtype %s", reference.DType)
		}
		if err != nil {
			warn(reference.Name, "%v", err)
			continue
		}
		if err := output.Add(averaged); err != nil {
			return nil, err
		}
		result.Contributors[reference.Name] = len(contributions)
	}
	return result, nil
}

func meanContinuous(reference *tensor.Tensor, contributions []*tensor.Tensor) (*tensor.Tensor, error) {
	sum := make([]float64, reference.Elements())
	for _, contribution := range contributions {
		values, err := contribution.Float64s()
		if err != nil {
			return nil, err
		}
		for i, value := range values {
			sum[i] += value
		}
	}
	count := float64(len(contributions))
	for i := range sum {
		sum[i] /= count
	}
	averaged := tensor.New(reference.Name, reference.DType, reference.Shape)
	if err := averaged.SetFloat64s(sum); err != nil {
		return nil, err
	}
	return averaged, nil
}

func meanDiscrete(reference *tensor.Tensor, contributions []*tensor.Tensor) (*tensor.Tensor, error) {
	sum := make([]int64, reference.Elements())
	for _, contribution := range contributions {
		values, err := contribution.Int64s()
		if err != nil {
			return nil, err
		}
		for i, value := range values {
			sum[i] += value
		}
	}
	count := int64(len(contributions))
	for i := range sum {
		sum[i] = floorDiv(sum[i], count)
	}
	averaged := tensor.New(reference.Name, reference.DType, reference.Shape)
	if err := averaged.SetInt64s(sum); err != nil {
		return nil, err
	}
	return averaged, nil
}

// floorDiv rounds toward negative infinity; Go's / truncates toward
// zero.
func floorDiv(a, b int64) int64 {
	quotient := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		quotient--
	}
	return quotient
}
