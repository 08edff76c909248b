// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package contrastive

import (
	"math"

	"github.com/chithram/fedsync/lib/trainable"
)

// Adam is the Adam optimizer with bias-corrected moments.
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g^2
//	w -= lr * m_hat / (sqrt(v_hat) + eps)
//
// Frozen parameters are never updated and accumulate no moment state.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step    int
	moments map[*trainable.Parameter]*moment
}

type moment struct {
	first  []float64
	second []float64
}

// NewAdam returns an optimizer with the stock hyperparameters and the
// given learning rate.
func NewAdam(learningRate float64) *Adam {
	return &Adam{LearningRate: learningRate, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Steps returns how many updates have been applied.
func (a *Adam) Steps() int {
	return a.step
}

// Step applies one update to every non-frozen parameter from its Grad.
func (a *Adam) Step(parameters []*trainable.Parameter) {
	if a.moments == nil {
		a.moments = make(map[*trainable.Parameter]*moment)
	}
	a.step++
	firstCorrection := 1 - math.Pow(a.Beta1, float64(a.step))
	secondCorrection := 1 - math.Pow(a.Beta2, float64(a.step))

	for _, parameter := range parameters {
		if parameter.Frozen {
			continue
		}
		state, ok := a.moments[parameter]
		if !ok {
			state = &moment{first: make([]float64, len(parameter.Value)), second: make([]float64, len(parameter.Value))}
			a.moments[parameter] = state
		}
		for i, g32 := range parameter.Grad {
			g := float64(g32)
			state.first[i] = a.Beta1*state.first[i] + (1-a.Beta1)*g
			state.second[i] = a.Beta2*state.second[i] + (1-a.Beta2)*g*g
			update := a.LearningRate * (state.first[i] / firstCorrection) / (math.Sqrt(state.second[i]/secondCorrection) + a.Epsilon)
			parameter.Value[i] -= float32(update)
		}
	}
}
