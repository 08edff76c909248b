// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"testing"
)

type codeError int

func (e codeError) Error() string { return "exit" }
func (e codeError) ExitCode() int { return int(e) }

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		ok   bool
	}{
		{"plain", errors.New("boom"), 0, false},
		{"coded", codeError(3), 3, true},
		{"wrapped", fmt.Errorf("train: %w", codeError(4)), 4, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			code, ok := ExitCode(test.err)
			if code != test.code || ok != test.ok {
				t.Errorf("ExitCode = (%d, %v), want (%d, %v)", code, ok, test.code, test.ok)
			}
		})
	}
}
