// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// exitCoder is implemented by errors that carry their own exit code.
// Their command has already reported the failure.
type exitCoder interface {
	ExitCode() int
}

// Fatal writes "error: err" to stderr and exits with code 1.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Exit ends the process for the error a command returned. It returns
// for nil, exits silently with the carried code for errors that have
// one, and calls Fatal otherwise.
func Exit(err error) {
	if err == nil {
		return
	}
	if code, ok := ExitCode(err); ok {
		os.Exit(code)
	}
	Fatal(err)
}

// ExitCode extracts the code of an error that carries one.
func ExitCode(err error) (int, bool) {
	var coder exitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode(), true
	}
	return 0, false
}
