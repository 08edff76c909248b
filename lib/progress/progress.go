// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package progress writes the line protocol a supervising process
// reads from fedsync's stdout.
//
// Two line types exist:
//
//	STATUS: <free text>
//	PROGRESS: <done>/<total>
//
// Each call writes one complete line in a single Write, so lines from
// concurrent callers never interleave. Structured logs go to stderr
// and are not part of this protocol.
package progress

import (
	"fmt"
	"io"
	"sync"
)

// Reporter writes protocol lines to an underlying writer. The zero
// value discards everything.
type Reporter struct {
	mu     sync.Mutex
	writer io.Writer
}

// New returns a reporter writing to w.
func New(w io.Writer) *Reporter {
	return &Reporter{writer: w}
}

// Status writes a STATUS line.
func (r *Reporter) Status(format string, args ...any) {
	r.write("STATUS: " + fmt.Sprintf(format, args...) + "\n")
}

// Progress writes a PROGRESS line.
func (r *Reporter) Progress(done, total int) {
	r.write(fmt.Sprintf("PROGRESS: %d/%d\n", done, total))
}

func (r *Reporter) write(line string) {
	if r == nil || r.writer == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// A supervisor that stopped reading must not abort training.
	_, _ = io.WriteString(r.writer, line)
}
