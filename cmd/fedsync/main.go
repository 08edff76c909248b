// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Command fedsync trains face-embedding models on local data and
// aggregates participant updates into a shared model.
package main

import (
	"os"

	"github.com/chithram/fedsync/cmd/fedsync/commands"
	"github.com/chithram/fedsync/lib/process"
)

func main() {
	process.Exit(run())
}

func run() error {
	return commands.Root(os.Stdout).Execute(os.Args[1:])
}
