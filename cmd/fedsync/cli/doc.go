// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework of the fedsync binary.
//
// A [Command] has a name, a pflag.FlagSet factory and either a Run
// function or subcommands. [Command.Execute] routes arguments, parses
// flags and prints help. Unknown commands and flags get a "did you
// mean" suggestion by edit distance.
//
// Command parameters are plain structs whose fields carry flag, desc
// and default tags; [FlagsFromParams] binds them. Embedding
// [JSONOutput] adds --json.
//
// A command that reports its outcome through an exit code returns
// [ExitError]; main exits with that code without printing it.
package cli
