// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/chithram/fedsync/cmd/fedsync/cli"
	"github.com/chithram/fedsync/lib/round"
)

type aggregateParams struct {
	commonParams
	cli.JSONOutput
	Output string `json:"output" flag:"output,o" desc:"path of the aggregated graph (required)"`
	Base   string `json:"base"   flag:"base"     desc:"graph the average is written into (default: first input)"`
}

func aggregateCommand(stdout io.Writer) *cli.Command {
	var params aggregateParams

	return &cli.Command{
		Name:    "aggregate",
		Summary: "Average trained models into one graph",
		Description: `Average the parameters of the given model graphs with federated
averaging and write the result into a copy of the base graph.

Exit code 1 means no input models were given; 2 means an input could
not be loaded.`,
		Usage: "fedsync aggregate --output <path> <model>...",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("aggregate", &params) },
		Run: func(args []string) error {
			return runAggregate(stdout, &params, args)
		},
		Examples: []cli.Example{
			{
				Description: "Average three participant updates",
				Command:     "fedsync aggregate --output global.fsg a.fsg b.fsg c.fsg",
			},
			{
				Description: "Keep the live model's structure and print a JSON summary",
				Command:     "fedsync aggregate --json --base live.fsg --output global.fsg a.fsg b.fsg",
			},
		},
	}
}

func runAggregate(stdout io.Writer, params *aggregateParams, inputs []string) error {
	if len(inputs) == 0 {
		fmt.Fprintln(stdout, "No models provided to aggregate.")
		return &cli.ExitError{Code: exitFailure}
	}
	if params.Output == "" {
		return fmt.Errorf("--output is required")
	}
	cfg, logger, err := params.load()
	if err != nil {
		return err
	}
	compression, err := cfg.Compression()
	if err != nil {
		return err
	}

	if !params.OutputJSON {
		fmt.Fprintf(stdout, "Aggregating %d models...\n", len(inputs))
	}
	summary, err := round.Aggregate(round.Aggregation{
		Inputs:      inputs,
		Output:      params.Output,
		Base:        params.Base,
		Compression: compression,
		Normalizer:  cfg.Normalizer(),
		MinMatches:  cfg.Injection.MinMatches,
		Logger:      logger,
	})
	if errors.Is(err, round.ErrLoad) {
		fmt.Fprintf(stdout, "Error loading models: %v\n", err)
		return &cli.ExitError{Code: exitLoadFailure}
	}
	if err != nil {
		return err
	}

	if done, err := params.EmitJSON(stdout, summary); done {
		return err
	}
	fmt.Fprintf(stdout, "Aggregated model saved to %s\n", summary.Output)
	fmt.Fprintf(stdout, "  inputs:     %d\n", summary.Inputs)
	fmt.Fprintf(stdout, "  parameters: %d averaged, %d written\n", summary.Parameters, summary.Updated)
	fmt.Fprintf(stdout, "  size:       %d bytes\n", summary.Size)
	fmt.Fprintf(stdout, "  digest:     %s\n", summary.Digest)
	for _, diagnostic := range summary.Diagnostics {
		fmt.Fprintf(stdout, "  warning:    %s\n", diagnostic)
	}
	return nil
}
