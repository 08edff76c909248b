// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the fedsync command tree.
package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/chithram/fedsync/cmd/fedsync/cli"
	"github.com/chithram/fedsync/lib/config"
	"github.com/chithram/fedsync/lib/version"
)

// Exit codes of train and aggregate. A supervising process branches on
// these.
const (
	exitFailure     = 1
	exitNoData      = 2
	exitAllConsumed = 3
	exitFellBack    = 4

	exitLoadFailure = 2
)

// Root returns the fedsync command tree. Command output goes to
// stdout; logs and help go to stderr.
func Root(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name: "fedsync",
		Description: `fedsync: federated weight sync for face-embedding models.

Participants fine-tune the trainable layers of a shared model on their
own face records and upload the result. The server averages pending
updates into the next global model.`,
		Subcommands: []*cli.Command{
			trainCommand(stdout),
			aggregateCommand(stdout),
			roundCommand(stdout),
			inspectCommand(stdout),
			keygenCommand(stdout),
			sealCommand(stdout),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func([]string) error {
					fmt.Fprintf(stdout, "fedsync %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Train on local records",
				Command:     "fedsync train model.fsg trained.fsg faces.db ~/.cache/fedsync",
			},
			{
				Description: "Average participant updates",
				Command:     "fedsync aggregate --output global.fsg a.fsg b.fsg c.fsg",
			},
			{
				Description: "Run aggregation rounds until interrupted",
				Command:     "fedsync round --watch",
			},
		},
	}
}

// commonParams are accepted by every command that reads configuration.
type commonParams struct {
	ConfigPath string `json:"-" flag:"config" desc:"configuration file (default $FEDSYNC_CONFIG, else built-in defaults)"`
	Verbose    bool   `json:"-" flag:"verbose,v" desc:"log debug detail"`
}

func (p *commonParams) load() (*config.Config, *slog.Logger, error) {
	logger := cli.NewCommandLogger(p.Verbose)
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}
