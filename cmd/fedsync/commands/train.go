// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/chithram/fedsync/cmd/fedsync/cli"
	"github.com/chithram/fedsync/lib/progress"
	"github.com/chithram/fedsync/lib/session"
)

type trainParams struct {
	commonParams
	Epochs int    `json:"epochs" flag:"epochs" desc:"training epochs (overrides training.epochs)"`
	Seed   uint64 `json:"seed"   flag:"seed"   desc:"shuffle and augmentation seed (overrides training.seed)"`
	Limit  int    `json:"limit"  flag:"limit"  desc:"maximum records per session (overrides training.record_limit)"`
}

const trainUsage = "fedsync train <input-graph> <output-graph> <database> [cache-dir]"

func trainCommand(stdout io.Writer) *cli.Command {
	var params trainParams

	return &cli.Command{
		Name:    "train",
		Summary: "Fine-tune a model on local face records",
		Description: `Fine-tune the trainable layers of a model graph on untrained face
records and write the result to the output path.

Progress is reported on stdout as STATUS: and PROGRESS: lines. Exit
codes:

  0  trained; selected records are marked as trained
  1  input graph unreadable, or bad usage
  2  database missing or holds no usable faces
  3  every usable face has already been trained on
  4  training failed; the output is an unmodified copy of the input`,
		Usage: trainUsage,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("train", &params) },
		Run: func(args []string) error {
			if len(args) < 3 || len(args) > 4 {
				fmt.Fprintf(stdout, "Usage: %s\n", trainUsage)
				return &cli.ExitError{Code: exitFailure}
			}
			return runTrain(stdout, &params, args)
		},
		Examples: []cli.Example{
			{
				Description: "Train with images cached under ~/.cache/fedsync",
				Command:     "fedsync train model.fsg trained.fsg faces.db ~/.cache/fedsync",
			},
			{
				Description: "Reproducible two-epoch run",
				Command:     "fedsync train --epochs 2 --seed 42 model.fsg trained.fsg faces.db",
			},
		},
	}
}

func runTrain(stdout io.Writer, params *trainParams, args []string) error {
	cfg, logger, err := params.load()
	if err != nil {
		return err
	}
	if params.Epochs > 0 {
		cfg.Training.Epochs = params.Epochs
	}
	if params.Seed != 0 {
		cfg.Training.Seed = params.Seed
	}
	if params.Limit > 0 {
		cfg.Training.RecordLimit = params.Limit
	}
	compression, err := cfg.Compression()
	if err != nil {
		return err
	}
	cacheDir := cfg.Paths.Cache
	if len(args) == 4 {
		cacheDir = args[3]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	training := cfg.TrainingConfig(time.Now())
	training.Logger = logger
	reporter := progress.New(stdout)
	outcome, err := session.New(session.Config{
		InputPath:   args[0],
		OutputPath:  args[1],
		StorePath:   args[2],
		CacheDir:    cacheDir,
		RecordLimit: cfg.Training.RecordLimit,
		BusyTimeout: time.Duration(cfg.Store.BusyTimeout),
		Normalizer:  cfg.Normalizer(),
		Freeze:      cfg.FreezePolicy(),
		Training:    training,
		ImageSize:   cfg.Training.ImageSize,
		MinMatches:  cfg.Injection.MinMatches,
		Compression: compression,
		Reporter:    reporter,
		Logger:      logger,
	}).Run(ctx)

	switch {
	case errors.Is(err, session.ErrMissingDependency):
		reporter.Status("ERROR-Cannot load input model: %v", err)
		return &cli.ExitError{Code: exitFailure}
	case errors.Is(err, session.ErrNoData):
		return &cli.ExitError{Code: exitNoData}
	case errors.Is(err, session.ErrAllConsumed):
		return &cli.ExitError{Code: exitAllConsumed}
	case err != nil:
		return err
	}

	logger.Info("training session finished",
		"status", outcome.Status,
		"selected", outcome.Selected,
		"updated", outcome.Updated,
		"marked", outcome.Marked,
		"seed", training.Seed,
	)
	for _, diagnostic := range outcome.Diagnostics {
		logger.Warn("injection diagnostic", "detail", diagnostic)
	}
	if outcome.Status == session.FellBack {
		return &cli.ExitError{Code: exitFellBack}
	}
	reporter.Status("Training complete. Model saved to %s", args[1])
	return nil
}
