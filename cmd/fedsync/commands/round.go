// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"filippo.io/age"
	"github.com/spf13/pflag"

	"github.com/chithram/fedsync/cmd/fedsync/cli"
	"github.com/chithram/fedsync/lib/round"
	"github.com/chithram/fedsync/lib/sealed"
	"github.com/chithram/fedsync/lib/version"
)

type roundParams struct {
	commonParams
	cli.JSONOutput
	Watch  bool `json:"watch"  flag:"watch,w" desc:"run a round every round.interval until interrupted"`
	Status bool `json:"status" flag:"status"  desc:"print the manifest of the live model and exit"`
}

func roundCommand(stdout io.Writer) *cli.Command {
	var params roundParams

	return &cli.Command{
		Name:    "round",
		Summary: "Aggregate pending participant updates",
		Description: `Run a server-side aggregation round. When at least round.min_updates
updates wait in round.pending_dir, they are averaged into the live
model, the previous live model is archived, and a manifest describing
the new model is written next to it.

Updates sealed with age (*.fsg.age) are opened with round.identity_file
and left pending when it is not set. Unreadable updates are moved to
the rejected/ subdirectory.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("round", &params) },
		Args:  cli.NoArgs,
		Run: func(args []string) error {
			return runRound(stdout, &params)
		},
		Examples: []cli.Example{
			{Description: "Run one round", Command: "fedsync round"},
			{Description: "Serve rounds until interrupted", Command: "fedsync round --watch"},
			{Description: "Show the live model", Command: "fedsync round --status --json"},
		},
	}
}

func runRound(stdout io.Writer, params *roundParams) error {
	cfg, logger, err := params.load()
	if err != nil {
		return err
	}
	if params.Status {
		return printManifest(stdout, params, filepath.Join(cfg.Round.ModelsDir, round.ManifestName))
	}
	if err := cfg.EnsureRoundPaths(); err != nil {
		return err
	}
	compression, err := cfg.Compression()
	if err != nil {
		return err
	}
	var identities []age.Identity
	if cfg.Round.IdentityFile != "" {
		identities, err = sealed.ReadIdentities(cfg.Round.IdentityFile)
		if err != nil {
			return err
		}
	}

	report := func(result *round.Result, err error) {
		if err != nil || result == nil {
			return
		}
		if _, err := params.EmitJSON(stdout, result); err != nil {
			logger.Error("writing round result", "error", err)
		} else if !params.OutputJSON {
			printRoundResult(stdout, result)
		}
	}
	runner := round.New(round.Config{
		PendingDir:  cfg.Round.PendingDir,
		ModelsDir:   cfg.Round.ModelsDir,
		LiveModel:   cfg.Round.LiveModel,
		MinUpdates:  cfg.Round.MinUpdates,
		Interval:    time.Duration(cfg.Round.Interval),
		Identities:  identities,
		Compression: compression,
		Normalizer:  cfg.Normalizer(),
		MinMatches:  cfg.Injection.MinMatches,
		Logger:      logger,
		OnRound:     report,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if params.Watch {
		err := runner.Watch(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	result, err := runner.RunOnce(ctx)
	if err != nil {
		return err
	}
	report(result, nil)
	return nil
}

func printRoundResult(w io.Writer, result *round.Result) {
	if result.Skipped {
		fmt.Fprintf(w, "Waiting for updates: %d pending\n", result.Pending)
		return
	}
	fmt.Fprintf(w, "Aggregated %d updates into %s\n", len(result.Aggregated), result.Global)
	if result.Archived != "" {
		fmt.Fprintf(w, "  archived: %s\n", result.Archived)
	}
	for _, rejected := range result.Rejected {
		fmt.Fprintf(w, "  rejected: %s\n", rejected)
	}
	if result.Manifest != nil {
		fmt.Fprintf(w, "  version:  %s\n", result.Manifest.Version)
		fmt.Fprintf(w, "  digest:   %s\n", result.Manifest.Digest)
	}
	for _, diagnostic := range result.Diagnostics {
		fmt.Fprintf(w, "  warning:  %s\n", diagnostic)
	}
}

func printManifest(w io.Writer, params *roundParams, path string) error {
	manifest, err := round.ReadManifest(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("no model has been published yet (%s not found)", path)
	}
	if err != nil {
		return err
	}
	if done, err := params.EmitJSON(w, manifest); done {
		return err
	}
	fmt.Fprintf(w, "Model:    %s\n", manifest.Model)
	fmt.Fprintf(w, "Version:  %s\n", manifest.Version)
	if published, err := version.ParseModelVersion(manifest.Version); err == nil {
		fmt.Fprintf(w, "Updated:  %s\n", published.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Size:     %d bytes\n", manifest.Size)
	fmt.Fprintf(w, "Digest:   %s\n", manifest.Digest)
	fmt.Fprintf(w, "Updates:  %d\n", manifest.Updates)
	return nil
}
