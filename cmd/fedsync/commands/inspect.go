// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/chithram/fedsync/cmd/fedsync/cli"
	"github.com/chithram/fedsync/lib/codec"
	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/match"
	"github.com/chithram/fedsync/lib/paramname"
)

type inspectParams struct {
	commonParams
	cli.JSONOutput
	Manifest bool `json:"manifest" flag:"manifest" desc:"treat the argument as a round manifest and print its CBOR diagnostic form"`
}

type initializerInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Kind  string `json:"kind"`
	Key   string `json:"key"`
}

type graphInfo struct {
	Name         string            `json:"name"`
	Digest       string            `json:"digest"`
	Nodes        int               `json:"nodes"`
	Initializers []initializerInfo `json:"initializers"`
}

type pairInfo struct {
	Name       string `json:"name"`
	Partner    string `json:"partner"`
	Transposed bool   `json:"transposed,omitempty"`
}

type comparison struct {
	Pairs     []pairInfo `json:"pairs"`
	Unmatched []string   `json:"unmatched"`
}

func inspectCommand(stdout io.Writer) *cli.Command {
	var params inspectParams

	return &cli.Command{
		Name:    "inspect",
		Summary: "List a model's parameters or compare two models",
		Description: `List the initializers of a model graph with their data type, shape,
parameter kind and the normalized key used to match them across naming
conventions.

With two graphs, report which parameters of the first find a partner in
the second, as weight injection would pair them.`,
		Usage: "fedsync inspect [flags] <graph> [other-graph]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("inspect", &params) },
		Run: func(args []string) error {
			switch {
			case params.Manifest && len(args) == 1:
				return diagnoseFile(stdout, args[0])
			case len(args) == 1:
				return inspectGraph(stdout, &params, args[0])
			case len(args) == 2 && !params.Manifest:
				return compareGraphs(stdout, &params, args[0], args[1])
			}
			return fmt.Errorf("usage: fedsync inspect [flags] <graph> [other-graph]")
		},
		Examples: []cli.Example{
			{Description: "List parameters", Command: "fedsync inspect model.fsg"},
			{Description: "Check how a trained graph pairs with the base", Command: "fedsync inspect live.fsg trained.fsg"},
			{Description: "Show a round manifest", Command: "fedsync inspect --manifest models/manifest.cbor"},
		},
	}
}

func inspectGraph(w io.Writer, params *inspectParams, path string) error {
	cfg, _, err := params.load()
	if err != nil {
		return err
	}
	g, err := graph.Load(path)
	if err != nil {
		return err
	}
	digest, err := graph.Digest(g)
	if err != nil {
		return err
	}
	normalizer := cfg.Normalizer()
	info := graphInfo{Name: g.Name, Digest: digest.String(), Nodes: len(g.Nodes)}
	for _, t := range g.Initializers {
		info.Initializers = append(info.Initializers, initializerInfo{
			Name:  t.Name,
			DType: t.DType.String(),
			Shape: t.Shape,
			Kind:  paramname.KindOf(t.Name).String(),
			Key:   normalizer.Normalize(t.Name),
		})
	}
	if done, err := params.EmitJSON(w, info); done {
		return err
	}

	fmt.Fprintf(w, "Graph:  %s\nDigest: %s\nNodes:  %d\n\n", info.Name, info.Digest, info.Nodes)
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDTYPE\tSHAPE\tKIND\tKEY")
	for _, initializer := range info.Initializers {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n",
			initializer.Name, initializer.DType, initializer.Shape, initializer.Kind, initializer.Key)
	}
	return tw.Flush()
}

func compareGraphs(w io.Writer, params *inspectParams, canonicalPath, candidatePath string) error {
	cfg, _, err := params.load()
	if err != nil {
		return err
	}
	canonical, err := graph.Load(canonicalPath)
	if err != nil {
		return err
	}
	candidate, err := graph.Load(candidatePath)
	if err != nil {
		return err
	}

	result := match.New(cfg.Normalizer()).Match(canonical.Initializers, candidate.Initializers)
	report := comparison{Unmatched: result.Unmatched}
	for _, pair := range result.Pairs {
		report.Pairs = append(report.Pairs, pairInfo{
			Name:       pair.Canonical.Name,
			Partner:    pair.Candidate.Name,
			Transposed: pair.Transposed,
		})
	}
	if report.Unmatched == nil {
		report.Unmatched = []string{}
	}
	if report.Pairs == nil {
		report.Pairs = []pairInfo{}
	}
	if done, err := params.EmitJSON(w, report); done {
		return err
	}

	fmt.Fprintf(w, "%d of %d parameters matched\n\n", len(report.Pairs), len(canonical.Initializers))
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPARTNER\tTRANSPOSED")
	for _, pair := range report.Pairs {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", pair.Name, pair.Partner, pair.Transposed)
	}
	for _, name := range report.Unmatched {
		fmt.Fprintf(tw, "%s\t-\t\n", name)
	}
	return tw.Flush()
}

func diagnoseFile(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text, err := codec.Diagnose(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	_, err = fmt.Fprintln(w, text)
	return err
}
