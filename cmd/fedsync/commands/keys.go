// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/chithram/fedsync/cmd/fedsync/cli"
	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/sealed"
)

type keygenParams struct {
	cli.JSONOutput
	Output string `json:"output" flag:"output,o" desc:"identity file to create (required)"`
}

type keygenResult struct {
	PublicKey    string `json:"public_key"`
	IdentityFile string `json:"identity_file"`
}

func keygenCommand(stdout io.Writer) *cli.Command {
	var params keygenParams

	return &cli.Command{
		Name:    "keygen",
		Summary: "Create an identity for opening sealed updates",
		Description: `Generate an age X25519 keypair. The identity is written to --output
with mode 0600 and never overwrites an existing file; the public key is
printed for participants to seal their updates to.

Point round.identity_file at the identity so rounds can open sealed
updates.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("keygen", &params) },
		Args:  cli.NoArgs,
		Run: func(args []string) error {
			if params.Output == "" {
				return errors.New("--output is required")
			}
			keypair, err := sealed.GenerateKeypair()
			if err != nil {
				return err
			}
			file, err := os.OpenFile(params.Output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return fmt.Errorf("creating identity file: %w", err)
			}
			if _, err := file.Write(keypair.IdentityFile()); err != nil {
				file.Close()
				return fmt.Errorf("writing identity file: %w", err)
			}
			if err := file.Close(); err != nil {
				return fmt.Errorf("writing identity file: %w", err)
			}

			result := keygenResult{PublicKey: keypair.PublicKey, IdentityFile: params.Output}
			if done, err := params.EmitJSON(stdout, result); done {
				return err
			}
			fmt.Fprintf(stdout, "Public key: %s\n", keypair.PublicKey)
			return nil
		},
		Examples: []cli.Example{
			{Command: "fedsync keygen --output /etc/fedsync/round.key"},
		},
	}
}

type sealParams struct {
	Recipients []string `json:"recipients" flag:"recipient,r" desc:"age public key to seal to (repeatable, required)"`
	Output     string   `json:"output"     flag:"output,o"    desc:"sealed file (default: <graph>.age)"`
}

func sealCommand(stdout io.Writer) *cli.Command {
	var params sealParams

	return &cli.Command{
		Name:    "seal",
		Summary: "Encrypt a trained graph for upload",
		Description: `Encrypt a model graph to one or more age recipients. The graph is
validated first, so a sealed update always decodes once opened.`,
		Usage: "fedsync seal --recipient <age1...> [--output <path>] <graph>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("seal", &params) },
		Args:  cli.ArgRange(1, 1),
		Run: func(args []string) error {
			if len(params.Recipients) == 0 {
				return errors.New("at least one --recipient is required")
			}
			input := args[0]
			output := params.Output
			if output == "" {
				output = input + sealed.Extension
			}

			if _, err := graph.Load(input); err != nil {
				return err
			}
			plaintext, err := os.ReadFile(input)
			if err != nil {
				return err
			}
			ciphertext, err := sealed.Seal(plaintext, params.Recipients)
			if err != nil {
				return err
			}
			if err := graph.WriteFile(output, ciphertext); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Sealed %s to %d recipient(s): %s\n", input, len(params.Recipients), output)
			return nil
		},
		Examples: []cli.Example{
			{
				Description: "Seal a trained model for the aggregation server",
				Command:     "fedsync seal -r age1... trained.fsg",
			},
		},
	}
}
