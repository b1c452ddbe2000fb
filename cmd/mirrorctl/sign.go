// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/forgemirror/cmd/mirrorctl/cli"
	"github.com/bureau-foundation/forgemirror/lib/secret"
	"github.com/bureau-foundation/forgemirror/lib/signature"
)

// maxSignBytes bounds the payload read by sign.
const maxSignBytes = 64 << 20

func (a *app) signCommand() *cli.Command {
	var (
		secretFlag string
		secretFile string
		header     bool
	)
	return &cli.Command{
		Name:    "sign",
		Summary: "Compute a forge webhook signature",
		Usage:   "mirrorctl sign [file] [flags]",
		Description: "Print the hex HMAC-SHA256 of a payload (a file, or stdin) under the\n" +
			"webhook secret, as forges send it in X-Gitea-Signature.",
		Examples: []cli.Example{
			{Description: "Sign a saved payload", Command: "mirrorctl sign --secret-file /etc/forge-relay/secret payload.json"},
			{Description: "Print a GitHub-style header", Command: "mirrorctl sign --header < payload.json"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sign", pflag.ContinueOnError)
			flagSet.StringVar(&secretFlag, "secret", a.env("WEBHOOK_SECRET", ""), "webhook secret (default $WEBHOOK_SECRET)")
			flagSet.StringVar(&secretFile, "secret-file", "", "read the webhook secret from this file")
			flagSet.BoolVar(&header, "header", false, "print as an X-Hub-Signature-256 header line")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("usage: mirrorctl sign [file]")
			}
			webhookSecret, err := secret.Resolve(secretFlag, secretFile)
			if err != nil {
				return fmt.Errorf("webhook secret: %w", err)
			}
			if webhookSecret == nil {
				return errors.New("a webhook secret is required (--secret, --secret-file, or $WEBHOOK_SECRET)")
			}
			defer webhookSecret.Close()

			source := a.stdin
			if len(args) == 1 && args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer file.Close()
				source = file
			}
			body, err := io.ReadAll(io.LimitReader(source, maxSignBytes))
			if err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}

			digest := signature.Sign(webhookSecret.Bytes(), body)
			if header {
				fmt.Fprintf(a.stdout, "%s: sha256=%s\n", signature.Headers[1], digest)
				return nil
			}
			fmt.Fprintln(a.stdout, digest)
			return nil
		},
	}
}
