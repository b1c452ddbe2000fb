// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/bureau-foundation/forgemirror/cmd/mirrorctl/cli"
	"github.com/bureau-foundation/forgemirror/lib/config"
	"github.com/bureau-foundation/forgemirror/lib/version"
)

// Environment variables that supply flag defaults.
const (
	relayURLEnv = "FORGEMIRROR_RELAY_URL"
	nodeURLEnv  = "FORGEMIRROR_NODE_URL"
	defaultURL  = "http://localhost:8080"
)

func main() {
	application := &app{
		stdout: os.Stdout,
		stdin:  os.Stdin,
		client: &http.Client{},
		lookup: os.LookupEnv,
	}
	if err := application.root().Execute(os.Args[1:]); err != nil {
		var exitError *cli.ExitError
		if errors.As(err, &exitError) {
			os.Exit(exitError.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the process-wide dependencies every command uses.
type app struct {
	stdout io.Writer
	stdin  io.Reader
	client *http.Client
	lookup config.LookupFunc
	help   io.Writer
}

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name:        "mirrorctl",
		Description: "Operate forge-relay and mirror-node deployments.",
		HelpOutput:  a.help,
		Subcommands: []*cli.Command{
			a.relayCommand(),
			a.nodeCommand(),
			a.signCommand(),
			a.vaultCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					version.Fprint(a.stdout, "mirrorctl")
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{Description: "List the endpoints the relay delivers to", Command: "mirrorctl relay endpoints --relay http://relay:8080"},
			{Description: "Show the last 20 audit records of a node", Command: "mirrorctl node logs --node http://mirror-a:8080 --lines 20"},
		},
	}
}

// env returns the environment value for name, or fallback.
func (a *app) env(name, fallback string) string {
	if value, ok := a.lookup(name); ok && value != "" {
		return value
	}
	return fallback
}

func (a *app) output(forceJSON bool) *cli.Output {
	return cli.NewOutput(a.stdout, forceJSON)
}
