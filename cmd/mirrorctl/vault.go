// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/forgemirror/cmd/mirrorctl/cli"
	"github.com/bureau-foundation/forgemirror/lib/archivevault"
	"github.com/bureau-foundation/forgemirror/lib/config"
)

// vaultFlags select the node configuration that names the vault.
type vaultFlags struct {
	configPath string
	json       bool
}

func (a *app) bindVaultFlags(flagSet *pflag.FlagSet, flags *vaultFlags) {
	flagSet.StringVar(&flags.configPath, "config", "", "mirror-node config file naming the vault (default $"+config.PathEnv+")")
	flagSet.BoolVar(&flags.json, "json", false, "output as JSON")
}

// openVault loads the node configuration and opens its vault.
func (a *app) openVault(ctx context.Context, flags *vaultFlags) (archivevault.Vault, error) {
	path := config.ResolvePath(flags.configPath, a.lookup)
	if path == "" {
		return nil, errors.New("--config or $" + config.PathEnv + " must name the mirror-node config")
	}
	cfg, err := config.LoadNode(path, a.lookup)
	if err != nil {
		return nil, err
	}
	if !cfg.Vault.Enabled() {
		return nil, fmt.Errorf("%s configures no archive vault", path)
	}
	return archivevault.Open(ctx, cfg.Vault)
}

func (a *app) vaultCommand() *cli.Command {
	return &cli.Command{
		Name:    "vault",
		Summary: "List and fetch exported archive bundles",
		Subcommands: []*cli.Command{
			a.vaultListCommand(),
			a.vaultFetchCommand(),
		},
	}
}

func (a *app) vaultListCommand() *cli.Command {
	var flags vaultFlags
	return &cli.Command{
		Name:    "list",
		Summary: "List bundles, optionally under a key prefix",
		Usage:   "mirrorctl vault list [prefix] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			a.bindVaultFlags(flagSet, &flags)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("usage: mirrorctl vault list [prefix]")
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			ctx := context.Background()
			vault, err := a.openVault(ctx, &flags)
			if err != nil {
				return err
			}
			keys, err := vault.List(ctx, prefix)
			if err != nil {
				return err
			}

			bundles := make([]string, 0, len(keys))
			digests := make(map[string]bool, len(keys))
			for _, key := range keys {
				if base, ok := strings.CutSuffix(key, archivevault.DigestSuffix); ok {
					digests[base] = true
					continue
				}
				bundles = append(bundles, key)
			}

			output := a.output(flags.json)
			return output.Emit(bundles, func() error {
				rows := make([][]string, 0, len(bundles))
				for _, key := range bundles {
					compression, encrypted, err := archivevault.ParseBundleKey(key)
					if err != nil {
						rows = append(rows, []string{key, "", "", ""})
						continue
					}
					rows = append(rows, []string{key, string(compression), yesNo(encrypted), yesNo(digests[key])})
				}
				output.Table([]string{"KEY", "COMPRESSION", "ENCRYPTED", "DIGEST"}, rows)
				return nil
			})
		},
	}
}

func (a *app) vaultFetchCommand() *cli.Command {
	var (
		flags    vaultFlags
		identity string
	)
	return &cli.Command{
		Name:    "fetch",
		Summary: "Download, verify, and unpack one bundle",
		Usage:   "mirrorctl vault fetch <key> <destination> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
			a.bindVaultFlags(flagSet, &flags)
			flagSet.StringVarP(&identity, "identity", "i", "", "age identity file for encrypted bundles")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: mirrorctl vault fetch <key> <destination>")
			}
			key, destination := args[0], args[1]

			var identities []age.Identity
			if identity != "" {
				loaded, err := archivevault.LoadIdentities(identity)
				if err != nil {
					return err
				}
				identities = loaded
			}

			ctx := context.Background()
			vault, err := a.openVault(ctx, &flags)
			if err != nil {
				return err
			}
			if err := archivevault.Fetch(ctx, vault, key, destination, identities); err != nil {
				return err
			}

			output := a.output(flags.json)
			result := map[string]string{"key": key, "destination": destination}
			return output.Emit(result, func() error {
				output.Printf("fetched %s into %s\n", key, destination)
				return nil
			})
		},
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
