// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/forgemirror/cmd/mirrorctl/cli"
	"github.com/bureau-foundation/forgemirror/lib/audit"
	"github.com/bureau-foundation/forgemirror/lib/mirror"
	"github.com/bureau-foundation/forgemirror/lib/repostate"
)

// nodeFlags are shared by every node subcommand.
type nodeFlags struct {
	url     string
	timeout time.Duration
	json    bool
}

func (a *app) bindNodeFlags(flagSet *pflag.FlagSet, flags *nodeFlags, timeout time.Duration) {
	flagSet.StringVar(&flags.url, "node", a.env(nodeURLEnv, defaultURL), "mirror-node base URL (default $"+nodeURLEnv+")")
	flagSet.DurationVar(&flags.timeout, "timeout", timeout, "request timeout (0 for none)")
	flagSet.BoolVar(&flags.json, "json", false, "output as JSON")
}

func (a *app) nodeClient(flags *nodeFlags) *apiClient {
	return newAPIClient(a.client, flags.url, flags.timeout)
}

type nodeHealth struct {
	ServiceID                string    `json:"service_id"`
	NodeName                 string    `json:"node_name"`
	StartedAt                time.Time `json:"started_at"`
	UptimeSeconds            int64     `json:"uptime_seconds"`
	RelayRegistrationEnabled bool      `json:"relay_registration_enabled"`
	Repos                    struct {
		Active  int `json:"active"`
		Deleted int `json:"deleted"`
	} `json:"repos"`
}

type nodeLogs struct {
	Logs []audit.Record `json:"logs"`
}

func (a *app) nodeCommand() *cli.Command {
	return &cli.Command{
		Name:    "node",
		Summary: "Inspect and drive a mirror node",
		Subcommands: []*cli.Command{
			a.nodeHealthCommand(),
			a.nodeReposCommand(),
			a.nodeLogsCommand(),
			a.nodeSyncCommand(),
			a.nodeResyncCommand(),
			a.nodeRestoreCommand(),
		},
	}
}

func (a *app) nodeHealthCommand() *cli.Command {
	var flags nodeFlags
	return &cli.Command{
		Name:    "health",
		Summary: "Show node identity and repository counts",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("health", pflag.ContinueOnError)
			a.bindNodeFlags(flagSet, &flags, 30*time.Second)
			return flagSet
		},
		Run: func(args []string) error {
			var health nodeHealth
			if err := a.nodeClient(&flags).call(context.Background(), http.MethodGet, "/health", nil, &health); err != nil {
				return err
			}
			output := a.output(flags.json)
			return output.Emit(health, func() error {
				output.Fields([][2]string{
					{"service", health.ServiceID},
					{"node", health.NodeName},
					{"started", health.StartedAt.Format(time.RFC3339)},
					{"uptime", (time.Duration(health.UptimeSeconds) * time.Second).String()},
					{"registering", strconv.FormatBool(health.RelayRegistrationEnabled)},
					{"active", strconv.Itoa(health.Repos.Active)},
					{"deleted", strconv.Itoa(health.Repos.Deleted)},
				})
				return nil
			})
		},
	}
}

func (a *app) nodeReposCommand() *cli.Command {
	var flags nodeFlags
	return &cli.Command{
		Name:    "repos",
		Summary: "List every repository the node tracks",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("repos", pflag.ContinueOnError)
			a.bindNodeFlags(flagSet, &flags, 30*time.Second)
			return flagSet
		},
		Run: func(args []string) error {
			var state repostate.State
			if err := a.nodeClient(&flags).call(context.Background(), http.MethodGet, "/repos", nil, &state); err != nil {
				return err
			}
			output := a.output(flags.json)
			return output.Emit(state, func() error {
				names := make([]string, 0, len(state.Repos))
				for name := range state.Repos {
					names = append(names, name)
				}
				sort.Strings(names)
				rows := make([][]string, 0, len(names))
				for _, name := range names {
					record := state.Repos[name]
					rows = append(rows, []string{
						name,
						output.Status(string(record.Status)),
						strconv.Itoa(record.SyncCount),
						formatTime(record.LastSynced),
						record.ArchivedTo,
					})
				}
				output.Table([]string{"REPOSITORY", "STATUS", "SYNCS", "LAST SYNCED", "ARCHIVED TO"}, rows)
				return nil
			})
		},
	}
}

func (a *app) nodeLogsCommand() *cli.Command {
	var (
		flags nodeFlags
		lines int
	)
	return &cli.Command{
		Name:    "logs",
		Summary: "Show the most recent audit records",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("logs", pflag.ContinueOnError)
			a.bindNodeFlags(flagSet, &flags, 30*time.Second)
			flagSet.IntVarP(&lines, "lines", "n", audit.DefaultTail, "number of records (1 to 1000)")
			return flagSet
		},
		Run: func(args []string) error {
			var logs nodeLogs
			path := "/logs?lines=" + strconv.Itoa(audit.ClampLines(lines))
			if err := a.nodeClient(&flags).call(context.Background(), http.MethodGet, path, nil, &logs); err != nil {
				return err
			}
			output := a.output(flags.json)
			return output.Emit(logs, func() error {
				rows := make([][]string, 0, len(logs.Logs))
				for _, record := range logs.Logs {
					result := fmt.Sprint(valueOr(record, "result", ""))
					rows = append(rows, []string{
						fmt.Sprint(valueOr(record, "ts", "")),
						fmt.Sprint(valueOr(record, "action", "")),
						fmt.Sprint(valueOr(record, "repo", "")),
						output.Status(result),
					})
				}
				output.Table([]string{"TIME", "ACTION", "REPOSITORY", "RESULT"}, rows)
				return nil
			})
		},
	}
}

func (a *app) nodeSyncCommand() *cli.Command {
	var (
		flags  nodeFlags
		ref    string
		action string
	)
	return &cli.Command{
		Name:    "sync",
		Summary: "Apply one repository event directly on the node",
		Usage:   "mirrorctl node sync <owner/repo> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sync", pflag.ContinueOnError)
			a.bindNodeFlags(flagSet, &flags, 5*time.Minute)
			flagSet.StringVar(&ref, "ref", "refs/heads/main", "ref of a push event")
			flagSet.StringVar(&action, "action", "", "repository event action (created or deleted) instead of a push")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mirrorctl node sync <owner/repo>")
			}
			if err := mirror.ValidateName(args[0]); err != nil {
				return err
			}
			payload, err := buildEvent(args[0], action, ref)
			if err != nil {
				return err
			}
			var result struct {
				Result string `json:"result"`
			}
			if err := a.nodeClient(&flags).call(context.Background(), http.MethodPost, "/sync", payload, &result); err != nil {
				return err
			}
			output := a.output(flags.json)
			return output.Emit(result, func() error {
				output.Printf("%s: %s\n", args[0], output.Status(result.Result))
				return nil
			})
		},
	}
}

func (a *app) nodeResyncCommand() *cli.Command {
	var flags nodeFlags
	return &cli.Command{
		Name:    "resync",
		Summary: "Clone or fetch every repository the forge lists",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("resync", pflag.ContinueOnError)
			a.bindNodeFlags(flagSet, &flags, 0)
			return flagSet
		},
		Run: func(args []string) error {
			var result mirror.ResyncResult
			if err := a.nodeClient(&flags).call(context.Background(), http.MethodPost, "/resync", nil, &result); err != nil {
				return err
			}
			output := a.output(flags.json)
			if err := output.Emit(result, func() error {
				output.Fields([][2]string{
					{"cloned", strconv.Itoa(result.Cloned)},
					{"updated", strconv.Itoa(result.Updated)},
					{"failed", strconv.Itoa(result.Failed)},
				})
				return nil
			}); err != nil {
				return err
			}
			if result.Failed > 0 {
				return &cli.ExitError{Code: 2}
			}
			return nil
		},
	}
}

func (a *app) nodeRestoreCommand() *cli.Command {
	var flags nodeFlags
	return &cli.Command{
		Name:        "restore",
		Summary:     "Replace the node's mirror tree with a copy of another",
		Usage:       "mirrorctl node restore <source-directory> [flags]",
		Description: "Copy <source-directory> over the node's repositories directory\nand mark every mirror found there active. The path is read on the node.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("restore", pflag.ContinueOnError)
			a.bindNodeFlags(flagSet, &flags, 0)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mirrorctl node restore <source-directory>")
			}
			var result struct {
				Restored int `json:"restored"`
			}
			request := map[string]string{"source": args[0]}
			if err := a.nodeClient(&flags).call(context.Background(), http.MethodPost, "/restore", request, &result); err != nil {
				return err
			}
			output := a.output(flags.json)
			return output.Emit(result, func() error {
				output.Printf("restored %d repositories from %s\n", result.Restored, args[0])
				return nil
			})
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func valueOr(record audit.Record, key string, fallback any) any {
	if value, ok := record[key]; ok {
		return value
	}
	return fallback
}
