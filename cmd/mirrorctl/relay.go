// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/forgemirror/cmd/mirrorctl/cli"
	"github.com/bureau-foundation/forgemirror/lib/fanout"
	"github.com/bureau-foundation/forgemirror/lib/membership"
	"github.com/bureau-foundation/forgemirror/lib/secret"
	"github.com/bureau-foundation/forgemirror/lib/signature"
)

// relayFlags are shared by every relay subcommand.
type relayFlags struct {
	url       string
	token     string
	tokenFile string
	timeout   time.Duration
	json      bool
}

func (a *app) bindRelayFlags(flagSet *pflag.FlagSet, flags *relayFlags) {
	flagSet.StringVar(&flags.url, "relay", a.env(relayURLEnv, defaultURL), "forge-relay base URL (default $"+relayURLEnv+")")
	flagSet.StringVar(&flags.token, "token", a.env("REGISTRATION_TOKEN", ""), "registration token (default $REGISTRATION_TOKEN)")
	flagSet.StringVar(&flags.tokenFile, "token-file", "", "read the registration token from this file")
	flagSet.DurationVar(&flags.timeout, "timeout", 30*time.Second, "request timeout")
	flagSet.BoolVar(&flags.json, "json", false, "output as JSON")
}

func (a *app) relayClient(flags *relayFlags) (*apiClient, error) {
	client := newAPIClient(a.client, flags.url, flags.timeout)
	token, err := secret.Resolve(flags.token, flags.tokenFile)
	if err != nil {
		return nil, fmt.Errorf("registration token: %w", err)
	}
	if token != nil {
		client.header.Set(membership.TokenHeader, token.String())
		token.Close()
	}
	return client, nil
}

type endpointList struct {
	Endpoints []string `json:"endpoints"`
	Count     int      `json:"count"`
}

type relayHealth struct {
	Status                    string    `json:"status"`
	Endpoints                 int       `json:"endpoints"`
	Dynamic                   int       `json:"dynamic"`
	Static                    int       `json:"static"`
	SignatureRequired         bool      `json:"signature_required"`
	RegistrationTokenRequired bool      `json:"registration_token_required"`
	StartedAt                 time.Time `json:"started_at"`
	UptimeSeconds             int64     `json:"uptime_seconds"`
}

type registration struct {
	Registered   string `json:"registered,omitempty"`
	Unregistered string `json:"unregistered,omitempty"`
	DynamicTotal int    `json:"dynamic_total"`
}

func (a *app) relayCommand() *cli.Command {
	return &cli.Command{
		Name:    "relay",
		Summary: "Inspect and drive forge-relay",
		Subcommands: []*cli.Command{
			a.relayEndpointsCommand(),
			a.relayHealthCommand(),
			a.relayRegistrationCommand("register", "/register", "Register a mirror node endpoint"),
			a.relayRegistrationCommand("unregister", "/unregister", "Remove a mirror node endpoint"),
			a.relaySendCommand(),
		},
	}
}

func (a *app) relayEndpointsCommand() *cli.Command {
	var flags relayFlags
	return &cli.Command{
		Name:    "endpoints",
		Summary: "List the endpoints the relay delivers to",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("endpoints", pflag.ContinueOnError)
			a.bindRelayFlags(flagSet, &flags)
			return flagSet
		},
		Run: func(args []string) error {
			client, err := a.relayClient(&flags)
			if err != nil {
				return err
			}
			var list endpointList
			if err := client.call(context.Background(), http.MethodGet, "/endpoints", nil, &list); err != nil {
				return err
			}
			output := a.output(flags.json)
			return output.Emit(list, func() error {
				rows := make([][]string, 0, len(list.Endpoints))
				for _, endpoint := range list.Endpoints {
					rows = append(rows, []string{endpoint})
				}
				output.Table([]string{"ENDPOINT"}, rows)
				return nil
			})
		},
	}
}

func (a *app) relayHealthCommand() *cli.Command {
	var flags relayFlags
	return &cli.Command{
		Name:    "health",
		Summary: "Show relay health and membership counts",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("health", pflag.ContinueOnError)
			a.bindRelayFlags(flagSet, &flags)
			return flagSet
		},
		Run: func(args []string) error {
			client, err := a.relayClient(&flags)
			if err != nil {
				return err
			}
			var health relayHealth
			if err := client.call(context.Background(), http.MethodGet, "/health", nil, &health); err != nil {
				return err
			}
			output := a.output(flags.json)
			return output.Emit(health, func() error {
				output.Fields([][2]string{
					{"status", output.Status(health.Status)},
					{"endpoints", strconv.Itoa(health.Endpoints)},
					{"dynamic", strconv.Itoa(health.Dynamic)},
					{"static", strconv.Itoa(health.Static)},
					{"signature required", strconv.FormatBool(health.SignatureRequired)},
					{"token required", strconv.FormatBool(health.RegistrationTokenRequired)},
					{"started", health.StartedAt.Format(time.RFC3339)},
					{"uptime", (time.Duration(health.UptimeSeconds) * time.Second).String()},
				})
				return nil
			})
		},
	}
}

func (a *app) relayRegistrationCommand(name, path, summary string) *cli.Command {
	var flags relayFlags
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   "mirrorctl relay " + name + " <endpoint> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			a.bindRelayFlags(flagSet, &flags)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mirrorctl relay %s <endpoint>", name)
			}
			client, err := a.relayClient(&flags)
			if err != nil {
				return err
			}
			var result registration
			request := map[string]string{"endpoint": args[0]}
			if err := client.call(context.Background(), http.MethodPost, path, request, &result); err != nil {
				return err
			}
			output := a.output(flags.json)
			return output.Emit(result, func() error {
				endpoint := result.Registered
				if endpoint == "" {
					endpoint = result.Unregistered
				}
				output.Printf("%sed %s (%d dynamic endpoints)\n", name, endpoint, result.DynamicTotal)
				return nil
			})
		},
	}
}

func (a *app) relaySendCommand() *cli.Command {
	var (
		flags      relayFlags
		secretFlag string
		secretFile string
		ref        string
		action     string
		deliveryID string
	)
	return &cli.Command{
		Name:    "send",
		Summary: "Send a signed test webhook through the relay",
		Usage:   "mirrorctl relay send <owner/repo> [flags]",
		Description: "Build a forge-style event for one repository, sign it with the\n" +
			"webhook secret, and post it to the relay. Exits 2 when any member\n" +
			"fails to accept the delivery.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
			a.bindRelayFlags(flagSet, &flags)
			flagSet.StringVar(&secretFlag, "secret", a.env("WEBHOOK_SECRET", ""), "webhook secret (default $WEBHOOK_SECRET)")
			flagSet.StringVar(&secretFile, "secret-file", "", "read the webhook secret from this file")
			flagSet.StringVar(&ref, "ref", "refs/heads/main", "ref of a push event")
			flagSet.StringVar(&action, "action", "", "repository event action (created or deleted) instead of a push")
			flagSet.StringVar(&deliveryID, "delivery", "", "delivery ID to send as X-Gitea-Delivery")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: mirrorctl relay send <owner/repo>")
			}
			payload, err := buildEvent(args[0], action, ref)
			if err != nil {
				return err
			}

			client, err := a.relayClient(&flags)
			if err != nil {
				return err
			}
			header := http.Header{}
			webhookSecret, err := secret.Resolve(secretFlag, secretFile)
			if err != nil {
				return fmt.Errorf("webhook secret: %w", err)
			}
			if webhookSecret != nil {
				header.Set(signature.Headers[0], signature.Sign(webhookSecret.Bytes(), payload))
				webhookSecret.Close()
			}
			if deliveryID != "" {
				header.Set("X-Gitea-Delivery", deliveryID)
			}

			reply, err := client.do(context.Background(), http.MethodPost, "/webhook", payload, header)
			if err != nil {
				return err
			}
			if reply.status != http.StatusOK && reply.status != http.StatusBadGateway {
				return reply.err()
			}
			var result fanout.Result
			if err := reply.decode(&result); err != nil {
				return err
			}

			output := a.output(flags.json)
			if err := output.Emit(result, func() error {
				output.Printf("delivered to %d of %d endpoints\n", result.Success, result.Targets)
				if len(result.Failed) > 0 {
					rows := make([][]string, 0, len(result.Failed))
					for _, failure := range result.Failed {
						rows = append(rows, []string{failure.Endpoint, output.Status(fmt.Sprint(failure.Status))})
					}
					output.Table([]string{"FAILED ENDPOINT", "STATUS"}, rows)
				}
				return nil
			}); err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				return &cli.ExitError{Code: 2}
			}
			return nil
		},
	}
}

// buildEvent returns the JSON body of a push (action empty) or
// repository event for fullName.
func buildEvent(fullName, action, ref string) ([]byte, error) {
	event := map[string]any{
		"repository": map[string]string{"full_name": fullName},
	}
	switch action {
	case "":
		event["ref"] = ref
	case "created", "deleted":
		event["action"] = action
	default:
		return nil, fmt.Errorf("--action must be created or deleted, got %q", action)
	}
	return json.Marshal(event)
}
