package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/holesch/not-my-board/internal/authpolicy"
	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/hub"
	"github.com/holesch/not-my-board/internal/hubapi"
	"github.com/holesch/not-my-board/internal/transport"
)

func newHubCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "hub",
		Short:   "Run the hub: registry, matcher, and scheduler for places and reservations",
		Example: "not-my-board hub --address=:2092",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHub(cmd.Context(), conf)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.HubOptions); err != nil {
		return nil, err
	}
	return cmd, nil
}

func runHub(ctx context.Context, conf *config.Config) error {
	log := newLogger(conf.HubLogLevel())

	var authPolicy core.AuthPolicy
	if issuer := conf.HubOIDCIssuerURL(); issuer != "" {
		oidcPolicy, err := authpolicy.NewOIDC(ctx, issuer, conf.HubOIDCClientID(), conf.HubOIDCRoleClaim())
		if err != nil {
			return fmt.Errorf("failed to initialize OIDC auth policy: %w", err)
		}
		authPolicy = oidcPolicy
	} else {
		authPolicy = authpolicy.NewPermissive()
	}

	metrics := hub.NewMetrics(prometheus.DefaultRegisterer)
	h := hub.New(nil, conf.HubHistorySize(), hub.WithMetrics(metrics), hub.WithLogger(log))
	server := hubapi.NewServer(h, authPolicy, log)
	h.SetNotifier(server)

	httpSrv, err := transport.NewServer(
		transport.WithAddress(conf.HubAddress()),
		transport.WithMount(server.Mount),
		transport.WithAllowedOrigins(conf.HubAllowedOrigins()),
	)
	if err != nil {
		return fmt.Errorf("failed to create hub HTTP server: %w", err)
	}

	return transport.Serve(ctx, httpSrv)
}
