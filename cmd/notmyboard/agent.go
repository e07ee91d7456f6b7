package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/holesch/not-my-board/internal/agentd"
	"github.com/holesch/not-my-board/internal/config"
)

func newAgentCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "agent",
		Short:   "Run the agent: reserve places and materialize their tcp/usb interfaces locally",
		Example: "not-my-board agent --hub-url=ws://hub:2092/ws --socket=/run/not-my-board-agent.sock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), conf)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.AgentOptions); err != nil {
		return nil, err
	}
	return cmd, nil
}

func runAgent(ctx context.Context, conf *config.Config) error {
	log := newLogger(conf.AgentLogLevel())

	rt := agentd.New(agentd.Config{
		HubURL:     conf.AgentHubURL(),
		Token:      conf.AgentToken(),
		SocketPath: conf.AgentSocket(),
		GatewayTLS: nil, // exporters reached by this agent use plaintext gateways unless a future option configures a CA
		Logger:     log,
	})

	return rt.Run(ctx)
}
