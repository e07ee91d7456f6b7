// Package main is the entry point for the not-my-board binary. It
// supports four subcommands:
//
//   - hub:      runs the registry/matcher/scheduler and its HTTP surface
//   - exporter: publishes one place description and bridges its
//     tcp/usb interfaces through a CONNECT gateway
//   - agent:    reserves places on behalf of local clients and
//     materializes them over a Unix-domain IPC socket
//   - board:    a thin client that sends commands to the agent's IPC
//     socket
//
// Dependencies are wired by hand in each subcommand's file (hub.go,
// exporter.go, agent.go) rather than generated,
// since each subcommand's object graph is small and built exactly
// once at startup.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/holesch/not-my-board/internal/config"
)

var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

func run(ctx context.Context) (int, error) {
	conf, err := config.New()
	if err != nil {
		return exitGeneric, fmt.Errorf("failed to load configuration: %w", err)
	}

	root := &cobra.Command{
		Use:           "not-my-board",
		Short:         "not-my-board: a distributed hardware-pool broker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	hubCmd, err := newHubCommand(conf)
	if err != nil {
		return exitGeneric, err
	}
	exporterCmd, err := newExporterCommand(conf)
	if err != nil {
		return exitGeneric, err
	}
	agentCmd, err := newAgentCommand(conf)
	if err != nil {
		return exitGeneric, err
	}
	boardCmd := newBoardCommand(conf)

	root.AddCommand(hubCmd, exporterCmd, agentCmd, boardCmd)

	if err := root.ExecuteContext(ctx); err != nil {
		return exitCodeFor(err), err
	}
	return exitSuccess, nil
}
