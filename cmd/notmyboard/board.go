package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/holesch/not-my-board/internal/agentd"
	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/hubapi"
	"github.com/holesch/not-my-board/internal/rpc"
	"github.com/holesch/not-my-board/internal/schema"
)

// dialBoard opens a single Unix-socket IPC connection to a running
// agent, for one request-response round trip.
func dialBoard(ctx context.Context, socketPath string) (*rpc.Conn, func() error, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("board: connect to agent socket %q: %w", socketPath, err)
	}
	transport := rpc.NewFrameTransport(conn)
	if err := rpc.Handshake(transport); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("board: handshake with agent socket %q: %w", socketPath, err)
	}
	c := rpc.NewConn(transport, rpc.NewDispatcher(), true)
	go c.Serve(ctx) //nolint:errcheck // Serve's error, if any, surfaces via the in-flight Call instead
	return c, conn.Close, nil
}

func boardCall(ctx context.Context, socketPath, method string, params, out any) error {
	c, closeConn, err := dialBoard(ctx, socketPath)
	if err != nil {
		return err
	}
	defer closeConn()
	return c.Call(ctx, method, params, out)
}

func newBoardCommand(conf *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Talk to a running agent over its local IPC socket",
	}
	cmd.AddCommand(
		newBoardReserveCommand(conf),
		newBoardAttachCommand(conf),
		newBoardDetachCommand(conf),
		newBoardReturnCommand(conf),
		newBoardListCommand(conf),
		newBoardStatusCommand(conf),
		newBoardEditCommand(conf),
	)
	return cmd
}

func loadImportParts(specFile string) (float64, map[string]hubapi.PartSpecParams, error) {
	data, err := os.ReadFile(specFile)
	if err != nil {
		return 0, nil, usageErrorf("failed to read import spec %q: %w", specFile, err)
	}
	doc, err := schema.DecodeImportDescription(data)
	if err != nil {
		return 0, nil, usageErrorf("failed to parse import spec %q: %w", specFile, err)
	}
	spec, err := doc.ToImportSpec()
	if err != nil {
		return 0, nil, usageErrorf("invalid import spec %q: %w", specFile, err)
	}

	parts := make(map[string]hubapi.PartSpecParams, len(spec.Parts))
	for name, p := range spec.Parts {
		pp := hubapi.PartSpecParams{
			Compatible: p.Compatible,
			TCP:        make(map[string]hubapi.LocalTCPParams, len(p.TCP)),
			USB:        make(map[string]int, len(p.USB)),
		}
		for iface, tcp := range p.TCP {
			pp.TCP[iface] = hubapi.LocalTCPParams{LocalPort: tcp.LocalPort}
		}
		for iface, portNum := range p.USB {
			pp.USB[iface] = portNum
		}
		parts[name] = pp
	}
	return spec.AutoReturnTime.Seconds(), parts, nil
}

func newBoardReserveCommand(conf *config.Config) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "reserve <import.toml>",
		Short: "Reserve a place matching an import specification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			autoReturn, parts, err := loadImportParts(args[0])
			if err != nil {
				return err
			}
			var result agentd.ReserveIPCResult
			err = boardCall(cmd.Context(), conf.AgentSocket(), "reserve", agentd.ReserveIPCParams{
				Name:                  name,
				AutoReturnTimeSeconds: autoReturn,
				Parts:                 parts,
			}, &result)
			if err != nil {
				return err
			}
			fmt.Println(result.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Name to store the reservation under (default: generated)")
	return cmd
}

func newBoardAttachCommand(conf *config.Config) *cobra.Command {
	var specFile string
	cmd := &cobra.Command{
		Use:   "attach <name>",
		Short: "Block until a reservation is allocated and materialize its interfaces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := agentd.AttachIPCParams{Name: args[0]}
			if specFile != "" {
				autoReturn, parts, err := loadImportParts(specFile)
				if err != nil {
					return err
				}
				params.AutoReturnTimeSeconds = autoReturn
				params.Parts = parts
			}
			return boardCall(cmd.Context(), conf.AgentSocket(), "attach", params, nil)
		},
	}
	cmd.Flags().StringVar(&specFile, "spec", "", "Import specification to reserve first, if not already reserved")
	return cmd
}

func newBoardDetachCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "detach <name>",
		Short: "Release a reservation's local interfaces without returning it to the hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return boardCall(cmd.Context(), conf.AgentSocket(), "detach", agentd.DetachIPCParams{Name: args[0]}, nil)
		},
	}
}

func newBoardReturnCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "return <name>",
		Short: "Return a reservation to the hub and release its local interfaces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return boardCall(cmd.Context(), conf.AgentSocket(), "return", agentd.ReturnIPCParams{Name: args[0]}, nil)
		},
	}
}

func newBoardListCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every reservation this agent currently tracks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result []agentd.ReservationSummary
			if err := boardCall(cmd.Context(), conf.AgentSocket(), "list", struct{}{}, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func newBoardStatusCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show one reservation's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result agentd.ReservationSummary
			if err := boardCall(cmd.Context(), conf.AgentSocket(), "status", agentd.StatusIPCParams{Name: args[0]}, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func newBoardEditCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <name> <auto-return-duration>",
		Short: "Change a reservation's auto-return duration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := parseDurationSeconds(args[1])
			if err != nil {
				return usageErrorf("invalid duration %q: %w", args[1], err)
			}
			return boardCall(cmd.Context(), conf.AgentSocket(), "edit", agentd.EditIPCParams{
				Name:                  args[0],
				AutoReturnTimeSeconds: seconds,
			}, nil)
		},
	}
}

func parseDurationSeconds(s string) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d.Seconds(), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
