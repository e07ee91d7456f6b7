package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/exporterd"
	"github.com/holesch/not-my-board/internal/schema"
	"github.com/holesch/not-my-board/internal/transport"
)

func newExporterCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "exporter <description.toml>",
		Short:   "Run the exporter: publish one place and bridge its tcp/usb interfaces",
		Example: "not-my-board exporter place.toml --hub-url=ws://hub:2092/ws",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExporter(cmd.Context(), conf, args[0])
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.ExporterOptions); err != nil {
		return nil, err
	}
	return cmd, nil
}

func runExporter(ctx context.Context, conf *config.Config, descriptionFile string) error {
	log := newLogger(conf.ExporterLogLevel())

	data, err := os.ReadFile(descriptionFile)
	if err != nil {
		return usageErrorf("failed to read place description %q: %w", descriptionFile, err)
	}
	doc, err := schema.DecodeExportDescription(data)
	if err != nil {
		return usageErrorf("failed to parse place description %q: %w", descriptionFile, err)
	}

	parts := make([]core.Part, len(doc.Parts))
	for i, p := range doc.Parts {
		parts[i] = p.ToPart()
	}
	place := core.Place{
		Host:  conf.ExporterGatewayHost(),
		Port:  doc.Port,
		Parts: parts,
	}

	var tlsCfg *tls.Config
	if certFile := conf.ExporterGatewayCert(); certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, conf.ExporterGatewayKey())
		if err != nil {
			return fmt.Errorf("failed to load gateway TLS certificate: %w", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	exp := exporterd.New(conf.ExporterHubURL(), conf.ExporterToken(), place, conf.ExporterGatewayAddress(), tlsCfg, log)

	return transport.Serve(ctx, exp.Session, exp.Gateway, exp.Uevent)
}
