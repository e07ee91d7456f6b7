package agentd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/holesch/not-my-board/internal/core"
)

// tcpForwarder is one materialized tcp interface: a local listening
// socket on 127.0.0.1:local_port, each accepted connection forwarded
// through a fresh CONNECT tunnel to the exporter's gateway per
// spec.md §4.5.
type tcpForwarder struct {
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startTCPForwarder(ctx context.Context, localPort int, gatewayHost string, gatewayPort int, tlsCfg *tls.Config, token string, placeID int, ifaceName string, log *slog.Logger) (*tcpForwarder, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return nil, core.NewDomainError(core.CodeResourceBusy, "bind local port %d: %s", localPort, err)
	}

	fwdCtx, cancel := context.WithCancel(ctx)
	f := &tcpForwarder{ln: ln, cancel: cancel}
	authority := fmt.Sprintf("tcp:%s@%d", ifaceName, placeID)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.wg.Add(1)
			go func() {
				defer f.wg.Done()
				defer conn.Close()

				tunnel, br, err := dialGatewayConnect(fwdCtx, gatewayHost, gatewayPort, tlsCfg, authority, token)
				if err != nil {
					log.Warn("tcp forward: tunnel failed", "interface", ifaceName, "error", err)
					return
				}
				defer tunnel.Close()
				splice(conn, tunnel, br)
			}()
		}
	}()

	return f, nil
}

func (f *tcpForwarder) Close() error {
	f.cancel()
	err := f.ln.Close()
	f.wg.Wait()
	return err
}
