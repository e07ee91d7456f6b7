package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ProtocolVersion is this build's control-channel protocol version.
// It is exchanged as the first frame on every new channel, in both
// directions, before any other RPC traffic; a peer advertising an
// incompatible version causes the channel to be torn down with a
// ProtocolError. This mirrors the teacher's agent updater performing a
// version-compatibility check (internal/cmd/agent/updater.go),
// repurposed here from "container image tag" to "wire protocol
// version", checked with the same semver library.
const ProtocolVersion = "1.0.0"

// versionConstraint is the range of peer versions this build accepts.
// Widened past an exact match so that patch-level releases of either
// side of the channel stay interoperable.
var versionConstraint = mustConstraint("^1.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

const helloMethod = "rpc.hello"

type helloParams struct {
	Version string `json:"version"`
}

// Handshake exchanges protocol versions synchronously over transport,
// before any Dispatcher or Conn read loop is running. Both peers call
// it immediately after the connection is established: it writes this
// side's version, reads the peer's, and validates it. On success it
// returns nil and the transport is ready to be wrapped in a Conn.
func Handshake(transport Transport) error {
	hello := Message{Method: helloMethod, Params: mustMarshal(helloParams{Version: ProtocolVersion})}
	data, err := json.Marshal(hello)
	if err != nil {
		return err
	}
	if err := transport.WriteMessage(data); err != nil {
		return fmt.Errorf("rpc: handshake write: %w", err)
	}

	raw, err := transport.ReadMessage()
	if err != nil {
		return fmt.Errorf("rpc: handshake read: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Method != helloMethod {
		return fmt.Errorf("%w: expected hello frame first", errProtocol)
	}
	var p helloParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return fmt.Errorf("%w: malformed hello", errProtocol)
	}
	return CheckVersion(p.Version)
}

// CheckVersion validates a peer-advertised version string against
// this build's compatibility constraint.
func CheckVersion(peerVersion string) error {
	v, err := semver.NewVersion(peerVersion)
	if err != nil {
		return fmt.Errorf("%w: invalid version %q", errProtocol, peerVersion)
	}
	if !versionConstraint.Check(v) {
		return fmt.Errorf("%w: incompatible protocol version %q (want %s)", errProtocol, peerVersion, versionConstraint.String())
	}
	return nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
