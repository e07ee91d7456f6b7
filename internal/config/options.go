package config

import "strings"

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// HubOptions defines the configuration entries available in hub mode.
// Each entry is registered as a viper default and a CLI flag.
var HubOptions = []Option{
	{Key: keyHubAddress, Flag: toFlag(keyHubAddress), Default: ":2092", Description: "Hub listen address"},
	{Key: keyHubAllowedOrigins, Flag: toFlag(keyHubAllowedOrigins), Default: []string{}, Description: "Hub allowed CORS origins"},
	{Key: keyHubHistorySize, Flag: toFlag(keyHubHistorySize), Default: 256, Description: "Number of returned reservations retained in hub history"},
	{Key: keyHubLogLevel, Flag: toFlag(keyHubLogLevel), Default: "info", Description: "Hub log level"},
	{Key: keyHubOIDCIssuerURL, Flag: toFlag(keyHubOIDCIssuerURL), Default: "", Description: "OIDC issuer URL; empty disables OIDC and allows unauthenticated sessions"},
	{Key: keyHubOIDCClientID, Flag: toFlag(keyHubOIDCClientID), Default: "", Description: "OIDC client ID expected in the aud claim"},
	{Key: keyHubOIDCRoleClaim, Flag: toFlag(keyHubOIDCRoleClaim), Default: "not_my_board_roles", Description: "Claim name carrying the exporter/importer role list"},
}

// ExporterOptions defines the configuration entries available in
// exporter mode.
var ExporterOptions = []Option{
	{Key: keyExporterHubURL, Flag: toFlag(keyExporterHubURL), Default: "ws://127.0.0.1:2092/ws", Description: "Hub control-channel URL to register against"},
	{Key: keyExporterToken, Flag: toFlag(keyExporterToken), Default: "", Description: "Bearer token presented to the hub"},
	{Key: keyExporterGatewayAddr, Flag: toFlag(keyExporterGatewayAddr), Default: ":2093", Description: "Gateway listen address for CONNECT tunnels"},
	{Key: keyExporterGatewayHost, Flag: toFlag(keyExporterGatewayHost), Default: "127.0.0.1", Description: "Gateway host advertised to agents via the hub"},
	{Key: keyExporterGatewayCert, Flag: toFlag(keyExporterGatewayCert), Default: "", Description: "TLS certificate file for the gateway listener; empty disables TLS"},
	{Key: keyExporterGatewayKey, Flag: toFlag(keyExporterGatewayKey), Default: "", Description: "TLS key file for the gateway listener"},
	{Key: keyExporterLogLevel, Flag: toFlag(keyExporterLogLevel), Default: "info", Description: "Exporter log level"},
}

// AgentOptions defines the configuration entries available in agent mode.
var AgentOptions = []Option{
	{Key: keyAgentHubURL, Flag: toFlag(keyAgentHubURL), Default: "ws://127.0.0.1:2092/ws", Description: "Hub control-channel URL to reserve against"},
	{Key: keyAgentToken, Flag: toFlag(keyAgentToken), Default: "", Description: "Bearer token presented to the hub"},
	{Key: keyAgentSocket, Flag: toFlag(keyAgentSocket), Default: "/run/not-my-board-agent.sock", Description: "Unix-domain socket the board CLI connects to"},
	{Key: keyAgentLogLevel, Flag: toFlag(keyAgentLogLevel), Default: "info", Description: "Agent log level"},
}

// toFlag converts a viper key like "hub.oidc.issuer_url" into a CLI
// flag like "oidc-issuer-url" by lower-casing, replacing dots and
// underscores with hyphens, and stripping the mode prefix (the
// binary's subcommand already disambiguates hub/exporter/agent).
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	for _, prefix := range []string{"hub-", "exporter-", "agent-"} {
		if strings.HasPrefix(flag, prefix) {
			flag = strings.TrimPrefix(flag, prefix)
			break
		}
	}
	return flag
}
