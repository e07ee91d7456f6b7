// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag. It
// covers only process-level settings (listen addresses, credentials,
// log level); domain description files (export/import TOML
// documents) are decoded separately by the schema package, which
// applies stricter unknown-field rejection than viper does here.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix NOTMYBOARD_)
//  3. Config file (config.yaml in . or /etc/not-my-board/)
//  4. Compiled defaults
package config

// Viper keys for hub-mode configuration.
const (
	keyHubAddress        = "hub.address"
	keyHubAllowedOrigins = "hub.allowed_origins"
	keyHubHistorySize    = "hub.history_size"
	keyHubLogLevel       = "hub.log_level"

	keyHubOIDCIssuerURL = "hub.oidc.issuer_url"
	keyHubOIDCClientID  = "hub.oidc.client_id"
	keyHubOIDCRoleClaim = "hub.oidc.role_claim"
)

// Viper keys for exporter-mode configuration.
const (
	keyExporterHubURL      = "exporter.hub_url"
	keyExporterToken       = "exporter.token"
	keyExporterGatewayAddr = "exporter.gateway.address"
	keyExporterGatewayHost = "exporter.gateway.advertised_host"
	keyExporterGatewayCert = "exporter.gateway.tls_cert"
	keyExporterGatewayKey  = "exporter.gateway.tls_key"
	keyExporterLogLevel    = "exporter.log_level"
)

// Viper keys for agent-mode configuration.
const (
	keyAgentHubURL   = "agent.hub_url"
	keyAgentToken    = "agent.token"
	keyAgentSocket   = "agent.socket"
	keyAgentLogLevel = "agent.log_level"
)
