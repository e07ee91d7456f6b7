package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from environment
// variables, the config file, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	for _, opts := range [][]Option{HubOptions, ExporterOptions, AgentOptions} {
		for _, o := range opts {
			v.SetDefault(o.Key, o.Default)
		}
	}

	// Attempt to load a config file from the current directory or
	// the system-wide location.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/not-my-board/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with NOTMYBOARD_ and use
	// underscores in place of dots (e.g. NOTMYBOARD_HUB_ADDRESS).
	v.SetEnvPrefix("NOTMYBOARD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Hub-mode accessors
// ---------------------------------------------------------------------------

// HubAddress returns the HTTP listen address for the hub.
func (c *Config) HubAddress() string {
	return c.v.GetString(keyHubAddress)
}

// HubAllowedOrigins returns the list of allowed CORS origins.
func (c *Config) HubAllowedOrigins() []string {
	return c.v.GetStringSlice(keyHubAllowedOrigins)
}

// HubHistorySize returns the number of Returned reservations the hub
// retains for inspection before the oldest are evicted.
func (c *Config) HubHistorySize() int {
	return c.v.GetInt(keyHubHistorySize)
}

// HubLogLevel returns the hub's configured log level.
func (c *Config) HubLogLevel() string {
	return c.v.GetString(keyHubLogLevel)
}

// HubOIDCIssuerURL returns the OIDC issuer URL used for session token
// verification. An empty string disables OIDC entirely.
func (c *Config) HubOIDCIssuerURL() string {
	return c.v.GetString(keyHubOIDCIssuerURL)
}

// HubOIDCClientID returns the OIDC client ID expected in the "aud"
// claim of incoming tokens.
func (c *Config) HubOIDCClientID() string {
	return c.v.GetString(keyHubOIDCClientID)
}

// HubOIDCRoleClaim returns the claim name carrying the exporter/importer
// role list for a verified token.
func (c *Config) HubOIDCRoleClaim() string {
	return c.v.GetString(keyHubOIDCRoleClaim)
}

// ---------------------------------------------------------------------------
// Exporter-mode accessors
// ---------------------------------------------------------------------------

// ExporterHubURL returns the hub control-channel URL the exporter
// registers against.
func (c *Config) ExporterHubURL() string {
	return c.v.GetString(keyExporterHubURL)
}

// ExporterToken returns the bearer token the exporter presents to the hub.
func (c *Config) ExporterToken() string {
	return c.v.GetString(keyExporterToken)
}

// ExporterGatewayAddress returns the listen address for the exporter's
// CONNECT gateway.
func (c *Config) ExporterGatewayAddress() string {
	return c.v.GetString(keyExporterGatewayAddr)
}

// ExporterGatewayHost returns the host the hub should advertise to
// agents for this exporter's gateway (e.g. its routable hostname or
// IP), which may differ from the gateway's own listen address.
func (c *Config) ExporterGatewayHost() string {
	return c.v.GetString(keyExporterGatewayHost)
}

// ExporterGatewayCert returns the TLS certificate file for the gateway
// listener, or "" if TLS is disabled.
func (c *Config) ExporterGatewayCert() string {
	return c.v.GetString(keyExporterGatewayCert)
}

// ExporterGatewayKey returns the TLS key file for the gateway listener.
func (c *Config) ExporterGatewayKey() string {
	return c.v.GetString(keyExporterGatewayKey)
}

// ExporterLogLevel returns the exporter's configured log level.
func (c *Config) ExporterLogLevel() string {
	return c.v.GetString(keyExporterLogLevel)
}

// ---------------------------------------------------------------------------
// Agent-mode accessors
// ---------------------------------------------------------------------------

// AgentHubURL returns the hub control-channel URL the agent reserves
// against.
func (c *Config) AgentHubURL() string {
	return c.v.GetString(keyAgentHubURL)
}

// AgentToken returns the bearer token the agent presents to the hub.
func (c *Config) AgentToken() string {
	return c.v.GetString(keyAgentToken)
}

// AgentSocket returns the filesystem path of the Unix-domain socket
// the board CLI connects to.
func (c *Config) AgentSocket() string {
	return c.v.GetString(keyAgentSocket)
}

// AgentLogLevel returns the agent's configured log level.
func (c *Config) AgentLogLevel() string {
	return c.v.GetString(keyAgentLogLevel)
}
