// Package config loads configuration from defaults, a YAML file,
// TGQL_-prefixed environment variables and flags, and validates it.
package config

import "time"

// Config holds the application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Schema        SchemaConfig        `mapstructure:"schema"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseTLSConfig holds TLS settings for MySQL connections.
type DatabaseTLSConfig struct {
	// Mode is one of off, skip-verify, verify-ca, verify-full.
	Mode       string `mapstructure:"mode"`
	CAFile     string `mapstructure:"ca_file"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	ServerName string `mapstructure:"server_name"`
}

// DatabaseConfig holds database connection parameters.
type DatabaseConfig struct {
	// Driver is mysql or sqlite3.
	Driver string `mapstructure:"driver"`

	// ConnectionString, when set, is passed to the driver unchanged apart
	// from the parseTime, loc and tls parameters mysql needs.
	ConnectionString     string `mapstructure:"dsn"`
	ConnectionStringFile string `mapstructure:"dsn_file"`

	// Path is the database file for sqlite3.
	Path string `mapstructure:"path"`

	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	Database       string `mapstructure:"database"`

	TLS  DatabaseTLSConfig `mapstructure:"tls"`
	Pool PoolConfig        `mapstructure:"pool"`

	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout"`
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout"`
}

// EngineConfig tunes request resolution.
type EngineConfig struct {
	// Backend is sql (relational tables) or triples (triple store).
	Backend string `mapstructure:"backend"`
	// MaxInClause bounds the keys bound into one batch statement.
	MaxInClause int `mapstructure:"max_in_clause"`
	// MaxDepth bounds request nesting. Zero disables the guard.
	MaxDepth int `mapstructure:"max_depth"`
	// DefaultListLimit bounds root lists requested without first. Zero
	// leaves them unbounded.
	DefaultListLimit     int  `mapstructure:"default_list_limit"`
	CountDistinctEnabled bool `mapstructure:"count_distinct_enabled"`
	Concurrency          int  `mapstructure:"concurrency"`
}

// SchemaConfig locates the schema descriptor. An empty File selects the
// built-in brewery schema.
type SchemaConfig struct {
	File string `mapstructure:"file"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`  // debug, info, warn, error
	Format         string `mapstructure:"format"` // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"`
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName         string        `mapstructure:"service_name"`
	ServiceVersion      string        `mapstructure:"service_version"`
	Environment         string        `mapstructure:"environment"`
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
	TracingEnabled      bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio    float64       `mapstructure:"trace_sample_ratio"`
	SQLCommenterEnabled bool          `mapstructure:"sqlcommenter_enabled"`
	Logging             LoggingConfig `mapstructure:"logging"`

	// OTLP holds defaults for every signal; Traces and Logs override them.
	OTLP   OTLPConfig  `mapstructure:"otlp"`
	Traces *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs   *OTLPConfig `mapstructure:"logs,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration.
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // grpc, http/protobuf
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"` // none, gzip
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
}

// TracesConfig returns the effective OTLP settings for traces.
func (c *ObservabilityConfig) TracesConfig() OTLPConfig {
	if c.Traces != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Traces)
	}
	return c.OTLP
}

// LogsConfig returns the effective OTLP settings for logs.
func (c *ObservabilityConfig) LogsConfig() OTLPConfig {
	if c.Logs != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Logs)
	}
	return c.OTLP
}

// mergeOTLPConfigs lays the non-empty fields of override over base.
// Insecure and RetryEnabled always come from override.
func mergeOTLPConfigs(base, override OTLPConfig) OTLPConfig {
	out := base
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&out.Endpoint, override.Endpoint)
	pick(&out.Protocol, override.Protocol)
	pick(&out.TLSCertFile, override.TLSCertFile)
	pick(&out.TLSClientCertFile, override.TLSClientCertFile)
	pick(&out.TLSClientKeyFile, override.TLSClientKeyFile)
	pick(&out.Compression, override.Compression)
	out.Insecure = override.Insecure
	out.RetryEnabled = override.RetryEnabled
	if override.Timeout != 0 {
		out.Timeout = override.Timeout
	}
	if override.Headers != nil {
		out.Headers = make(map[string]string, len(base.Headers)+len(override.Headers))
		for k, v := range base.Headers {
			out.Headers[k] = v
		}
		for k, v := range override.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
