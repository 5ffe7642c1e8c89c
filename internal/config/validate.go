package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ValidationError is a fatal configuration problem.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning is a non-fatal configuration problem.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult collects the outcome of Validate.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors reports whether any error was found.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error joins every error message.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, hint, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Hint: hint})
}

func (r *ValidationResult) warn(field, hint, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: fmt.Sprintf(format, args...), Hint: hint})
}

// Validate checks the configuration.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}
	c.Database.validate(result)
	c.Server.validate(result)
	c.Engine.validate(result, c.Database.Driver)
	c.Schema.validate(result)
	c.Observability.validate(result)
	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	switch d.Driver {
	case DriverMySQL:
		if d.ConnectionString == "" && (d.Port < 1 || d.Port > 65535) {
			result.fail("database.port", "", "port %d is out of valid range (1-65535)", d.Port)
		}
		if _, err := d.DatabaseName(); err != nil {
			result.fail("database.dsn", "set database.database to match the DSN or leave it empty", "%v", err)
		}
		d.TLS.validate(result)
	case DriverSQLite:
		if d.ConnectionString == "" && strings.TrimSpace(d.Path) == "" {
			result.fail("database.path", "set database.path or database.dsn", "sqlite3 requires a database file")
		}
		if d.TLS.Mode != "" && d.TLS.Mode != "off" {
			result.warn("database.tls.mode", "", "TLS settings are ignored for sqlite3")
		}
	default:
		result.fail("database.driver", "valid values are: mysql, sqlite3", "unsupported driver %q", d.Driver)
	}

	if d.Pool.MaxOpen < 0 {
		result.fail("database.pool.max_open", "", "max_open cannot be negative")
	}
	if d.Pool.MaxIdle < 0 {
		result.fail("database.pool.max_idle", "", "max_idle cannot be negative")
	}
	if d.Pool.MaxOpen > 0 && d.Pool.MaxIdle > d.Pool.MaxOpen {
		result.warn("database.pool.max_idle", "idle connections will be limited to max_open", "max_idle is greater than max_open")
	}

	if d.ConnectionTimeout < 0 {
		result.fail("database.connection_timeout", "", "connection_timeout cannot be negative")
	}
	if d.ConnectionRetryInterval < 0 {
		result.fail("database.connection_retry_interval", "", "connection_retry_interval cannot be negative")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval == 0 {
		result.fail("database.connection_retry_interval",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries",
			"connection_retry_interval must be greater than 0 when connection_timeout is set")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval > d.ConnectionTimeout {
		result.warn("database.connection_retry_interval", "only one connection attempt will be made",
			"connection_retry_interval is greater than connection_timeout")
	}
}

func (t *DatabaseTLSConfig) validate(result *ValidationResult) {
	switch t.Mode {
	case "", "off", "skip-verify", "verify-ca", "verify-full":
	default:
		result.fail("database.tls.mode", "valid values are: off, skip-verify, verify-ca, verify-full", "invalid TLS mode %q", t.Mode)
		return
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		result.fail("database.tls", "", "cert_file and key_file must be set together")
	}
	if t.Mode == "skip-verify" {
		result.warn("database.tls.mode", "use verify-ca or verify-full in production", "skip-verify does not verify the server certificate")
	}
	if (t.Mode == "verify-ca" || t.Mode == "verify-full") && t.CAFile == "" {
		result.warn("database.tls.ca_file", "", "no CA file set; the system roots will be used")
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.fail("server.port", "", "port %d is out of valid range (1-65535)", s.Port)
	}
	if s.MaxBodyBytes <= 0 {
		result.fail("server.max_body_bytes", "", "max_body_bytes must be positive")
	}
	for field, d := range map[string]int64{
		"server.read_timeout":         int64(s.ReadTimeout),
		"server.write_timeout":        int64(s.WriteTimeout),
		"server.idle_timeout":         int64(s.IdleTimeout),
		"server.shutdown_timeout":     int64(s.ShutdownTimeout),
		"server.health_check_timeout": int64(s.HealthCheckTimeout),
	} {
		if d < 0 {
			result.fail(field, "", "timeout cannot be negative")
		}
	}
}

func (e *EngineConfig) validate(result *ValidationResult, driver string) {
	switch e.Backend {
	case "sql":
	case "triples":
		if driver != DriverSQLite {
			result.fail("engine.backend", "set database.driver to sqlite3", "the triple store requires sqlite3")
		}
	default:
		result.fail("engine.backend", "valid values are: sql, triples", "unsupported backend %q", e.Backend)
	}
	if e.MaxInClause < 1 {
		result.fail("engine.max_in_clause", "", "max_in_clause must be at least 1")
	}
	if e.MaxDepth < 0 {
		result.fail("engine.max_depth", "", "max_depth cannot be negative")
	} else if e.MaxDepth == 0 {
		result.warn("engine.max_depth", "cyclic relations can then be nested without bound", "depth guard disabled")
	}
	if e.DefaultListLimit < 0 {
		result.fail("engine.default_list_limit", "", "default_list_limit cannot be negative")
	}
	if e.Concurrency < 1 {
		result.fail("engine.concurrency", "", "concurrency must be at least 1")
	}
}

func (s *SchemaConfig) validate(result *ValidationResult) {
	if s.File == "" {
		return
	}
	if _, err := os.Stat(s.File); err != nil {
		result.fail("schema.file", "", "cannot read schema descriptor: %v", err)
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	switch o.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		result.fail("observability.logging.level", "valid values are: debug, info, warn, error", "invalid log level %q", o.Logging.Level)
	}
	switch o.Logging.Format {
	case "json", "text":
	default:
		result.fail("observability.logging.format", "valid values are: json, text", "invalid log format %q", o.Logging.Format)
	}
	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.fail("observability.trace_sample_ratio", "", "trace_sample_ratio must be between 0 and 1")
	}
	if o.SQLCommenterEnabled && !o.TracingEnabled {
		result.warn("observability.sqlcommenter_enabled", "enable tracing", "sqlcommenter has no effect without tracing")
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	switch o.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		result.fail(prefix+".protocol", "valid values are: grpc, http/protobuf", "invalid OTLP protocol %q", o.Protocol)
	}
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.fail(prefix+".endpoint", "use host:port or a full URL", "invalid OTLP endpoint %q for http/protobuf", o.Endpoint)
	}
	switch o.Compression {
	case "", "none", "gzip":
	default:
		result.fail(prefix+".compression", "valid values are: none, gzip", "invalid OTLP compression %q", o.Compression)
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		return err == nil && parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
