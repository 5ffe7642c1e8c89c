package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// EnvPrefix prefixes every environment variable, e.g. TGQL_ENGINE_MAX_DEPTH.
const EnvPrefix = "TGQL"

// DefineFlags registers the configuration flags on fs using the canonical
// dotted snake_case keys.
func DefineFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Config file path")

	fs.String("database.driver", "", "Database driver (mysql, sqlite3)")
	fs.String("database.dsn", "", "Complete driver DSN")
	fs.String("database.dsn_file", "", "Path to file containing the DSN (use @- for stdin)")
	fs.String("database.path", "", "SQLite database file")
	fs.String("database.host", "", "Database host")
	fs.Int("database.port", 0, "Database port")
	fs.String("database.user", "", "Database user")
	fs.String("database.password", "", "Database password")
	fs.String("database.password_file", "", "Path to file containing the database password (use @- for stdin)")
	fs.Bool("database.password_prompt", false, "Prompt for the database password")
	fs.String("database.database", "", "Database name")
	fs.String("database.tls.mode", "", "TLS mode (off, skip-verify, verify-ca, verify-full)")
	fs.String("database.tls.ca_file", "", "CA certificate for server verification")
	fs.String("database.tls.cert_file", "", "Client certificate for mTLS")
	fs.String("database.tls.key_file", "", "Client private key for mTLS")
	fs.String("database.tls.server_name", "", "Override TLS server name")
	fs.Int("database.pool.max_open", 0, "Maximum open database connections")
	fs.Int("database.pool.max_idle", 0, "Maximum idle connections")
	fs.Duration("database.pool.max_lifetime", 0, "Connection max lifetime")
	fs.Duration("database.connection_timeout", 0, "Max time to wait for the database on startup")
	fs.Duration("database.connection_retry_interval", 0, "Interval between connection retries")

	fs.Int("server.port", 0, "HTTP server port")
	fs.Int64("server.max_body_bytes", 0, "Maximum request body size")
	fs.Duration("server.read_timeout", 0, "HTTP read timeout")
	fs.Duration("server.write_timeout", 0, "HTTP write timeout")
	fs.Duration("server.idle_timeout", 0, "HTTP idle timeout")
	fs.Duration("server.shutdown_timeout", 0, "Graceful shutdown timeout")
	fs.Duration("server.health_check_timeout", 0, "Health check timeout")

	fs.String("engine.backend", "", "Backend kind (sql, triples)")
	fs.Int("engine.max_in_clause", 0, "Maximum keys per batch statement")
	fs.Int("engine.max_depth", 0, "Maximum request depth (0 disables)")
	fs.Int("engine.default_list_limit", 0, "Row limit for root lists without first (0 is unbounded)")
	fs.Bool("engine.count_distinct_enabled", false, "Allow count(distinct: true)")
	fs.Int("engine.concurrency", 0, "Fields fetched in parallel per level")

	fs.String("schema.file", "", "Schema descriptor file (YAML, JSON or TOML)")

	fs.String("observability.service_name", "", "Service name")
	fs.String("observability.service_version", "", "Service version")
	fs.String("observability.environment", "", "Environment name")
	fs.Bool("observability.metrics_enabled", false, "Enable metrics")
	fs.Bool("observability.tracing_enabled", false, "Enable tracing")
	fs.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio from 0.0 to 1.0")
	fs.Bool("observability.sqlcommenter_enabled", false, "Inject trace context into SQL")
	fs.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
	fs.String("observability.logging.format", "", "Log format (json, text)")
	fs.Bool("observability.logging.exports_enabled", false, "Export logs over OTLP")
	fs.String("observability.otlp.endpoint", "", "OTLP endpoint")
	fs.String("observability.otlp.protocol", "", "OTLP protocol (grpc, http/protobuf)")
	fs.Bool("observability.otlp.insecure", false, "Disable OTLP TLS")
	fs.Duration("observability.otlp.timeout", 0, "OTLP export timeout")
	fs.String("observability.otlp.compression", "", "OTLP compression (none, gzip)")
	fs.Bool("observability.otlp.retry_enabled", false, "Retry transient OTLP failures")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.dsn_file", "")
	v.SetDefault("database.path", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 4000)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.password_file", "")
	v.SetDefault("database.password_prompt", false)
	v.SetDefault("database.database", "")
	v.SetDefault("database.tls.mode", "")
	v.SetDefault("database.tls.ca_file", "")
	v.SetDefault("database.tls.cert_file", "")
	v.SetDefault("database.tls.key_file", "")
	v.SetDefault("database.tls.server_name", "")
	v.SetDefault("database.pool.max_open", 25)
	v.SetDefault("database.pool.max_idle", 5)
	v.SetDefault("database.pool.max_lifetime", 5*time.Minute)
	v.SetDefault("database.connection_timeout", 60*time.Second)
	v.SetDefault("database.connection_retry_interval", 2*time.Second)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.health_check_timeout", 2*time.Second)

	v.SetDefault("engine.backend", "sql")
	v.SetDefault("engine.max_in_clause", 1000)
	v.SetDefault("engine.max_depth", 10)
	v.SetDefault("engine.default_list_limit", 0)
	v.SetDefault("engine.count_distinct_enabled", false)
	v.SetDefault("engine.concurrency", 8)

	v.SetDefault("schema.file", "")

	v.SetDefault("observability.service_name", "temporal-graphql")
	v.SetDefault("observability.service_version", "dev")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.sqlcommenter_enabled", false)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "text")
	v.SetDefault("observability.logging.exports_enabled", false)
	v.SetDefault("observability.otlp.endpoint", "localhost:4317")
	v.SetDefault("observability.otlp.protocol", "grpc")
	v.SetDefault("observability.otlp.insecure", false)
	v.SetDefault("observability.otlp.timeout", 10*time.Second)
	v.SetDefault("observability.otlp.compression", "gzip")
	v.SetDefault("observability.otlp.retry_enabled", true)
}

// Load builds the configuration with the following precedence:
//  1. values read from secret files or the password prompt
//  2. flags changed on fs
//  3. environment variables
//  4. the config file
//  5. defaults
//
// fs must have been populated by DefineFlags and parsed. A nil fs loads
// without flags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	cfgPath := ""
	if fs != nil {
		cfgPath, _ = fs.GetString("config")
	}
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("temporal-graphql")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/temporal-graphql/")
		v.AddConfigPath("$HOME/.temporal-graphql")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		bindChangedFlags(v, fs)
	}

	if v.GetString("database.dsn") == "" && v.GetString("database.dsn_file") != "" {
		dsn, err := readSecretFile(v.GetString("database.dsn_file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read database DSN file: %w", err)
		}
		v.Set("database.dsn", dsn)
	}
	if v.GetString("database.password") == "" && v.GetString("database.password_file") != "" {
		pwd, err := readSecretFile(v.GetString("database.password_file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read database password file: %w", err)
		}
		v.Set("database.password", pwd)
	}
	if v.GetString("database.password") == "" && v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("database.password", pwd)
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToStringSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// bindChangedFlags copies explicitly set flags into v so they outrank the
// environment and the config file.
func bindChangedFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		// Undotted flags (config, help, command flags) are not config keys.
		if !strings.Contains(f.Name, ".") {
			return
		}
		var val any
		switch f.Value.Type() {
		case "string":
			val, _ = fs.GetString(f.Name)
		case "int":
			val, _ = fs.GetInt(f.Name)
		case "int64":
			val, _ = fs.GetInt64(f.Name)
		case "bool":
			val, _ = fs.GetBool(f.Name)
		case "float64":
			val, _ = fs.GetFloat64(f.Name)
		case "duration":
			val, _ = fs.GetDuration(f.Name)
		default:
			val = f.Value.String()
		}
		v.Set(f.Name, val)
	})
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Enter database password: ")
	pwd, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

// readSecretFile reads a trimmed secret from path, or from stdin for "@-".
func readSecretFile(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "@-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
