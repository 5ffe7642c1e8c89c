package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Supported database drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

// tlsConfigName is the name custom TLS settings are registered under with
// the MySQL driver.
const tlsConfigName = "temporal-graphql-custom"

// DSN returns the data source name for the configured driver.
func (d *DatabaseConfig) DSN() string {
	if d.Driver == DriverSQLite {
		if d.ConnectionString != "" {
			return d.ConnectionString
		}
		return d.Path
	}

	if d.ConnectionString != "" {
		dsn := d.ConnectionString
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		if !strings.Contains(dsn, "parseTime") {
			dsn += sep + "parseTime=true"
			sep = "&"
		}
		if !strings.Contains(dsn, "loc=") {
			dsn += sep + "loc=UTC"
			sep = "&"
		}
		if tlsParam := d.tlsParam(); tlsParam != "" && !strings.Contains(dsn, "tls=") {
			dsn += sep + "tls=" + tlsParam
		}
		return dsn
	}

	mc := mysql.NewConfig()
	mc.User = d.User
	mc.Passwd = d.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	mc.DBName = d.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.TLSConfig = d.tlsParam()
	return mc.FormatDSN()
}

// DatabaseName returns the schema the connection targets: Database, or
// the name embedded in a MySQL DSN.
func (d *DatabaseConfig) DatabaseName() (string, error) {
	if d.Driver == DriverSQLite {
		return "main", nil
	}
	name := strings.TrimSpace(d.Database)
	if strings.TrimSpace(d.ConnectionString) == "" {
		return name, nil
	}
	parsed, err := mysql.ParseDSN(d.ConnectionString)
	if err != nil {
		return "", fmt.Errorf("database.dsn is invalid: %w", err)
	}
	if name != "" && parsed.DBName != "" && name != parsed.DBName {
		return "", fmt.Errorf("database mismatch: database.database=%q but database.dsn targets %q", name, parsed.DBName)
	}
	if name == "" {
		name = parsed.DBName
	}
	return name, nil
}

func (d *DatabaseConfig) tlsParam() string {
	switch d.TLS.Mode {
	case "":
		return ""
	case "off":
		return "false"
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return d.TLS.Mode
	}
}

// RegisterTLS registers the custom TLS configuration with the MySQL driver
// for verify-ca and verify-full. It must run before the pool is opened.
func (d *DatabaseConfig) RegisterTLS() error {
	if d.Driver != DriverMySQL || (d.TLS.Mode != "verify-ca" && d.TLS.Mode != "verify-full") {
		return nil
	}
	tlsCfg, err := d.TLS.build()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}
	return nil
}

func (t *DatabaseTLSConfig) build() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", t.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	switch {
	case t.CertFile != "" && t.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case t.CertFile != "" || t.KeyFile != "":
		return nil, errors.New("both cert_file and key_file must be specified for client certificate authentication")
	}
	if t.Mode == "verify-full" && t.ServerName != "" {
		cfg.ServerName = t.ServerName
	}
	return cfg, nil
}
