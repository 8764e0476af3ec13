// Package tlsenv builds client TLS settings from <PREFIX>_TLS_* environment
// variables, shared by the NATS and Redis connections.
package tlsenv

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// Settings are the TLS inputs for one connection.
type Settings struct {
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
	Insecure   bool
}

// FromEnv reads <prefix>_TLS_CA, _TLS_CERT, _TLS_KEY, _TLS_SERVER_NAME and
// _TLS_INSECURE.
func FromEnv(prefix string) Settings {
	get := func(suffix string) string {
		return strings.TrimSpace(os.Getenv(prefix + "_TLS_" + suffix))
	}
	return Settings{
		CAFile:     get("CA"),
		CertFile:   get("CERT"),
		KeyFile:    get("KEY"),
		ServerName: get("SERVER_NAME"),
		Insecure:   truthy(get("INSECURE")),
	}
}

// Empty reports whether no TLS input is set.
func (s Settings) Empty() bool {
	return s == Settings{}
}

// Config layers s over base. It returns base unchanged when s is empty.
func (s Settings) Config(base *tls.Config) (*tls.Config, error) {
	if s.Empty() {
		return base, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if s.ServerName != "" {
		cfg.ServerName = s.ServerName
	}
	if s.Insecure {
		// #nosec G402 -- opt-in for local development only.
		cfg.InsecureSkipVerify = true
	}
	if s.CAFile != "" {
		// #nosec G304 -- operator-provided path.
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls ca parse: %s", s.CAFile)
		}
		cfg.RootCAs = pool
	}
	if s.CertFile != "" || s.KeyFile != "" {
		if s.CertFile == "" || s.KeyFile == "" {
			return nil, fmt.Errorf("tls cert and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Load is FromEnv(prefix).Config(base).
func Load(prefix string, base *tls.Config) (*tls.Config, error) {
	cfg, err := FromEnv(prefix).Config(base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", strings.ToLower(prefix), err)
	}
	return cfg, nil
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
