// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package devlink provides environment-driven configuration for the
// transport backends.
package devlink

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/absmach/devlink/pkg/backend"
)

// Config holds one backend connection configuration, populated from
// the environment.
type Config struct {
	Host     string `env:"HOST"`
	Port     uint16 `env:"PORT"`
	ClientID string `env:"CLIENT_ID"`
	Resource string `env:"RESOURCE"      envDefault:"msg"`

	IPv6            bool   `env:"IPV6"             envDefault:"false"`
	ResolveMatching bool   `env:"RESOLVE_MATCHING" envDefault:"false"`
	WebSocketURL    string `env:"WS_URL"`

	Keepalive  time.Duration `env:"KEEPALIVE"   envDefault:"60s"`
	BufferLen  int           `env:"BUFFER_LEN"  envDefault:"1024"`
	PayloadLen int           `env:"PAYLOAD_LEN" envDefault:"2048"`

	// TLS material for the stream backend.
	CertFile string `env:"CERT_FILE"`
	KeyFile  string `env:"KEY_FILE"`
	CAFile   string `env:"SERVER_CA_FILE"`

	// Pre-shared key material for the DTLS-secured datagram backend.
	PSKIdentity string `env:"PSK_IDENTITY"`
	PSKKey      string `env:"PSK_KEY"` // hex encoded
}

// NewConfig loads a configuration from the environment using the given
// options (typically a prefix per backend instance).
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Backend converts the environment configuration into a backend
// configuration, loading TLS and PSK material as needed.
func (c Config) Backend() (backend.Config, error) {
	cfg := backend.Config{
		Host:         c.Host,
		Port:         c.Port,
		ClientID:     c.ClientID,
		Resource:     c.Resource,
		WebSocketURL: c.WebSocketURL,
		Keepalive:    c.Keepalive,
		BufferLen:    c.BufferLen,
		PayloadLen:   c.PayloadLen,
	}

	if c.IPv6 {
		cfg.Family = backend.FamilyIPv6
	}
	if c.ResolveMatching {
		cfg.ResolveStrategy = backend.ResolveMatch
	}

	if c.CertFile != "" || c.CAFile != "" {
		tlsCfg, err := c.loadTLS()
		if err != nil {
			return backend.Config{}, err
		}
		cfg.TLS = tlsCfg
	}

	if c.PSKIdentity != "" {
		key, err := hex.DecodeString(c.PSKKey)
		if err != nil {
			return backend.Config{}, fmt.Errorf("invalid PSK key: %w", err)
		}
		cfg.PSK = &backend.PSK{Identity: c.PSKIdentity, Key: key}
	}

	return cfg, nil
}

func (c Config) loadTLS() (*tls.Config, error) {
	tlsCfg := &tls.Config{ServerName: c.Host}

	if c.CAFile != "" {
		ca, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read server CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("failed to parse server CA %s", c.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
