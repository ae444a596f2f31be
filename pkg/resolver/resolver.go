// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resolver turns a configured hostname into one routable socket
// address, selecting IPv4 or IPv6 per configuration.
//
// Candidate handling is a configuration decision. Legacy firmware this
// design descends from examined only the first resolver candidate and
// gave up even when a later candidate carried the configured family;
// backend.ResolveFirst preserves that behavior for bug-compatible
// deployments, backend.ResolveMatch scans for the first family match.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/absmach/devlink/pkg/backend"
	"github.com/absmach/devlink/pkg/errors"
)

// Resolver resolves hostnames using the platform resolver.
type Resolver struct {
	logger *slog.Logger
}

// New creates a resolver.
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve looks up host and returns one UDP/TCP-agnostic address with
// the given port, honoring the configured family and strategy.
func (r *Resolver) Resolve(ctx context.Context, host string, port uint16, family backend.Family, strategy backend.ResolveStrategy) (*net.UDPAddr, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty hostname", errors.ErrConfig)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, network(family), host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrResolution, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses", errors.ErrResolution, host)
	}

	candidates := ips
	if strategy == backend.ResolveFirst {
		candidates = ips[:1]
	}

	for _, ip := range candidates {
		if !matches(ip, family) {
			r.logger.Debug("candidate family mismatch",
				slog.String("host", host),
				slog.String("candidate", ip.String()))
			continue
		}
		addr := &net.UDPAddr{IP: ip, Port: int(port)}
		r.logger.Debug("address found",
			slog.String("host", host),
			slog.String("address", addr.String()))
		return addr, nil
	}

	return nil, fmt.Errorf("%w: %s: no candidate matches configured family", errors.ErrResolution, host)
}

func network(family backend.Family) string {
	if family == backend.FamilyIPv6 {
		return "ip6"
	}
	return "ip4"
}

func matches(ip net.IP, family backend.Family) bool {
	if family == backend.FamilyIPv6 {
		return ip.To4() == nil
	}
	return ip.To4() != nil
}
