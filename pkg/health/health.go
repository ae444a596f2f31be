// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides liveness and readiness endpoints for the
// orchestrator process. Backends register connectivity probes; the
// orchestrator serves the aggregate over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the aggregate health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Probe is a function that checks one component.
type Probe func(ctx context.Context) error

// Result is the outcome of one probe run.
type Result struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Checker aggregates registered probes.
type Checker struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	timeout time.Duration
}

// NewChecker creates a checker. timeout bounds each probe run; zero
// selects 5 seconds.
func NewChecker(timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		probes:  make(map[string]Probe),
		timeout: timeout,
	}
}

// Register adds a probe under the given name, replacing any previous
// probe with that name.
func (c *Checker) Register(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// Check runs all probes and returns the aggregate status.
func (c *Checker) Check(ctx context.Context) (Status, []Result) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	results := make([]Result, 0, len(c.probes))

	for name, probe := range c.probes {
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := probe(probeCtx)
		cancel()

		r := Result{Name: name, Healthy: err == nil}
		if err != nil {
			r.Message = err.Error()
			status = StatusDegraded
		}
		results = append(results, r)
	}

	return status, results
}

// Handler returns an HTTP handler reporting aggregate health.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, results := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"checks": results,
		})
	}
}

// LivenessHandler returns a handler that always reports the process alive.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}
