// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe reports whether the remote service is currently reachable. Probes
// must never panic; an unreachable endpoint is reported as false.
type Probe func(ctx context.Context) bool

// HTTPProbe probes {baseURL}/healthz with a short timeout.
func HTTPProbe(baseURL string, timeout time.Duration) Probe {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}
}

// ConnectivityMonitor observes reachability of the remote service and emits
// connected/disconnected transitions. Each transition is delivered to every
// subscriber exactly once, in order, with repeated identical states
// suppressed.
type ConnectivityMonitor struct {
	probe    Probe
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	connected bool
	subs      []func(connected bool)
}

// NewConnectivityMonitor returns a monitor that polls probe every interval
// once started. The initial state is disconnected until the first probe.
func NewConnectivityMonitor(probe Probe, interval time.Duration, logger *slog.Logger) *ConnectivityMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectivityMonitor{probe: probe, interval: interval, logger: logger}
}

// IsConnected returns the last observed reachability.
func (m *ConnectivityMonitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// OnChange registers a callback invoked on every state transition. Callbacks
// run on the monitor's goroutine and should return quickly.
func (m *ConnectivityMonitor) OnChange(fn func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// SetConnected overrides the observed state. Platform reachability callbacks
// (and tests) use it instead of the polling probe.
func (m *ConnectivityMonitor) SetConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	// Notify outside the lock but from a single caller at a time per
	// transition source, preserving order without duplicates.
	for _, fn := range subs {
		fn(connected)
	}
}

// Start runs the probe loop until ctx is cancelled. It probes immediately so
// callers observe the initial state without waiting a full interval.
func (m *ConnectivityMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.SetConnected(m.probe(ctx))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetConnected(m.probe(ctx))
			}
		}
	}()
}
