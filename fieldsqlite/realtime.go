// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/natlog/go-fieldsync/fieldsync"
)

// realtimeListener subscribes to the server's websocket change feed and
// schedules a sync cycle whenever a watched collection changes. It is a
// latency optimization only: the periodic pull remains the source of truth,
// so a dropped connection loses nothing.
type realtimeListener struct {
	url     string
	token   TokenFunc
	engine  *SyncEngine
	config  *Config
	logger  *slog.Logger
	sleepFn func(ctx context.Context, d time.Duration) error
}

func newRealtimeListener(baseURL string, token TokenFunc, engine *SyncEngine, config *Config, logger *slog.Logger) *realtimeListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &realtimeListener{
		url:     wsURL(baseURL) + "/sync/events",
		token:   token,
		engine:  engine,
		config:  config,
		logger:  logger,
		sleepFn: sleepWithContext,
	}
}

func wsURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}

// run connects and re-connects until ctx is cancelled, doubling the delay
// between attempts up to RetryBackoffCap and resetting it after a successful
// session.
func (l *realtimeListener) run(ctx context.Context) {
	delay := l.config.RetryBackoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			l.logger.Debug("realtime connection lost", "error", err, "retry_in", delay)
		} else {
			delay = l.config.RetryBackoffBase
		}
		if err := l.sleepFn(ctx, delay); err != nil {
			return
		}
		delay *= 2
		if delay > l.config.RetryBackoffCap {
			delay = l.config.RetryBackoffCap
		}
	}
}

func (l *realtimeListener) listen(ctx context.Context) error {
	header := http.Header{}
	if l.token != nil {
		token, err := l.token(ctx)
		if err != nil {
			return err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, l.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	defer conn.Close()
	l.logger.Debug("realtime feed connected", "url", l.url)

	// Unblock ReadJSON when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	watched := make(map[string]bool, len(l.config.Collections))
	for _, c := range l.config.Collections {
		watched[c] = true
	}

	for {
		var event fieldsync.ChangeEvent
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		if !watched[event.Collection] {
			continue
		}
		l.logger.Debug("remote change notified", "collection", event.Collection)
		l.engine.RequestSync()
	}
}
