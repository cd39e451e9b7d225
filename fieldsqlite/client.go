// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package fieldsqlite provides the SQLite-backed offline-first client engine:
// a durable local store with a coalesced pending-operation queue, a bounded
// cache that never evicts unsynced data, connectivity-gated push/pull
// synchronization and three-way conflict resolution.
package fieldsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/natlog/go-fieldsync/fieldsync"
)

// Config holds the tunables of the sync engine.
type Config struct {
	// Collections are the entity types this client synchronizes, each mapping
	// to a remote REST collection of the same name.
	Collections []string `validate:"required,min=1,dive,required"`

	MaxParallelSyncs int           `validate:"gte=1"`
	RetryBackoffBase time.Duration `validate:"gt=0"`
	RetryBackoffCap  time.Duration `validate:"gt=0,gtefield=RetryBackoffBase"`
	MaxAttempts      int           `validate:"gte=1"`
	CacheLimitBytes  int64         `validate:"gte=0"`
	PullInterval     time.Duration `validate:"gt=0"`
	PageSize         int           `validate:"gte=1"`
	RequestTimeout   time.Duration `validate:"gt=0"`
	ProbeInterval    time.Duration `validate:"gt=0"`

	// EnableRealtime subscribes to the server's websocket change feed so
	// remote edits trigger a pull without waiting for PullInterval.
	EnableRealtime bool
}

// DefaultConfig returns the default engine configuration for the given
// collections.
func DefaultConfig(collections []string) *Config {
	return &Config{
		Collections:      collections,
		MaxParallelSyncs: 4,
		RetryBackoffBase: 1 * time.Second,
		RetryBackoffCap:  30 * time.Second,
		MaxAttempts:      5,
		CacheLimitBytes:  64 << 20, // 64 MiB
		PullInterval:     60 * time.Second,
		PageSize:         200,
		RequestTimeout:   30 * time.Second,
		ProbeInterval:    15 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Client bundles the store, cache, connectivity monitor and sync engine over
// a single SQLite database.
type Client struct {
	DB      *sql.DB
	Store   *Store
	Cache   *CacheManager
	Monitor *ConnectivityMonitor
	Engine  *SyncEngine
	Merges  *fieldsync.MergeRegistry

	DeviceID string
	UserID   string

	config   *Config
	logger   *slog.Logger
	realtime *realtimeListener
}

// NewClient initializes the metadata schema on db and wires all components.
// The token func returns the bearer token (usually a JWT) for remote calls.
func NewClient(db *sql.DB, baseURL, userID string, token TokenFunc, config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.Default()

	store, err := NewStore(db, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	deviceID, err := EnsureDeviceID(db, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure device id: %w", err)
	}

	cache := NewCacheManager(store, logger)
	monitor := NewConnectivityMonitor(HTTPProbe(baseURL, config.RequestTimeout), config.ProbeInterval, logger)
	remote := newRemoteClient(baseURL, deviceID, token, config.RequestTimeout, logger)
	merges := fieldsync.NewMergeRegistry()
	engine := NewSyncEngine(store, cache, remote, monitor, merges, config, logger)

	client := &Client{
		DB:       db,
		Store:    store,
		Cache:    cache,
		Monitor:  monitor,
		Engine:   engine,
		Merges:   merges,
		DeviceID: deviceID,
		UserID:   userID,
		config:   config,
		logger:   logger,
	}
	if config.EnableRealtime {
		client.realtime = newRealtimeListener(baseURL, token, engine, config, logger)
	}
	return client, nil
}

// Start launches the connectivity probe, the sync loops and, when enabled,
// the realtime listener. All of them stop when ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	// Subscribe the engine before the first probe fires so the initial
	// connect transition schedules a sync.
	c.Engine.Start(ctx)
	c.Monitor.Start(ctx)
	if c.realtime != nil {
		go c.realtime.run(ctx)
	}
}

// EnsureDeviceID generates and persists a device ID for userID if not already
// present, so retried creates stay idempotent across restarts.
func EnsureDeviceID(db *sql.DB, userID string) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _fieldsync_client_info WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		if _, err := db.Exec(`
			INSERT INTO _fieldsync_client_info (user_id, device_id) VALUES (?, ?)
		`, userID, deviceID); err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}
