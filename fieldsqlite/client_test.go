// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/natlog/go-fieldsync/internal/remotetest"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig([]string{"jobs"}).Validate())
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig(nil)
	require.Error(t, cfg.Validate(), "empty collections must be rejected")

	cfg = DefaultConfig([]string{"jobs"})
	cfg.MaxParallelSyncs = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig([]string{"jobs"})
	cfg.RetryBackoffCap = cfg.RetryBackoffBase / 2
	require.Error(t, cfg.Validate(), "cap below base must be rejected")

	cfg = DefaultConfig([]string{"jobs"})
	cfg.PullInterval = 0
	require.Error(t, cfg.Validate())
}

func TestNewClientRejectsNilConfig(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewClient(db, "http://localhost:0", "user-1", nil, nil)
	require.Error(t, err)
}

func TestEnsureDeviceID(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	_, err = NewStore(db, nil)
	require.NoError(t, err)

	// First call generates, second call returns the same ID.
	first, err := EnsureDeviceID(db, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := EnsureDeviceID(db, "user-1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	// A different user on the same database gets its own device identity.
	other, err := EnsureDeviceID(db, "user-2")
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestClientWiring(t *testing.T) {
	srv := remotetest.NewServer("secret")
	defer srv.Close()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	token := func(context.Context) (string, error) {
		return srv.TokenFor("user-1", "device-1"), nil
	}
	cfg := DefaultConfig([]string{"jobs"})
	cfg.RequestTimeout = 5 * time.Second

	client, err := NewClient(db, srv.URL(), "user-1", token, cfg)
	require.NoError(t, err)
	require.NotNil(t, client.Store)
	require.NotNil(t, client.Cache)
	require.NotNil(t, client.Monitor)
	require.NotNil(t, client.Engine)
	require.NotEmpty(t, client.DeviceID)

	// The same database yields the same device identity on restart.
	again, err := NewClient(db, srv.URL(), "user-1", token, cfg)
	require.NoError(t, err)
	require.Equal(t, client.DeviceID, again.DeviceID)
}
