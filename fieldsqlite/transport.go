// Copyright 2026 The go-fieldsync Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/natlog/go-fieldsync/fieldsync"
)

// TokenFunc returns the bearer token for remote calls, usually a JWT.
type TokenFunc func(ctx context.Context) (string, error)

// remoteClient speaks the REST sync protocol: one collection per entity
// type, optimistic versioned updates, watermarked pulls. It maps transport
// and HTTP failures onto the fieldsync error taxonomy; callers decide retry
// policy from the error type alone.
type remoteClient struct {
	baseURL  string
	http     *http.Client
	token    TokenFunc
	deviceID string
	logger   *slog.Logger
}

func newRemoteClient(baseURL, deviceID string, token TokenFunc, timeout time.Duration, logger *slog.Logger) *remoteClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &remoteClient{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		token:    token,
		deviceID: deviceID,
		logger:   logger,
	}
}

// bearer fetches the token and rejects visibly expired JWTs before spending a
// round trip. Opaque (non-JWT) tokens are passed through for the server to
// judge.
func (r *remoteClient) bearer(ctx context.Context) (string, error) {
	token, err := r.token(ctx)
	if err != nil {
		return "", &fieldsync.AuthError{Err: err}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
			return "", &fieldsync.AuthError{Err: errors.New("token expired")}
		}
	}
	return token, nil
}

func (r *remoteClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body for %s: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", op, err)
	}
	token, err := r.bearer(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, &fieldsync.NetworkError{Op: op, Err: err}
	}
	return resp, nil
}

// mapStatus converts a non-2xx response into the taxonomy. The body is
// consumed; 409 bodies are decoded as the current remote record.
func mapStatus(op string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &fieldsync.AuthError{Status: resp.StatusCode, Err: errorFromBody(body)}
	case resp.StatusCode == http.StatusConflict:
		var rec fieldsync.RemoteRecord
		if err := json.Unmarshal(body, &rec); err != nil || rec.ID == "" {
			return &fieldsync.ConflictError{Status: resp.StatusCode}
		}
		if rec.Deleted {
			return &fieldsync.ConflictError{Status: resp.StatusCode}
		}
		return &fieldsync.ConflictError{Status: resp.StatusCode, Remote: &rec}
	case resp.StatusCode == http.StatusGone:
		return &fieldsync.ConflictError{Status: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return &fieldsync.ValidationError{Status: resp.StatusCode, Message: messageFromBody(body)}
	default:
		return &fieldsync.NetworkError{Op: op,
			Err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))}
	}
}

func errorFromBody(body []byte) error {
	return errors.New(messageFromBody(body))
}

func messageFromBody(body []byte) string {
	var er fieldsync.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Message != "" {
		return er.Message
	}
	return string(body)
}

// create issues POST /{collection} and returns the canonical record with the
// server-assigned version.
func (r *remoteClient) create(ctx context.Context, collection string, op *fieldsync.PendingOperation) (*fieldsync.RemoteRecord, error) {
	path := "/" + collection
	resp, err := r.do(ctx, http.MethodPost, path, &fieldsync.CreateRequest{
		ID:       op.EntityID,
		DeviceID: r.deviceID,
		Payload:  op.Payload,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, mapStatus("POST "+path, resp)
	}
	return decodeRecord(resp)
}

// update issues PUT /{collection}/{id} carrying the last-known version.
func (r *remoteClient) update(ctx context.Context, collection string, op *fieldsync.PendingOperation) (*fieldsync.RemoteRecord, error) {
	path := "/" + collection + "/" + url.PathEscape(op.EntityID)
	resp, err := r.do(ctx, http.MethodPut, path, &fieldsync.UpdateRequest{
		DeviceID:    r.deviceID,
		BaseVersion: op.BaseVersion,
		Payload:     op.Payload,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		// The entity no longer exists remotely: an edit raced a delete.
		resp.Body.Close()
		return nil, &fieldsync.ConflictError{Status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus("PUT "+path, resp)
	}
	return decodeRecord(resp)
}

// delete issues DELETE /{collection}/{id}. A 404 means "already deleted" and
// is benign.
func (r *remoteClient) delete(ctx context.Context, collection, entityID string) error {
	path := "/" + collection + "/" + url.PathEscape(entityID)
	resp, err := r.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK ||
		resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil
	}
	return mapStatus("DELETE "+path, resp)
}

// pull issues GET /{collection}?updatedSince=...&page=...&pageSize=...
func (r *remoteClient) pull(ctx context.Context, collection string, updatedSince time.Time, page, pageSize int) (*fieldsync.PullResponse, error) {
	q := url.Values{}
	if !updatedSince.IsZero() {
		q.Set("updatedSince", updatedSince.UTC().Format(time.RFC3339Nano))
	}
	q.Set("page", fmt.Sprintf("%d", page))
	q.Set("pageSize", fmt.Sprintf("%d", pageSize))
	path := "/" + collection + "?" + q.Encode()

	resp, err := r.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus("GET /"+collection, resp)
	}
	defer resp.Body.Close()

	var pr fieldsync.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, &fieldsync.NetworkError{Op: "GET /" + collection,
			Err: fmt.Errorf("failed to decode pull response: %w", err)}
	}
	return &pr, nil
}

func decodeRecord(resp *http.Response) (*fieldsync.RemoteRecord, error) {
	defer resp.Body.Close()
	var rec fieldsync.RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, &fieldsync.NetworkError{Op: "decode response",
			Err: fmt.Errorf("failed to decode record: %w", err)}
	}
	return &rec, nil
}
