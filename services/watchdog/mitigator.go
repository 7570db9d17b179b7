package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AJDIGITALllc/worksie/pkg/registry"
	otelobs "github.com/AJDIGITALllc/worksie/pkg/observability/otel"
)

// Mitigator invokes the rollout controller's external API. The watchdog runs
// as its own deployable, so mitigation is a remote call, not an in-process
// one.
type Mitigator interface {
	// Clamp drops the active canary to zero traffic without deactivating it.
	Clamp(ctx context.Context) error
	// Rollback reverts to the active model's recorded predecessor.
	Rollback(ctx context.Context) error
}

// ControllerClient calls the registry service over HTTP with a short-lived
// service token. Every call is bounded by the client timeout; a timed-out
// call is treated as failed, never as committed.
type ControllerClient struct {
	baseURL   string
	jwtSecret []byte
	client    *http.Client
}

func NewControllerClient(baseURL string, jwtSecret []byte, timeout time.Duration) *ControllerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ControllerClient{
		baseURL:   baseURL,
		jwtSecret: jwtSecret,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelobs.WrapHTTPTransport(http.DefaultTransport),
		},
	}
}

func (c *ControllerClient) Clamp(ctx context.Context) error {
	active, err := c.activeModel(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{
		"modelId":      active.ModelID,
		"rolloutRatio": 0.0,
		"notes":        "auto-clamp: server error rate SLO breach",
		"trigger":      "job",
	}
	return c.post(ctx, "/v1/admin/models/promote", body)
}

func (c *ControllerClient) Rollback(ctx context.Context) error {
	body := map[string]any{"trigger": "job"}
	return c.post(ctx, "/v1/admin/models/rollback", body)
}

func (c *ControllerClient) activeModel(ctx context.Context) (*registry.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models/active", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, mapCallErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("active model lookup: %s", responseError(resp))
	}
	var snap registry.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode active model: %w", err)
	}
	return &snap, nil
}

func (c *ControllerClient) post(ctx context.Context, path string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := c.serviceToken()
	if err != nil {
		return fmt.Errorf("mint service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return mapCallErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: %s", path, responseError(resp))
	}
	return nil
}

// serviceToken mints a short-lived admin token for one mitigation call.
func (c *ControllerClient) serviceToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     "slo-watchdog",
		"isAdmin": true,
		"iat":     now.Unix(),
		"exp":     now.Add(2 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.jwtSecret)
}

func mapCallErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return registry.ErrUpstreamTimeout
	}
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return registry.ErrUpstreamTimeout
	}
	return err
}

func responseError(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if len(raw) == 0 {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, raw)
}
