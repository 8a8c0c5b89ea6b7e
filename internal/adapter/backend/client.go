// Package backend implements the domain.Backend client against the
// REST persistence service, with pooled connections and a circuit
// breaker so a dead backend cannot trigger retry storms across many
// device sessions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"shelfsync/internal/domain"
	"shelfsync/internal/infra/config"
	"shelfsync/internal/infra/tracer"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultConnTimeout = 10 * time.Second
)

// Client is the plain HTTP implementation of domain.Backend. Wrap it
// with NewBreaker for production use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a backend client from config.
func NewClient(cfg config.BackendConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.APIToken,
		http: &http.Client{
			Transport: newPooledTransport(),
			Timeout:   timeout,
		},
		logger: logger.With("component", "backend"),
	}
}

// newPooledTransport returns an http.Transport sized for a single
// backend host called concurrently by many device sessions.
func newPooledTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   defaultConnTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: defaultTimeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       120 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

type registerRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type submitRequest struct {
	DeviceID  string `json:"device_id"`
	Row       uint8  `json:"row"`
	Level     uint8  `json:"level"`
	Box       uint8  `json:"box"`
	Count     uint16 `json:"count"`
	Sequence  uint64 `json:"sequence"`
	Battery   uint8  `json:"battery"`
	Timestamp string `json:"timestamp"`
}

type submitResponse struct {
	Status string `json:"status"` // "accepted" or "duplicate"
}

// Register implements domain.Backend.
func (c *Client) Register(ctx context.Context, dev domain.Device) (domain.ConfigSnapshot, error) {
	const op = "backend.Register"
	ctx, span := tracer.StartSpan(ctx, op, tracer.StringAttr("device_id", dev.ID))
	defer span.End()

	var snap domain.ConfigSnapshot
	body := registerRequest{ID: dev.ID, Name: dev.Name}
	resp, err := c.do(ctx, http.MethodPost, "/api/devices/register", body)
	if err != nil {
		tracer.RecordError(span, err)
		return snap, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		err := statusErr(op, resp)
		tracer.RecordError(span, err)
		return snap, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, domain.NewDomainError(op, domain.ErrUpstream, err.Error())
	}
	c.logger.Info("device registered", "device_id", dev.ID)
	return snap, nil
}

// SubmitStockUpdate implements domain.Backend. The backend dedups on
// (device, sequence); both accepted and duplicate answers mean the
// delta is durable upstream.
func (c *Client) SubmitStockUpdate(ctx context.Context, delta domain.StockDelta) (domain.SubmitResult, error) {
	const op = "backend.SubmitStockUpdate"
	ctx, span := tracer.StartSpan(ctx, op,
		tracer.StringAttr("device_id", delta.DeviceID),
		tracer.Int64Attr("sequence", int64(delta.Sequence)))
	defer span.End()

	body := submitRequest{
		DeviceID:  delta.DeviceID,
		Row:       delta.Slot.Row,
		Level:     delta.Slot.Level,
		Box:       delta.Slot.Box,
		Count:     delta.Count,
		Sequence:  delta.Sequence,
		Battery:   delta.Battery,
		Timestamp: delta.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/stock-updates", body)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.SubmitError, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return domain.SubmitAccepted, nil
	case http.StatusOK:
		var sr submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err == nil && sr.Status == "duplicate" {
			return domain.SubmitDuplicate, nil
		}
		return domain.SubmitAccepted, nil
	case http.StatusConflict:
		return domain.SubmitDuplicate, nil
	default:
		err := statusErr(op, resp)
		tracer.RecordError(span, err)
		return domain.SubmitError, err
	}
}

// FetchConfig implements domain.Backend.
func (c *Client) FetchConfig(ctx context.Context, deviceID string) (domain.ConfigSnapshot, error) {
	const op = "backend.FetchConfig"
	ctx, span := tracer.StartSpan(ctx, op, tracer.StringAttr("device_id", deviceID))
	defer span.End()

	var snap domain.ConfigSnapshot
	resp, err := c.do(ctx, http.MethodGet, "/api/devices/"+deviceID+"/config", nil)
	if err != nil {
		tracer.RecordError(span, err)
		return snap, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return snap, domain.NewDomainError(op, domain.ErrNotFound, "device "+deviceID)
	}
	if resp.StatusCode != http.StatusOK {
		err := statusErr(op, resp)
		tracer.RecordError(span, err)
		return snap, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, domain.NewDomainError(op, domain.ErrUpstream, err.Error())
	}
	return snap, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, domain.WrapOp("backend.do", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, domain.WrapOp("backend.do", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewDomainError("backend.do", domain.ErrUpstream, err.Error())
	}
	return resp, nil
}

func statusErr(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return domain.NewDomainError(op, domain.ErrUpstream,
		fmt.Sprintf("%s returned %d: %s", resp.Request.URL.Path, resp.StatusCode, snippet))
}

var _ domain.Backend = (*Client)(nil)
