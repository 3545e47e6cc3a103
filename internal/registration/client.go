// Package registration is the client for the console backend's device
// registry. Registration is idempotent per device id: registering a known
// device reports a conflict instead of creating a second record.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Outcome is the result of a successful registration call.
type Outcome int

const (
	// Created means the device is new and should be configured.
	Created Outcome = iota
	// Conflict means the device id is already registered.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Request describes the device being registered.
type Request struct {
	DeviceID      string
	Name          string
	MACAddress    string
	ServerBinding string // container to bind the device to; empty for none
	RequestID     string // sent as X-Request-ID when set
}

// Error is a rejected or failed registration call.
type Error struct {
	StatusCode int    // 0 if no response was received
	Code       string // backend error code, e.g. "InternalError"
	Message    string
	Err        error // transport error, if any
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("registration: request failed: %v", e.Err)
	case e.Message != "":
		return fmt.Sprintf("registration: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("registration: HTTP %d", e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Reason is a short human-readable failure reason.
func (e *Error) Reason() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.StatusCode)
}

// registerBody is the JSON accepted by POST /api/devices.
type registerBody struct {
	DeviceID         string  `json:"deviceId"`
	Name             string  `json:"name"`
	MACAddress       string  `json:"macAddress"`
	BoundContainerID *string `json:"boundContainerId,omitempty"`
}

// apiError is the backend's error envelope.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client registers devices with the console backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the backend at baseURL (for example
// "http://localhost:3000"). token is sent as a bearer token when non-empty.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Register creates the device record. It returns Conflict when the id is
// already known and an *Error for every other failure. Nothing is retried.
func (c *Client) Register(ctx context.Context, req Request) (Outcome, error) {
	if req.DeviceID == "" {
		return 0, errors.New("registration: device id must not be empty")
	}

	body := registerBody{
		DeviceID:   req.DeviceID,
		Name:       req.Name,
		MACAddress: req.MACAddress,
	}
	if req.ServerBinding != "" {
		binding := req.ServerBinding
		body.BoundContainerID = &binding
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("registration: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/devices", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("registration: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, &Error{Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		slog.Info("[REG] device registered", "device_id", req.DeviceID)
		return Created, nil
	case http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		slog.Info("[REG] device already registered", "device_id", req.DeviceID)
		return Conflict, nil
	}

	regErr := &Error{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiErr apiError
	if err := json.Unmarshal(data, &apiErr); err == nil {
		regErr.Code = apiErr.Error
		regErr.Message = apiErr.Message
	} else if text := strings.TrimSpace(string(data)); text != "" {
		regErr.Message = text
	}
	slog.Warn("[REG] registration rejected", "device_id", req.DeviceID, "status", resp.StatusCode, "code", regErr.Code)
	return 0, regErr
}
