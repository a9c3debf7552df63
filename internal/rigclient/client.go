// ABOUTME: HTTP client the rig agent uses to talk to rig-gateway
// ABOUTME: Registration, heartbeats, telemetry, and the poll/start/complete command cycle

package rigclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Command is a directive as delivered by the gateway.
type Command struct {
	ID            string          `json:"id"`
	DeviceID      string          `json:"device_id"`
	Type          string          `json:"type"`
	Action        string          `json:"action"`
	Params        json.RawMessage `json:"params,omitempty"`
	Status        string          `json:"status"`
	QueueEntryID  string          `json:"queue_entry_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	// CreatedAt is on the agent's clock after Poll; see Poll.
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// Device is the registration record returned by the gateway.
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Claimed      bool       `json:"claimed"`
	OwnerID      string     `json:"owner_id,omitempty"`
	Active       bool       `json:"active"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	AppReachable bool       `json:"app_reachable"`
}

// Telemetry is the advisory sensor snapshot reported to the gateway.
type Telemetry struct {
	SpeedKMH float64 `json:"speed_kmh"`
	InCar    bool    `json:"in_car"`
	Ignition bool    `json:"ignition"`
	Lap      int     `json:"lap"`
}

// APIError is a typed error returned by the gateway.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("gateway error (%d %s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.Status, e.Message)
}

// IsConflict reports whether err is a 409 from the gateway.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// Client communicates with the rig-gateway HTTP API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// New creates a client. token is the agent's bearer JWT.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  httpClient,
		now:     time.Now,
	}
}

// Register upserts this rig by hardware fingerprint and returns its stable device id.
func (c *Client) Register(ctx context.Context, fingerprint, name string) (*Device, error) {
	var d Device
	body := map[string]string{"fingerprint": fingerprint, "name": name}
	if err := c.do(ctx, http.MethodPost, "/api/devices/register", body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Heartbeat reports the agent alive.
func (c *Client) Heartbeat(ctx context.Context, deviceID string, appReachable bool) error {
	body := map[string]bool{"app_reachable": appReachable}
	return c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(deviceID)+"/heartbeat", body, nil)
}

// ReportTelemetry sends an advisory sensor snapshot.
func (c *Client) ReportTelemetry(ctx context.Context, deviceID string, t Telemetry) error {
	return c.do(ctx, http.MethodPost, "/api/devices/"+url.PathEscape(deviceID)+"/telemetry", t, nil)
}

// Poll fetches up to limit pending commands in FIFO order.
//
// Command creation times are shifted onto the local clock using the
// gateway's server_time, so comparing them with local timestamps does not
// depend on the two clocks agreeing. The shift is off by at most the
// response latency.
func (c *Client) Poll(ctx context.Context, deviceID string, limit int) ([]Command, error) {
	path := "/api/devices/" + url.PathEscape(deviceID) + "/commands"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Commands   []Command  `json:"commands"`
		ServerTime *time.Time `json:"server_time"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.ServerTime != nil {
		skew := c.now().Sub(*resp.ServerTime)
		for i := range resp.Commands {
			resp.Commands[i].CreatedAt = resp.Commands[i].CreatedAt.Add(skew)
		}
	}
	return resp.Commands, nil
}

// Start marks a command processing. A conflict means it is no longer pending.
func (c *Client) Start(ctx context.Context, commandID string) error {
	return c.do(ctx, http.MethodPost, "/api/commands/"+url.PathEscape(commandID)+"/start", nil, nil)
}

// Complete reports a command's terminal status and result.
func (c *Client) Complete(ctx context.Context, commandID, status string, result json.RawMessage) error {
	body := struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result,omitempty"`
	}{Status: status, Result: result}
	return c.do(ctx, http.MethodPost, "/api/commands/"+url.PathEscape(commandID)+"/complete", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// handleErrorResponse extracts the typed error envelope from a non-2xx response.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Kind != "" {
		return &APIError{Status: resp.StatusCode, Kind: envelope.Error.Kind, Message: envelope.Error.Message}
	}
	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
