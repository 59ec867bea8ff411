package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrVehicleUnavailable is returned when the upstream reports the
// vehicle cannot be reached for a data call.
var ErrVehicleUnavailable = errors.New("upstream: vehicle unavailable")

// API is the upstream collaborator consumed by the snapshot fetcher
// and the taximeter sampler.
type API interface {
	// GetVehicleState performs the lightweight state probe. It never
	// wakes the vehicle.
	GetVehicleState(ctx context.Context, vehicleID string) (string, error)
	// GetVehicleData fetches the full telemetry snapshot. Calling it
	// wakes a sleeping vehicle, so callers must gate it on the state
	// probe.
	GetVehicleData(ctx context.Context, vehicleID string) (*Snapshot, error)
}

// Client talks to the owner-style vehicle HTTP API.
type Client struct {
	httpClient *http.Client
	apiHost    string
	token      string
}

func NewClient(apiHost, token string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiHost: apiHost,
		token:   token,
	}
}

// apiResponse is the common response envelope.
type apiResponse struct {
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, path string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiHost+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestTimeout {
		return nil, ErrVehicleUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upstream status=%d body=%s", resp.StatusCode, string(body))
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != "" {
		return nil, fmt.Errorf("upstream error: %s", apiResp.Error)
	}
	return &apiResp, nil
}

func (c *Client) GetVehicleState(ctx context.Context, vehicleID string) (string, error) {
	resp, err := c.doRequest(ctx, fmt.Sprintf("/api/1/vehicles/%s", vehicleID))
	if err != nil {
		return "", err
	}
	var probe struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(resp.Response, &probe); err != nil {
		return "", fmt.Errorf("decode vehicle state: %w", err)
	}
	if probe.State == "" {
		return "", fmt.Errorf("upstream returned empty state for vehicle %s", vehicleID)
	}
	return probe.State, nil
}

func (c *Client) GetVehicleData(ctx context.Context, vehicleID string) (*Snapshot, error) {
	resp, err := c.doRequest(ctx, fmt.Sprintf("/api/1/vehicles/%s/vehicle_data", vehicleID))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(resp.Response, &snap); err != nil {
		return nil, fmt.Errorf("decode vehicle data: %w", err)
	}
	snap.VehicleID = vehicleID
	return &snap, nil
}
