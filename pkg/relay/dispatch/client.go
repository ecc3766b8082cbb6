// Package dispatch delivers queued events to remote collection
// endpoints. Each enabled destination gets one scheduler goroutine
// running on that destination's cadence, so a slow or dead endpoint
// never delays the others.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/randalmurphal/meshrelay/pkg/relay/config"
	relayerrors "github.com/randalmurphal/meshrelay/pkg/relay/errors"
	"github.com/randalmurphal/meshrelay/pkg/relay/store"
	"github.com/randalmurphal/meshrelay/pkg/relay/telemetry"
)

// Client speaks the collection endpoint protocol: JSON POSTs
// authenticated with an X-API-Key header. One Client serves all
// destinations; per-destination timeouts are applied per request.
type Client struct {
	agent      config.EngineConfig
	httpClient *http.Client
}

// NewClient creates an endpoint client. A nil httpClient falls back to
// http.DefaultClient; request deadlines come from each destination's
// configured timeout, not from the client.
func NewClient(agent config.EngineConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{agent: agent, httpClient: httpClient}
}

type agentLocation struct {
	Name        string    `json:"name"`
	Coordinates []float64 `json:"coordinates"`
}

type dataPayload struct {
	AgentID    string                 `json:"agent_id"`
	Location   agentLocation          `json:"location"`
	Timestamp  string                 `json:"timestamp"`
	Packets    []telemetry.Event      `json:"packets"`
	NodeStatus []telemetry.NodeStatus `json:"node_status"`
}

type routesPayload struct {
	AgentID   string             `json:"agent_id"`
	Timestamp string             `json:"timestamp"`
	Routes    []store.RouteEntry `json:"routes"`
}

// SendData delivers a batch of events plus current node status to one
// destination. Any 2xx response is success. A 401 or 403 maps to an
// AuthError; other non-2xx statuses map to HTTPError; transport-level
// failures map to TransportError.
func (c *Client) SendData(ctx context.Context, dest config.DestinationConfig, events []telemetry.Event, nodes []telemetry.NodeStatus) error {
	payload := dataPayload{
		AgentID: c.agent.AgentID,
		Location: agentLocation{
			Name:        c.agent.LocationName,
			Coordinates: []float64{c.agent.LocationLat, c.agent.LocationLon},
		},
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Packets:    events,
		NodeStatus: nodes,
	}
	if payload.Packets == nil {
		payload.Packets = []telemetry.Event{}
	}
	if payload.NodeStatus == nil {
		payload.NodeStatus = []telemetry.NodeStatus{}
	}
	return c.post(ctx, dest, dest.URL+"/api/agent/data", payload)
}

// SendRoutes ships discovered paths to one destination on the
// lower-frequency route channel.
func (c *Client) SendRoutes(ctx context.Context, dest config.DestinationConfig, routes []store.RouteEntry) error {
	if len(routes) == 0 {
		return nil
	}
	payload := routesPayload{
		AgentID:   c.agent.AgentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Routes:    routes,
	}
	return c.post(ctx, dest, dest.URL+"/api/agent/routes", payload)
}

func (c *Client) post(ctx context.Context, dest config.DestinationConfig, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	timeout := dest.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", dest.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &relayerrors.TransportError{Destination: dest.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &relayerrors.AuthError{Destination: dest.Name, StatusCode: resp.StatusCode}
	}

	// Bounded read so one misbehaving endpoint cannot balloon memory.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &relayerrors.HTTPError{
		StatusCode:  resp.StatusCode,
		Destination: dest.Name,
		Body:        string(snippet),
	}
}
