// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package orchclient is the mitigation node's half of the registration
// and heartbeat exchange internal/orchhttp serves. It is a thin
// net/http wrapper with the management bearer token attached the way
// internal/mgmtauth expects it server-side.
package orchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
	"github.com/aegismesh/aegis/internal/proto"
)

// Client calls an orchestrator's management HTTP API on behalf of a
// mitigation node.
type Client struct {
	baseURL string
	tokenHash string // sent as-is as the bearer value; internal/orchhttp's routes do not check it
	httpClient *http.Client
}

// New returns a Client targeting baseURL (e.g. "https://orchestrator:8443").
func New(baseURL, managementToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		tokenHash: managementToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RegisterReply is the orchestrator's response to a registration call.
type RegisterReply struct {
	NodeID string `json:"node_id"`
	HeartbeatInterval int64 `json:"heartbeat_interval"`
	Endpoints map[string]string `json:"endpoints"`
}

// Register announces publicIP to the orchestrator and returns the
// assigned node ID and heartbeat cadence.
func (c *Client) Register(ctx context.Context, publicIP, configSummary string) (*RegisterReply, error) {
	body, err := json.Marshal(map[string]string{"public_ip": publicIP, "config": configSummary})
	if err != nil {
		return nil, aegiserrors.Wrap(err, aegiserrors.KindSerialization, "marshal register request")
	}

	var reply RegisterReply
	if err := c.post(ctx, "/api/v1/nodes/register", body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Heartbeat reports status and metrics for nodeID.
func (c *Client) Heartbeat(ctx context.Context, nodeID string, status proto.NodeStatus, metrics proto.NodeMetrics) error {
	body, err := json.Marshal(struct {
		NodeID string `json:"node_id"`
		Status proto.NodeStatus `json:"status"`
		Metrics proto.NodeMetrics `json:"metrics"`
	}{nodeID, status, metrics})
	if err != nil {
		return aegiserrors.Wrap(err, aegiserrors.KindSerialization, "marshal heartbeat request")
	}
	return c.post(ctx, "/api/v1/nodes/heartbeat", body, nil)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return aegiserrors.Wrapf(err, aegiserrors.KindNetworkIO, "build request to %s", path)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokenHash != "" {
		req.Header.Set("Authorization", "Bearer "+c.tokenHash)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return aegiserrors.Wrapf(err, aegiserrors.KindNetworkIO, "call %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return aegiserrors.Errorf(aegiserrors.KindNetworkIO, "%s returned %s", path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return aegiserrors.Wrapf(err, aegiserrors.KindSerialization, "decode %s response", path)
		}
	}
	return nil
}
