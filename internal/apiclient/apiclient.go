// Package apiclient is the HTTP client the reconciliation loop and the
// cmd/meridian CLI use to talk to the coordination API (spec §4.5/§4.6).
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client calls a coordination server's /v1/user surface. The
// server identifies the caller by tunnel source IP, so Client carries no
// credentials of its own — it just needs to dial through the WireGuard
// interface already configured for this peer.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client. httpClient may be a net/http client whose
// Transport dials out through the local WireGuard interface (e.g. a
// netstack-backed net.Dialer) — apiclient itself is transport-agnostic.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

type apiError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (e apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Kind == "" {
			apiErr.Kind = "internal"
			apiErr.Detail = resp.Status
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// State is the decoded response of GET /v1/user/state.
type State struct {
	Peers []Peer `json:"peers"`
	Cidrs []Cidr `json:"cidrs"`
}

// Peer mirrors api.peerWire.
type Peer struct {
	ID                  uint64     `json:"id"`
	Name                string     `json:"name"`
	PublicKey           string     `json:"public_key"`
	IP                  string     `json:"ip"`
	CidrID              uint64     `json:"cidr_id"`
	IsAdmin             bool       `json:"is_admin"`
	IsDisabled          bool       `json:"is_disabled"`
	IsRedeemed          bool       `json:"is_redeemed"`
	Endpoint            *string    `json:"endpoint,omitempty"`
	PersistentKeepalive *uint16    `json:"persistent_keepalive,omitempty"`
	Candidates          []string   `json:"candidates"`
	LastHandshake       *time.Time `json:"last_handshake,omitempty"`
}

// Cidr mirrors api.cidrWire.
type Cidr struct {
	ID       uint64  `json:"id"`
	Name     string  `json:"name"`
	Cidr     string  `json:"cidr"`
	ParentID *uint64 `json:"parent_id,omitempty"`
	IsInfra  bool    `json:"is_infra"`
}

// UserState pulls GET /v1/user/state.
func (c *Client) UserState(ctx context.Context) (State, error) {
	var st State
	err := c.do(ctx, http.MethodGet, "/v1/user/state", nil, &st)
	return st, err
}

// Redeem calls POST /v1/user/redeem.
func (c *Client) Redeem(ctx context.Context, publicKey string) (Peer, error) {
	var p Peer
	err := c.do(ctx, http.MethodPost, "/v1/user/redeem", map[string]string{"public_key": publicKey}, &p)
	return p, err
}

// PutEndpoint calls PUT /v1/user/endpoint.
func (c *Client) PutEndpoint(ctx context.Context, socket string) error {
	return c.do(ctx, http.MethodPut, "/v1/user/endpoint", map[string]string{"socket": socket}, nil)
}

// PutCandidates calls PUT /v1/user/candidates.
func (c *Client) PutCandidates(ctx context.Context, candidates []string) error {
	return c.do(ctx, http.MethodPut, "/v1/user/candidates", map[string][]string{"candidates": candidates}, nil)
}
