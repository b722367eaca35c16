package authorizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Request carries what the broker knows about a registration attempt.
type Request struct {
	Subdomain  string `json:"subdomain"`
	Password   string `json:"password,omitempty"`
	Protocol   string `json:"protocol"`
	ClientAddr string `json:"client_addr"`
}

// Decision is the authorizer verdict: accept, reject, or accept with a
// reassigned (randomly allocated) subdomain. It may also attach an IP allow
// list for the tunnel.
type Decision struct {
	Allow             bool     `json:"allow"`
	Reason            string   `json:"reason,omitempty"`
	ReassignSubdomain bool     `json:"reassign_subdomain,omitempty"`
	IPAllowList       []string `json:"ip_allow_list,omitempty"`
}

type Authorizer interface {
	Authorize(ctx context.Context, req Request) (Decision, error)
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, Request) (Decision, error) {
	return Decision{Allow: true}, nil
}

// AllowAll accepts every registration. This is the default when no authorizer
// endpoint is configured.
func AllowAll() Authorizer { return allowAll{} }

// HTTPAuthorizer posts the registration to an external endpoint and decodes
// the decision. Transport failures deny the registration; an unreachable
// authorizer must not turn into an open broker.
type HTTPAuthorizer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPAuthorizer(endpoint string, timeout time.Duration) *HTTPAuthorizer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPAuthorizer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, req Request) (Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("authorizer: encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("authorizer: build request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(hreq)
	if err != nil {
		return Decision{}, fmt.Errorf("authorizer: call %s: %w", a.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("authorizer: %s returned %d", a.endpoint, resp.StatusCode)
	}
	var d Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Decision{}, fmt.Errorf("authorizer: decode decision: %w", err)
	}
	return d, nil
}
