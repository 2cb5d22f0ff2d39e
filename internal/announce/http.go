package announce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPGateway posts announcements to a PA controller that exposes a JSON
// endpoint, e.g. a SIP/IP speaker bridge.
type HTTPGateway struct {
	url    string
	token  string
	zone   string
	client *http.Client
}

type announceRequest struct {
	Text string `json:"text"`
	Zone string `json:"zone,omitempty"`
}

// NewHTTPGateway creates a gateway posting to url. defaultZone is used when
// Announce is called without a zone. timeout <= 0 defaults to 10s.
func NewHTTPGateway(url, token, defaultZone string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		url:    url,
		token:  token,
		zone:   defaultZone,
		client: &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Announce(ctx context.Context, text, zone string) error {
	if zone == "" {
		zone = g.zone
	}
	body, err := json.Marshal(announceRequest{Text: text, Zone: zone})
	if err != nil {
		return Failure("pa", zone, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Failure("pa", zone, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Failure("pa", zone, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Failure("pa", zone, fmt.Errorf("controller returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}
	return nil
}
