package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type GatewayConfig struct {
	// Endpoint is the transport management base URL; pushes go to
	// {Endpoint}/connections/{id}.
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
}

// Gateway pushes through a remote connection-management endpoint.
type Gateway struct {
	base   *url.URL
	client *http.Client
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	ep := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	u, err := url.Parse(ep)
	if err != nil {
		return nil, fmt.Errorf("gateway endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway endpoint: unsupported scheme %q", u.Scheme)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Gateway{base: u, client: client}, nil
}

func (g *Gateway) Post(ctx context.Context, connectionID string, payload []byte) error {
	target := g.base.JoinPath("connections", connectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway post %s: %w", connectionID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("gateway post %s: %w", connectionID, ErrGone)
	default:
		return fmt.Errorf("gateway post %s: %w", connectionID, &StatusError{Code: resp.StatusCode})
	}
}

// StatusError is a non-success, non-gone gateway response.
type StatusError struct{ Code int }

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }
