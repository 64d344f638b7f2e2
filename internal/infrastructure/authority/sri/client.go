package sri

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"emisor/internal/core/apperror"
	"emisor/internal/core/authority"
)

// Config holds per-environment endpoints and transport bounds.
type Config struct {
	// ReceptionURL receives signed payloads
	ReceptionURL string

	// AuthorizationURL answers verdict queries by access key
	AuthorizationURL string

	// RequestTimeout bounds each HTTP call
	RequestTimeout time.Duration

	// TransportRetries is the retryablehttp budget for connection-level
	// failures; protocol-level retry policy belongs to the orchestrator
	TransportRetries int
}

// DefaultConfig returns production-safe transport bounds for the given endpoints.
func DefaultConfig(receptionURL, authorizationURL string) Config {
	return Config{
		ReceptionURL:     receptionURL,
		AuthorizationURL: authorizationURL,
		RequestTimeout:   15 * time.Second,
		TransportRetries: 2,
	}
}

// Client talks to the authority. Stateless per call; the underlying
// connection pool is shared.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
}

// Ensure compile-time interface compliance.
var _ authority.Client = (*Client)(nil)

// NewClient creates the client.
func NewClient(cfg Config) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.TransportRetries
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = nil // request logging happens at the orchestrator level

	return &Client{cfg: cfg, http: rc}
}

// Submit transmits a signed payload to the reception endpoint.
// A RETURNED reception is a permanent failure: the payload is structurally
// invalid and must not be retried unchanged.
func (c *Client) Submit(ctx context.Context, payload []byte) (*authority.Receipt, error) {
	body, err := c.post(ctx, c.cfg.ReceptionURL, payload)
	if err != nil {
		return nil, err
	}

	var resp receptionResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, apperror.NewTransientProtocol("unparseable reception response", err)
	}

	switch resp.Status {
	case receptionReceived:
		return &authority.Receipt{ReceivedAt: time.Now().UTC()}, nil
	case receptionReturned:
		return nil, apperror.NewPermanentProtocol("submission returned by authority", nil).
			WithDetail("messages", resp.Messages)
	default:
		return nil, apperror.NewTransientProtocol(
			fmt.Sprintf("unknown reception status %q", resp.Status), nil)
	}
}

// Poll queries the authorization endpoint for an access key's verdict.
func (c *Client) Poll(ctx context.Context, accessKey string) (*authority.Outcome, error) {
	req, err := xml.Marshal(authorizationRequest{AccessKey: accessKey})
	if err != nil {
		return nil, fmt.Errorf("encode authorization request: %w", err)
	}

	body, err := c.post(ctx, c.cfg.AuthorizationURL, req)
	if err != nil {
		return nil, err
	}

	var resp authorizationResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, apperror.NewTransientProtocol("unparseable authorization response", err)
	}

	switch resp.Status {
	case authorizationPending:
		return &authority.Outcome{State: authority.StatePending}, nil
	case authorizationAuthorized:
		ts, err := time.Parse(time.RFC3339, resp.Timestamp)
		if err != nil {
			ts = time.Now().UTC()
		}
		return &authority.Outcome{
			State:               authority.StateAuthorized,
			AuthorizationNumber: resp.AuthorizationNumber,
			AuthorizedAt:        ts,
		}, nil
	case authorizationRejected:
		return &authority.Outcome{
			State:   authority.StateRejected,
			Reasons: resp.Reasons,
		}, nil
	default:
		return nil, apperror.NewTransientProtocol(
			fmt.Sprintf("unknown authorization status %q", resp.Status), nil)
	}
}

// post sends an XML body and classifies transport failures.
func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failure or retry budget exhausted on connection errors
		return nil, apperror.NewTransientProtocol("authority unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperror.NewTransientProtocol("read authority response", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, apperror.NewTransientProtocol(
			fmt.Sprintf("authority unavailable (%d)", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, apperror.NewPermanentProtocol(
			fmt.Sprintf("authority refused request (%d)", resp.StatusCode), nil)
	}
	return data, nil
}
