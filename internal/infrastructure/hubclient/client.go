package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-fhircast/internal/fhircast"
	"go-fhircast/internal/infrastructure/logger"
)

const maxErrorBody = 4096

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HubError is returned when the hub answers with a non-2xx status.
type HubError struct {
	Status int
	Body   string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub responded with status %d: %s", e.Status, e.Body)
}

// Client talks to the HTTP side of a FHIRcast hub. The base URL is the hub endpoint
// itself (for example https://example.com/fhircast/STU2); credentials, if any, are
// expected to be part of it or of the injected Doer.
type Client struct {
	baseURL *url.URL
	doer    Doer
	logger  logger.Logger
}

type Option func(*Client)

// WithDoer replaces the default *http.Client.
func WithDoer(doer Doer) Option {
	return func(c *Client) {
		c.doer = doer
	}
}

// New creates a Client for the hub at baseURL.
func New(baseURL string, timeout time.Duration, log logger.Logger, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("hub url %q must be http or https", baseURL)
	}

	c := &Client{
		baseURL: parsed,
		doer:    &http.Client{Timeout: timeout},
		logger:  log.WithField("component", "hub-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type subscribeResponse struct {
	Endpoint string `json:"hub.channel.endpoint"`
}

// Subscribe registers req with the hub and returns the websocket endpoint the hub
// assigned to the subscription.
func (c *Client) Subscribe(ctx context.Context, req fhircast.SubscriptionRequest) (string, error) {
	req.Mode = fhircast.ModeSubscribe
	req.Endpoint = ""

	body, err := c.postForm(ctx, &req)
	if err != nil {
		return "", err
	}

	var resp subscribeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode subscribe response: %w", err)
	}
	if resp.Endpoint == "" {
		return "", errors.New("subscribe response did not include hub.channel.endpoint")
	}

	c.logger.Infof("Subscribed to topic %s, channel endpoint %s", req.Topic, resp.Endpoint)
	return resp.Endpoint, nil
}

// Unsubscribe cancels the subscription identified by req, which should carry the
// endpoint returned by Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, req fhircast.SubscriptionRequest) error {
	req.Mode = fhircast.ModeUnsubscribe
	if _, err := c.postForm(ctx, &req); err != nil {
		return err
	}
	c.logger.Infof("Unsubscribed from topic %s", req.Topic)
	return nil
}

// Publish posts envelope to the hub under its topic.
func (c *Client) Publish(ctx context.Context, envelope *fhircast.MessageEnvelope) error {
	if envelope == nil || envelope.Event.Topic == "" {
		return fmt.Errorf("%w: envelope with a topic is required", fhircast.ErrInvalidArgument)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	target := c.baseURL.JoinPath(envelope.Event.Topic)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if _, err := c.do(httpReq); err != nil {
		return err
	}
	c.logger.Debugf("Published %s event %s to topic %s", envelope.Event.Event, envelope.ID, envelope.Event.Topic)
	return nil
}

func (c *Client) postForm(ctx context.Context, req *fhircast.SubscriptionRequest) ([]byte, error) {
	form, err := fhircast.SerializeSubscriptionRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String(), strings.NewReader(form))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", req.Mode, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(httpReq)
}

func (c *Client) do(httpReq *http.Request) ([]byte, error) {
	resp, err := c.doer.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", httpReq.Method, httpReq.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read hub response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &HubError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
