package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/metrics"
)

// fallbackMessage is used when a failed response carries no usable error message.
const fallbackMessage = "failed to fetch data from Cloudflare API"

// maxResponseBytes caps how much of a response body is read. A full page of
// 10000 request rows stays well below this.
const maxResponseBytes = 32 << 20

// Client talks to the Cloudflare GraphQL analytics API and the v4 REST API.
// Every call is a single attempt bounded by the configured timeout; the bearer
// token is supplied per call and never stored.
type Client struct {
	graphqlURL string
	apiURL     string
	timeout    time.Duration
	client     *http.Client
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// NewClient builds a Client from configuration. m may be nil.
func NewClient(cfg *config.CloudflareConfig, logger *logging.Logger, m *metrics.Metrics) *Client {
	return &Client{
		graphqlURL: cfg.GraphQLURL,
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		timeout:    cfg.Timeout,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		metrics:    m,
	}
}

// GraphQLRequest is the POST body of a GraphQL call.
type GraphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// GraphQL posts req and returns the raw response body once it is known to be
// free of API-level errors.
func (c *Client) GraphQL(ctx context.Context, token string, req GraphQLRequest) (json.RawMessage, error) {
	return c.do(ctx, "graphql", http.MethodPost, c.graphqlURL, token, req)
}

// put sends a JSON PUT to a REST path below the API base URL.
func (c *Client) put(ctx context.Context, op, token, path string, payload any) (json.RawMessage, error) {
	return c.do(ctx, op, http.MethodPut, c.apiURL+path, token, payload)
}

func (c *Client) do(ctx context.Context, op, method, url, token string, payload any) (json.RawMessage, error) {
	if token == "" {
		return nil, apierr.Invalid("apiToken", "is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &apierr.InternalError{Err: fmt.Errorf("%s: marshal request: %w", op, err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, &apierr.InternalError{Err: fmt.Errorf("%s: build request: %w", op, err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		rerr := c.transportError(ctx, op, err)
		c.observe(op, outcomeOf(rerr), start, 0)
		return nil, rerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		rerr := c.transportError(ctx, op, err)
		c.observe(op, outcomeOf(rerr), start, resp.StatusCode)
		return nil, rerr
	}

	if err := checkResponse(op, resp.StatusCode, body); err != nil {
		c.observe(op, "error", start, resp.StatusCode)
		return nil, err
	}
	c.observe(op, "ok", start, resp.StatusCode)
	return body, nil
}

// checkResponse turns a non-2xx status, an unparsable body, or an API-level
// error list into a RemoteAPIError.
func checkResponse(op string, status int, body []byte) error {
	failed := status < 200 || status >= 300
	retryable := status == http.StatusTooManyRequests || status >= 500

	if !gjson.ValidBytes(body) {
		msg := "invalid JSON response"
		if failed {
			msg = fallbackMessage
		}
		return &apierr.RemoteAPIError{Op: op, StatusCode: status, Message: msg, Retryable: retryable}
	}

	errs := gjson.GetBytes(body, "errors")
	hasErrors := errs.IsArray() && len(errs.Array()) > 0
	if success := gjson.GetBytes(body, "success"); success.Exists() && !success.Bool() {
		failed = true
	}
	if !failed && !hasErrors {
		return nil
	}

	msg := fallbackMessage
	if m := gjson.GetBytes(body, "errors.0.message"); m.Type == gjson.String && m.Str != "" {
		msg = m.Str
	}
	return &apierr.RemoteAPIError{Op: op, StatusCode: status, Message: msg, Retryable: retryable}
}

// transportError classifies a failure to get a response. Any expired deadline,
// the call's own or the caller's, is a retryable timeout; cancellation by the
// caller is not.
func (c *Client) transportError(parent context.Context, op string, err error) error {
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		return &apierr.RemoteAPIError{Op: op, Message: "timed out: caller deadline exceeded", Retryable: true, Err: parent.Err()}
	}
	if parent.Err() != nil {
		return &apierr.RemoteAPIError{Op: op, Message: "request canceled", Err: parent.Err()}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &apierr.RemoteAPIError{
			Op:        op,
			Message:   fmt.Sprintf("timed out after %s", c.timeout),
			Retryable: true,
			Err:       err,
		}
	}
	return &apierr.RemoteAPIError{Op: op, Message: "request failed: " + err.Error(), Err: err}
}

func outcomeOf(err error) string {
	var remote *apierr.RemoteAPIError
	switch {
	case errors.As(err, &remote) && remote.Retryable:
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func (c *Client) observe(op, outcome string, start time.Time, status int) {
	d := time.Since(start)
	c.metrics.ObserveRemoteCall(op, outcome, d)
	c.logger.Debugf("cloudflare call: op=%s outcome=%s status=%d duration=%s", op, outcome, status, d)
}
