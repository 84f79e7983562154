package firewall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
)

// httpAPIBackend implements Backend by posting the full client list to a webhook.
type httpAPIBackend struct {
	url     string
	token   string
	headers map[string]string
	client  *http.Client
	logger  *logging.Logger
}

func NewHTTPAPIBackend(cfg *config.HTTPAPIConfig, logger *logging.Logger) Backend {
	return &httpAPIBackend{
		url:     cfg.URL,
		token:   cfg.AuthToken,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (b *httpAPIBackend) Name() string {
	return "http_api"
}

type apiRequest struct {
	Action     string   `json:"action"` // always "replace"
	IPs        []string `json:"ips"`
	Expression string   `json:"expression"`
	ZoneID     string   `json:"zone_id,omitempty"`
}

func (b *httpAPIBackend) Replace(ctx context.Context, t Target, expr string, ips []string) (Applied, error) {
	if ips == nil {
		ips = []string{}
	}
	b.logger.Infof("http_api replace: ips=%d url=%s", len(ips), b.url)

	body, err := b.send(ctx, apiRequest{
		Action:     "replace",
		IPs:        ips,
		Expression: expr,
		ZoneID:     t.ZoneID,
	})
	if err != nil {
		return Applied{}, err
	}
	var out Applied
	if gjson.ValidBytes(body) && len(bytes.TrimSpace(body)) > 0 {
		out.RuleUpdate = body
	}
	return out, nil
}

func (b *httpAPIBackend) send(ctx context.Context, payload apiRequest) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &apierr.InternalError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(data))
	if err != nil {
		return nil, &apierr.InternalError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &apierr.RemoteAPIError{Op: "http_api", Message: "http request failed: " + err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &apierr.RemoteAPIError{Op: "http_api", StatusCode: resp.StatusCode, Message: "read response: " + err.Error(), Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, &apierr.RemoteAPIError{
			Op:         "http_api",
			StatusCode: resp.StatusCode,
			Message:    "http request failed: status=" + resp.Status,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}
	return body, nil
}
