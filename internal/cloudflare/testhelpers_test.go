package cloudflare

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
)

// newTestClient points a Client at a test server for both GraphQL and REST calls.
func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(&config.CloudflareConfig{
		GraphQLURL: srv.URL + "/graphql",
		APIURL:     srv.URL + "/client/v4",
		Timeout:    2 * time.Second,
	}, logging.NewNop(), nil)
}
