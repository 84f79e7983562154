package firewall

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/cloudflare"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/model"
)

type fakeBackend struct {
	calls []string // expressions
	ips   [][]string
	err   error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Replace(_ context.Context, _ Target, expr string, ips []string) (Applied, error) {
	f.calls = append(f.calls, expr)
	f.ips = append(f.ips, ips)
	if f.err != nil {
		return Applied{}, f.err
	}
	return Applied{RuleUpdate: json.RawMessage(`{"success":true}`)}, nil
}

func partitionOf(blocked, unblocked []string) model.Partition {
	var p model.Partition
	for _, id := range blocked {
		p.Blocked = append(p.Blocked, model.ClientAggregate{ClientID: id})
	}
	for _, id := range unblocked {
		p.UnBlocked = append(p.UnBlocked, model.ClientAggregate{ClientID: id})
	}
	return p
}

func TestManagerApply(t *testing.T) {
	fb := &fakeBackend{}
	m := NewManager(fb, &config.BackendConfig{Whitelist: []string{"10.0.0.0/8", "192.0.2.9"}}, logging.NewNop(), nil)

	p := partitionOf(
		[]string{"198.51.100.1", "10.1.2.3"},
		[]string{"192.0.2.9", "198.51.100.1", "not-an-ip", "2001:DB8::1"},
	)
	res, err := m.Apply(context.Background(), Target{ZoneID: "z"}, p)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	wantIPs := []string{"198.51.100.1", "2001:db8::1"}
	if !reflect.DeepEqual(res.IPs, wantIPs) {
		t.Errorf("ips: want %v, got %v", wantIPs, res.IPs)
	}
	if want := "(ip.src in {198.51.100.1 2001:db8::1})"; res.Expression != want || fb.calls[0] != want {
		t.Errorf("expression: want %q, got %q (backend saw %q)", want, res.Expression, fb.calls[0])
	}
	if !reflect.DeepEqual(res.Whitelisted, []string{"10.1.2.3", "192.0.2.9"}) {
		t.Errorf("whitelisted: got %v", res.Whitelisted)
	}
	if !reflect.DeepEqual(res.Rejected, []string{"not-an-ip"}) {
		t.Errorf("rejected: got %v", res.Rejected)
	}
	if string(res.RuleUpdate) != `{"success":true}` {
		t.Errorf("rule update: got %s", res.RuleUpdate)
	}
}

func TestManagerClearWritesMatchNothing(t *testing.T) {
	fb := &fakeBackend{}
	m := NewManager(fb, &config.BackendConfig{}, logging.NewNop(), nil)
	res, err := m.Clear(context.Background(), Target{})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if res.Expression != cloudflare.MatchNothing || fb.calls[0] != cloudflare.MatchNothing {
		t.Errorf("want match-nothing expression, got %q", res.Expression)
	}
	if len(fb.ips[0]) != 0 {
		t.Errorf("want no ips, got %v", fb.ips[0])
	}
}

func TestManagerDryRunSkipsBackend(t *testing.T) {
	fb := &fakeBackend{}
	m := NewManager(fb, &config.BackendConfig{DryRun: true}, logging.NewNop(), nil)
	res, err := m.Apply(context.Background(), Target{}, partitionOf(nil, []string{"192.0.2.1"}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.DryRun || len(fb.calls) != 0 {
		t.Errorf("dry run must not call the backend: dryRun=%t calls=%d", res.DryRun, len(fb.calls))
	}
	if res.Expression != "(ip.src in {192.0.2.1})" {
		t.Errorf("expression still computed in dry run, got %q", res.Expression)
	}
}

func TestManagerPropagatesBackendError(t *testing.T) {
	fb := &fakeBackend{err: &apierr.RemoteAPIError{Op: "update filter", Message: "denied"}}
	m := NewManager(fb, &config.BackendConfig{}, logging.NewNop(), nil)
	_, err := m.Apply(context.Background(), Target{}, partitionOf(nil, []string{"192.0.2.1"}))
	var remote *apierr.RemoteAPIError
	if !errors.As(err, &remote) {
		t.Fatalf("want RemoteAPIError, got %v", err)
	}
}

type fakeRuleAPI struct {
	steps     []string
	filter    cloudflare.FilterUpdate
	rule      cloudflare.RuleUpdate
	filterErr error
	ruleErr   error
}

func (f *fakeRuleAPI) UpdateFilter(_ context.Context, token, zoneID string, u cloudflare.FilterUpdate) (json.RawMessage, error) {
	f.steps = append(f.steps, "filter:"+zoneID+":"+token)
	f.filter = u
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	return json.RawMessage(`{"result":"filter"}`), nil
}

func (f *fakeRuleAPI) UpdateRule(_ context.Context, token, zoneID string, r cloudflare.RuleUpdate) (json.RawMessage, error) {
	f.steps = append(f.steps, "rule:"+zoneID+":"+token)
	f.rule = r
	if f.ruleErr != nil {
		return nil, f.ruleErr
	}
	return json.RawMessage(`{"result":"rule"}`), nil
}

var testTarget = Target{ZoneID: "zone1", APIToken: "tok", FilterID: "f1", RuleID: "r1"}

func TestCloudflareBackendOrder(t *testing.T) {
	api := &fakeRuleAPI{}
	b := NewCloudflareBackend(api, nil, logging.NewNop())
	got, err := b.Replace(context.Background(), testTarget, "(ip.src in {192.0.2.1})", []string{"192.0.2.1"})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if want := []string{"filter:zone1:tok", "rule:zone1:tok"}; !reflect.DeepEqual(api.steps, want) {
		t.Errorf("steps: want %v, got %v", want, api.steps)
	}
	if api.filter.ID != "f1" || api.filter.Expression != "(ip.src in {192.0.2.1})" {
		t.Errorf("filter body: got %+v", api.filter)
	}
	wantRule := cloudflare.RuleUpdate{ID: "r1", Description: "rate-limit", Filter: cloudflare.FilterRef{ID: "f1"}, Action: "block", Priority: 1}
	if api.rule != wantRule {
		t.Errorf("rule body: want %+v, got %+v", wantRule, api.rule)
	}
	if string(got.FilterUpdate) != `{"result":"filter"}` || string(got.RuleUpdate) != `{"result":"rule"}` {
		t.Errorf("responses: got %s / %s", got.FilterUpdate, got.RuleUpdate)
	}
}

func TestCloudflareBackendRuleSettings(t *testing.T) {
	api := &fakeRuleAPI{}
	b := NewCloudflareBackend(api, &config.CloudflareRuleConfig{Description: "abuse", Action: "managed_challenge", Priority: 7}, logging.NewNop())
	if _, err := b.Replace(context.Background(), testTarget, cloudflare.MatchNothing, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if api.rule.Description != "abuse" || api.rule.Action != "managed_challenge" || api.rule.Priority != 7 {
		t.Errorf("rule settings ignored: %+v", api.rule)
	}
}

func TestCloudflareBackendFilterFailureSkipsRule(t *testing.T) {
	api := &fakeRuleAPI{filterErr: &apierr.RemoteAPIError{Op: "update filter", Message: "bad filter"}}
	b := NewCloudflareBackend(api, nil, logging.NewNop())
	_, err := b.Replace(context.Background(), testTarget, cloudflare.MatchNothing, nil)
	if err == nil || len(api.steps) != 1 {
		t.Fatalf("want error and no rule call, got err=%v steps=%v", err, api.steps)
	}
}

func TestCloudflareBackendPartialUpdate(t *testing.T) {
	api := &fakeRuleAPI{ruleErr: &apierr.RemoteAPIError{Op: "update rule", StatusCode: 400, Message: "bad rule"}}
	b := NewCloudflareBackend(api, nil, logging.NewNop())
	got, err := b.Replace(context.Background(), testTarget, cloudflare.MatchNothing, nil)

	var remote *apierr.RemoteAPIError
	if !errors.As(err, &remote) {
		t.Fatalf("want RemoteAPIError, got %v", err)
	}
	if !strings.Contains(remote.Message, "partial update") || !strings.Contains(remote.Message, "bad rule") {
		t.Errorf("message should name the partial update and the cause, got %q", remote.Message)
	}
	if got.FilterUpdate == nil {
		t.Error("filter response should be kept on partial update")
	}
}

func TestCloudflareBackendRequiresIDs(t *testing.T) {
	for _, tgt := range []Target{
		{ZoneID: "zone1", APIToken: "tok", RuleID: "r1"},
		{ZoneID: "zone1", APIToken: "tok", FilterID: "f1"},
	} {
		api := &fakeRuleAPI{}
		_, err := NewCloudflareBackend(api, nil, logging.NewNop()).Replace(context.Background(), tgt, cloudflare.MatchNothing, nil)
		if apierr.Kind(err) != "validation" {
			t.Errorf("target %+v: want validation error, got %v", tgt, err)
		}
		if len(api.steps) != 0 {
			t.Errorf("target %+v: want no API calls, got %v", tgt, api.steps)
		}
	}
}

func TestHTTPAPIBackend(t *testing.T) {
	var got apiRequest
	var auth, custom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		custom = r.Header.Get("X-Source")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	b := NewHTTPAPIBackend(&config.HTTPAPIConfig{URL: srv.URL, AuthToken: "secret", Headers: map[string]string{"X-Source": "cfmon"}}, logging.NewNop())
	res, err := b.Replace(context.Background(), Target{ZoneID: "z"}, "(ip.src in {192.0.2.1})", []string{"192.0.2.1"})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got.Action != "replace" || !reflect.DeepEqual(got.IPs, []string{"192.0.2.1"}) || got.Expression != "(ip.src in {192.0.2.1})" {
		t.Errorf("unexpected payload %+v", got)
	}
	if auth != "Bearer secret" || custom != "cfmon" {
		t.Errorf("headers: auth=%q custom=%q", auth, custom)
	}
	if string(res.RuleUpdate) != `{"ok":true}` {
		t.Errorf("response: got %s", res.RuleUpdate)
	}
}

func TestHTTPAPIBackendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewHTTPAPIBackend(&config.HTTPAPIConfig{URL: srv.URL}, logging.NewNop())
	_, err := b.Replace(context.Background(), Target{}, cloudflare.MatchNothing, nil)
	var remote *apierr.RemoteAPIError
	if !errors.As(err, &remote) || remote.StatusCode != http.StatusServiceUnavailable || !remote.Retryable {
		t.Errorf("want retryable RemoteAPIError with status 503, got %v", err)
	}
}

func TestManagerValidatesBeforeHTTPAPI(t *testing.T) {
	var got apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	b := NewHTTPAPIBackend(&config.HTTPAPIConfig{URL: srv.URL}, logging.NewNop())
	m := NewManager(b, &config.BackendConfig{}, logging.NewNop(), nil)
	res, err := m.Apply(context.Background(), Target{ZoneID: "z"}, partitionOf([]string{"not-an-ip", "2001:DB8::1", "192.0.2.1", "192.0.2.1"}, nil))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := []string{"2001:db8::1", "192.0.2.1"}
	if !reflect.DeepEqual(got.IPs, want) {
		t.Errorf("posted ips: want %v, got %v", want, got.IPs)
	}
	if !reflect.DeepEqual(res.Rejected, []string{"not-an-ip"}) {
		t.Errorf("rejected: want [not-an-ip], got %v", res.Rejected)
	}
}

func TestWhitelistMatcher(t *testing.T) {
	m := newWhitelistMatcher([]string{"192.0.2.1", "10.0.0.0/8", "2001:db8::/32", "garbage"})
	for ip, want := range map[string]bool{
		"192.0.2.1":        true,
		"::ffff:192.0.2.1": true,
		"10.200.0.1":       true,
		"2001:db8::5":      true,
		"192.0.2.2":        false,
		"not-an-ip":        false,
	} {
		if got := m.Contains(ip); got != want {
			t.Errorf("Contains(%q): want %t, got %t", ip, want, got)
		}
	}
}

func TestNewBackend(t *testing.T) {
	cfg := config.Default()
	b, err := NewBackend(cfg, nil, logging.NewNop())
	if err != nil || b != nil {
		t.Errorf("empty type: want nil backend, got %v, %v", b, err)
	}

	cfg.Backend = config.BackendConfig{Type: "http_api", HTTP: &config.HTTPAPIConfig{URL: "http://127.0.0.1"}}
	if b, err := NewBackend(cfg, nil, logging.NewNop()); err != nil || b.Name() != "http_api" {
		t.Errorf("http_api: got %v, %v", b, err)
	}

	cfg.Backend = config.BackendConfig{Type: "iptables"}
	if _, err := NewBackend(cfg, nil, logging.NewNop()); err == nil {
		t.Error("want error for unsupported backend")
	}
}
