package source

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/cloudflare"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/model"
)

type fakeAnalytics struct {
	token string
	q     cloudflare.AnalyticsQuery
}

func (f *fakeAnalytics) FetchAnalytics(_ context.Context, token string, q cloudflare.AnalyticsQuery) (*model.Snapshot, error) {
	f.token, f.q = token, q
	return &model.Snapshot{Blocked: model.BlockedSet{}}, nil
}

func TestGraphQLFetchPassesQuery(t *testing.T) {
	api := &fakeAnalytics{}
	start := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	_, err := NewGraphQL(api, 500).Fetch(context.Background(), Query{
		ZoneID: "zone1", APIToken: "tok", Start: start, End: end, MonitorPaths: []string{"/api"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := cloudflare.AnalyticsQuery{ZoneTag: "zone1", Start: start, End: end, MonitorPaths: []string{"/api"}, Limit: 500}
	if api.token != "tok" || !reflect.DeepEqual(api.q, want) {
		t.Errorf("want token tok and %+v, got %q and %+v", want, api.token, api.q)
	}
}

const accessLog = `203.0.113.1 - - [16/Oct/2026:09:59:00 +0000] "GET /api/old HTTP/1.1" 200 10 "-" "ua"
203.0.113.1 - - [16/Oct/2026:10:05:00 +0000] "GET /api/users?page=2 HTTP/1.1" 200 10 "-" "ua"
203.0.113.1 - - [16/Oct/2026:10:06:00 +0000] "GET /static/app.js HTTP/1.1" 200 10 "-" "ua"
this line is garbage
203.0.113.2 - - [16/Oct/2026:10:07:00 +0000] "GET /static/app.js HTTP/1.1" 403 10 "-" "ua"
203.0.113.2 - - [16/Oct/2026:10:08:00 +0000] "POST /api/login HTTP/1.1" 200 10 "-" "ua"
203.0.113.3 - - [16/Oct/2026:11:30:00 +0000] "GET /api/late HTTP/1.1" 403 10 "-" "ua"
`

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileFetch(t *testing.T) {
	f, err := NewFile(&config.FileSourceConfig{Path: writeLog(t, accessLog), Parser: "nginx_combined", BlockedStatuses: []int{403}}, 0, logging.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

	snap, err := f.Fetch(context.Background(), Query{Start: start, End: start.Add(time.Hour), MonitorPaths: []string{"/api"}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	wantRecords := []model.RequestRecord{
		{ClientID: "203.0.113.1", Path: "/api/users"},
		{ClientID: "203.0.113.2", Path: "/api/login"},
	}
	if !reflect.DeepEqual(snap.Records, wantRecords) {
		t.Errorf("records: want %v, got %v", wantRecords, snap.Records)
	}
	// Blocked membership ignores the path filter but not the window.
	if !reflect.DeepEqual(snap.Blocked, model.NewBlockedSet("203.0.113.2")) {
		t.Errorf("blocked: got %v", snap.Blocked)
	}
}

func TestFileFetchAllPaths(t *testing.T) {
	f, err := NewFile(&config.FileSourceConfig{Path: writeLog(t, accessLog), Parser: "nginx", BlockedStatuses: []int{403}}, 0, logging.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	snap, err := f.Fetch(context.Background(), Query{Start: start, End: start.Add(time.Hour)})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(snap.Records) != 4 {
		t.Errorf("want 4 records in window, got %v", snap.Records)
	}
}

func TestFileFetchKeepsNewestRecordsUpToLimit(t *testing.T) {
	f, err := NewFile(&config.FileSourceConfig{Path: writeLog(t, accessLog), Parser: "nginx", BlockedStatuses: []int{403}}, 3, logging.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	snap, err := f.Fetch(context.Background(), Query{Start: start, End: start.Add(time.Hour)})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []model.RequestRecord{
		{ClientID: "203.0.113.1", Path: "/static/app.js"},
		{ClientID: "203.0.113.2", Path: "/static/app.js"},
		{ClientID: "203.0.113.2", Path: "/api/login"},
	}
	if !reflect.DeepEqual(snap.Records, want) {
		t.Errorf("records: want %v, got %v", want, snap.Records)
	}
	if !reflect.DeepEqual(snap.Blocked, model.NewBlockedSet("203.0.113.2")) {
		t.Errorf("blocked: got %v", snap.Blocked)
	}
}

func TestFileMissing(t *testing.T) {
	f, err := NewFile(&config.FileSourceConfig{Path: filepath.Join(t.TempDir(), "nope.log"), Parser: "nginx"}, 0, logging.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = f.Fetch(context.Background(), Query{End: time.Now()})
	if apierr.Kind(err) != "internal" {
		t.Errorf("want internal error, got %v", err)
	}
}

func TestNew(t *testing.T) {
	cfg := config.Default()
	s, err := New(cfg, nil, logging.NewNop())
	if err != nil || s.Name() != "graphql" {
		t.Fatalf("default: got %v, %v", s, err)
	}

	cfg.Source = config.SourceConfig{Type: "file", File: &config.FileSourceConfig{Path: "/var/log/x.log", Parser: "iis"}}
	if _, err := New(cfg, nil, logging.NewNop()); err == nil || !strings.Contains(err.Error(), "iis") {
		t.Errorf("want unknown parser error, got %v", err)
	}
}
