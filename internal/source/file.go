package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/logtail"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/model"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/parser"
)

// File reads a local webserver access log. A client counts as blocked when any
// of its requests in the window got one of the blocked statuses. ZoneID and
// APIToken of the query are ignored. Like the GraphQL source, a fetch returns at
// most limit request records, keeping the most recent ones.
type File struct {
	reader  *logtail.Reader
	parser  parser.Parser
	blocked map[int]struct{}
	limit   int
	logger  *logging.Logger
}

// NewFile builds a File source from cfg. limit is the record cap per fetch;
// values outside (0, config.MaxRowLimit] mean config.MaxRowLimit.
func NewFile(cfg *config.FileSourceConfig, limit int, logger *logging.Logger) (*File, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("file source: path is required")
	}
	p, err := parser.New(cfg.Parser)
	if err != nil {
		return nil, fmt.Errorf("file source: parser %q: %w", cfg.Parser, err)
	}
	blocked := make(map[int]struct{}, len(cfg.BlockedStatuses))
	for _, s := range cfg.BlockedStatuses {
		blocked[s] = struct{}{}
	}
	if limit <= 0 || limit > config.MaxRowLimit {
		limit = config.MaxRowLimit
	}
	return &File{
		reader:  logtail.New(cfg.Path, logger),
		parser:  p,
		blocked: blocked,
		limit:   limit,
		logger:  logger,
	}, nil
}

func (f *File) Name() string {
	return "file"
}

func (f *File) Fetch(ctx context.Context, q Query) (*model.Snapshot, error) {
	if q.End.Before(q.Start) {
		return nil, apierr.Invalid("timeRange", "end is before start")
	}

	prefixes := make([]string, 0, len(q.MonitorPaths))
	for _, p := range q.MonitorPaths {
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}

	snap := &model.Snapshot{Blocked: make(model.BlockedSet)}
	// ring holds the newest f.limit matching records; next is the oldest slot once full.
	ring := make([]model.RequestRecord, 0, min(f.limit, 1024))
	var bad, matched, next int
	err := f.reader.ReadAll(ctx, func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		ev, err := f.parser.Parse(line)
		if err != nil {
			bad++
			return
		}
		if ev.Timestamp.Before(q.Start) || ev.Timestamp.After(q.End) {
			return
		}
		if _, ok := f.blocked[ev.Status]; ok {
			snap.Blocked[ev.ClientIP] = struct{}{}
		}
		if !hasAnyPrefix(ev.Path, prefixes) {
			return
		}
		matched++
		if len(ring) < f.limit {
			ring = append(ring, ev.Record())
			return
		}
		ring[next] = ev.Record()
		next = (next + 1) % f.limit
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, &apierr.RemoteAPIError{Op: "read log", Message: "request canceled", Err: err}
		}
		return nil, &apierr.InternalError{Err: fmt.Errorf("read %s: %w", f.reader.Path(), err)}
	}
	snap.Records = make([]model.RequestRecord, 0, len(ring))
	snap.Records = append(snap.Records, ring[next:]...)
	snap.Records = append(snap.Records, ring[:next]...)
	if matched > f.limit {
		f.logger.Warnf("file source hit the row limit: file=%s matched=%d kept=%d", f.reader.Path(), matched, f.limit)
	}
	if bad > 0 {
		f.logger.Debugf("file source skipped unparsable lines: file=%s count=%d", f.reader.Path(), bad)
	}
	return snap, nil
}

// hasAnyPrefix reports whether path starts with one of prefixes. No prefixes matches everything.
func hasAnyPrefix(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
