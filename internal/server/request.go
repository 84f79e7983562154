package server

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/apierr"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/firewall"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/pipeline"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/rules"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/source"
)

// analysisRequest is the POST / body. The form posts every value as a string.
type analysisRequest struct {
	ZoneID       string   `json:"zoneId"`
	APIToken     string   `json:"apiToken"`
	MonitorPaths pathList `json:"monitorPaths"`
	ExcludePaths pathList `json:"excludePaths"`
	MaxTopPaths  flexInt  `json:"maxTopPathsPerIP"`
	TimeRange    flexInt  `json:"timeRange"` // minutes
	RequestCount flexInt  `json:"requestCount"`
	Comparison   string   `json:"comparison"`
	FilterID     string   `json:"filterId"`
	RuleID       string   `json:"ruleId"`
}

// flexInt accepts a JSON number or a numeric string. Empty strings and null
// leave it unset; anything else that is not an integer is kept in bad.
type flexInt struct {
	set   bool
	value int
	bad   string
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f.set = true
	n, err := strconv.Atoi(s)
	if err != nil {
		f.bad = s
		return nil
	}
	f.value = n
	return nil
}

// pathList accepts a comma-separated string or an array of strings. Entries
// are trimmed and empty ones dropped.
type pathList struct {
	set   bool
	paths []string
}

func (p *pathList) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var raw []string
	if strings.HasPrefix(strings.TrimSpace(string(b)), "[") {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.Split(s, ",")
	}
	p.set = true
	p.paths = nil
	for _, e := range raw {
		if e = strings.TrimSpace(e); e != "" {
			p.paths = append(p.paths, e)
		}
	}
	return nil
}

// intField resolves an optional integer against its default and bounds.
func intField(name string, f flexInt, def, lo, hi int) (int, error) {
	if f.bad != "" {
		return 0, apierr.Invalid(name, "%q is not an integer", f.bad)
	}
	if !f.set {
		return def, nil
	}
	if f.value < lo || f.value > hi {
		return 0, apierr.Invalid(name, "must be between %d and %d", lo, hi)
	}
	return f.value, nil
}

// params validates req and turns it into pipeline parameters. Nothing here
// touches the network, so every bad input is rejected before a remote call.
func (req *analysisRequest) params(defaults config.AnalysisConfig, now time.Time) (pipeline.Params, error) {
	var p pipeline.Params

	req.ZoneID = strings.TrimSpace(req.ZoneID)
	req.APIToken = strings.TrimSpace(req.APIToken)
	if req.ZoneID == "" {
		return p, apierr.Invalid("zoneId", "is required")
	}
	if !config.ValidID(req.ZoneID) {
		return p, apierr.Invalid("zoneId", "must be 1-64 letters or digits")
	}
	if req.APIToken == "" {
		return p, apierr.Invalid("apiToken", "is required")
	}

	maxTop, err := intField("maxTopPathsPerIP", req.MaxTopPaths, defaults.MaxTopPaths, config.MinTopPaths, config.MaxTopPaths)
	if err != nil {
		return p, err
	}
	minutes, err := intField("timeRange", req.TimeRange, int(defaults.TimeRange/time.Minute),
		int(config.MinTimeRange/time.Minute), int(config.MaxTimeRange/time.Minute))
	if err != nil {
		return p, err
	}
	if !req.RequestCount.set {
		return p, apierr.Invalid("requestCount", "is required")
	}
	threshold, err := intField("requestCount", req.RequestCount, 0, 1, int(^uint(0)>>1))
	if err != nil {
		return p, err
	}

	cmp := defaults.Comparison
	if req.Comparison != "" {
		cmp = req.Comparison
	}
	comparison, ok := rules.ParseComparison(cmp)
	if !ok {
		return p, apierr.Invalid("comparison", "must be %q or %q", config.CompareGTE, config.CompareGT)
	}

	req.FilterID = strings.TrimSpace(req.FilterID)
	req.RuleID = strings.TrimSpace(req.RuleID)
	if (req.FilterID == "") != (req.RuleID == "") {
		return p, apierr.Invalid("filterId", "filterId and ruleId must be given together")
	}
	if req.FilterID != "" {
		if !config.ValidID(req.FilterID) {
			return p, apierr.Invalid("filterId", "must be 1-64 letters or digits")
		}
		if !config.ValidID(req.RuleID) {
			return p, apierr.Invalid("ruleId", "must be 1-64 letters or digits")
		}
		p.Target = &firewall.Target{
			ZoneID:   req.ZoneID,
			APIToken: req.APIToken,
			FilterID: req.FilterID,
			RuleID:   req.RuleID,
		}
	}

	monitor := defaults.MonitorPaths
	if req.MonitorPaths.set {
		monitor = req.MonitorPaths.paths
	}
	exclude := defaults.ExcludePaths
	if req.ExcludePaths.set {
		exclude = req.ExcludePaths.paths
	}

	end := now.UTC()
	p.Query = source.Query{
		ZoneID:       req.ZoneID,
		APIToken:     req.APIToken,
		Start:        end.Add(-time.Duration(minutes) * time.Minute),
		End:          end,
		MonitorPaths: monitor,
	}
	p.Analysis = rules.Options{
		ExcludePaths: exclude,
		Threshold:    threshold,
		MaxTopPaths:  maxTop,
		Comparison:   comparison,
	}
	return p, nil
}
