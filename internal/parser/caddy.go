package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Caddy v2 logs JSON with ts as unix seconds (default encoder) or a formatted string:
// {"ts":1602338136.123,"request":{"remote_ip":"127.0.0.1","client_ip":"127.0.0.1","method":"GET","uri":"/"},"status":200}

type caddyLog struct {
	TS      json.RawMessage `json:"ts"`
	Request struct {
		RemoteIP string `json:"remote_ip"`
		ClientIP string `json:"client_ip"`
		Method   string `json:"method"`
		URI      string `json:"uri"`
	} `json:"request"`
	Status int `json:"status"`
}

type caddyParser struct{}

func (caddyParser) Parse(line string) (*Event, error) {
	var cl caddyLog
	if err := json.Unmarshal([]byte(line), &cl); err != nil {
		return nil, fmt.Errorf("caddy parser: invalid json: %w", err)
	}

	ts, err := parseCaddyTS(cl.TS)
	if err != nil {
		return nil, fmt.Errorf("caddy parser: %w", err)
	}

	// client_ip honors trusted proxies; remote_ip is the socket peer.
	ip := cl.Request.ClientIP
	if ip == "" {
		ip = cl.Request.RemoteIP
	}

	return &Event{
		ClientIP:  ip,
		Method:    cl.Request.Method,
		Path:      stripQuery(cl.Request.URI),
		Status:    cl.Status,
		Timestamp: ts,
	}, nil
}

func parseCaddyTS(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing ts")
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("ts is neither a number nor a string")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006/01/02 15:04:05.000", "2006/01/02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized ts %q", s)
}
