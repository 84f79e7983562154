package parser

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Traefik access logs in JSON (common pattern):
// {"ClientAddr":"127.0.0.1:54321","ClientHost":"127.0.0.1","DownstreamStatus":200,"RequestMethod":"GET","RequestPath":"/","StartUTC":"2020-10-10T13:55:36.123Z"}

type traefikLog struct {
	ClientAddr       string `json:"ClientAddr"`
	ClientHost       string `json:"ClientHost"`
	DownstreamStatus int    `json:"DownstreamStatus"`
	RequestMethod    string `json:"RequestMethod"`
	RequestPath      string `json:"RequestPath"`
	StartUTC         string `json:"StartUTC"`
}

type traefikParser struct{}

func (traefikParser) Parse(line string) (*Event, error) {
	var tl traefikLog
	if err := json.Unmarshal([]byte(line), &tl); err != nil {
		return nil, fmt.Errorf("traefik parser: invalid json: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, tl.StartUTC)
	if err != nil {
		return nil, fmt.Errorf("traefik parser: parse StartUTC: %w", err)
	}

	ip := tl.ClientHost
	if ip == "" && tl.ClientAddr != "" {
		// ClientAddr is "ip:port"; SplitHostPort handles bracketed IPv6.
		if host, _, err := net.SplitHostPort(tl.ClientAddr); err == nil {
			ip = host
		} else {
			ip = tl.ClientAddr
		}
	}

	return &Event{
		ClientIP:  ip,
		Method:    tl.RequestMethod,
		Path:      stripQuery(tl.RequestPath),
		Status:    tl.DownstreamStatus,
		Timestamp: ts,
	}, nil
}
