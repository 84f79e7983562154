// Package parser turns webserver access log lines into normalized request events.
package parser

import (
	"errors"
	"strings"
	"time"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/model"
)

// ErrUnknownParser is returned when an unsupported parser name is requested.
var ErrUnknownParser = errors.New("unknown parser")

// Event represents a normalized HTTP request extracted from a log line.
type Event struct {
	ClientIP  string
	Method    string
	Path      string // without query string
	Status    int
	Timestamp time.Time
}

// Record returns the event as an aggregation input.
func (e *Event) Record() model.RequestRecord {
	return model.RequestRecord{ClientID: e.ClientIP, Path: e.Path}
}

// Parser defines the interface implemented by log parsers.
type Parser interface {
	Parse(line string) (*Event, error)
}

// New returns a parser implementation by name.
func New(name string) (Parser, error) {
	switch name {
	case "nginx_combined", "nginx":
		return newCLFParser("nginx", true), nil
	case "apache_common", "apache":
		return newCLFParser("apache", false), nil
	case "caddy":
		return caddyParser{}, nil
	case "traefik":
		return traefikParser{}, nil
	default:
		return nil, ErrUnknownParser
	}
}

// stripQuery drops the query string so /a?x=1 and /a?x=2 count as one path,
// matching how the analytics API reports clientRequestPath.
func stripQuery(uri string) string {
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		return uri[:i]
	}
	return uri
}
