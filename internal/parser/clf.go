package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Common and combined log formats:
// 127.0.0.1 - frank [10/Oct/2000:13:55:36 -0700] "GET /apache_pb.gif HTTP/1.0" 200 2326
// 127.0.0.1 - - [10/Oct/2000:13:55:36 -0700] "GET /index.html HTTP/1.1" 200 2326 "-" "UserAgent"
var (
	combinedRe = regexp.MustCompile(`^(\S+) \S+ \S+ \[([^\]]+)\] "([A-Z]+) ([^" ]*)(?: HTTP/[0-9.]+)?" (\d{3}) \S+ "([^"]*)" "([^"]*)"`)
	commonRe   = regexp.MustCompile(`^(\S+) \S+ \S+ \[([^\]]+)\] "([A-Z]+) ([^" ]*)(?: HTTP/[0-9.]+)?" (\d{3}) \S+`)
	clfTime    = "02/Jan/2006:15:04:05 -0700"
)

// clfParser handles nginx "combined" and apache "common" lines. The combined
// parser requires the referer and user-agent fields; the common one ignores them.
type clfParser struct {
	name string
	re   *regexp.Regexp
}

func newCLFParser(name string, combined bool) *clfParser {
	re := commonRe
	if combined {
		re = combinedRe
	}
	return &clfParser{name: name, re: re}
}

func (p *clfParser) Parse(line string) (*Event, error) {
	m := p.re.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%s parser: line does not match expected format", p.name)
	}

	ts, err := time.Parse(clfTime, m[2])
	if err != nil {
		return nil, fmt.Errorf("%s parser: parse time: %w", p.name, err)
	}

	status, err := strconv.Atoi(m[5])
	if err != nil {
		return nil, fmt.Errorf("%s parser: parse status: %w", p.name, err)
	}

	return &Event{
		ClientIP:  m[1],
		Method:    m[3],
		Path:      stripQuery(m[4]),
		Status:    status,
		Timestamp: ts,
	}, nil
}
