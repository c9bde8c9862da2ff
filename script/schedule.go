package script

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/macrodyne/autod/errors"
)

// Schedule kinds.
const (
	ScheduleOnce  = "once"
	ScheduleEvery = "every"
)

// ScheduleSpec is a parsed schedule directive.
type ScheduleSpec struct {
	Kind     string        `json:"kind"`
	Interval time.Duration `json:"interval,omitempty"` // set for "every"
	Raw      string        `json:"raw"`
}

// directiveLineLimit bounds how deep into the body the directive is searched.
const directiveLineLimit = 10

var (
	directiveRe = regexp.MustCompile(`(?i)//\s*@schedule\s+(.+)`)
	everyRe     = regexp.MustCompile(`(?i)^every\s+(\d+)\s*(s|m|h|d)$`)
)

// ParseDirective scans the leading lines of a script body for a schedule
// directive. Returns (nil, nil) when no directive is present; a directive
// with a malformed spec is an error, and the caller treats the script as
// unscheduled.
func ParseDirective(body string) (*ScheduleSpec, error) {
	lines := strings.SplitN(body, "\n", directiveLineLimit+1)
	if len(lines) > directiveLineLimit {
		lines = lines[:directiveLineLimit]
	}
	for _, line := range lines {
		m := directiveRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return ParseScheduleSpec(strings.TrimSpace(m[1]))
	}
	return nil, nil
}

// ParseScheduleSpec parses the spec text after the @schedule marker.
func ParseScheduleSpec(raw string) (*ScheduleSpec, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, ScheduleOnce) {
		return &ScheduleSpec{Kind: ScheduleOnce, Raw: trimmed}, nil
	}

	if m := everyRe.FindStringSubmatch(trimmed); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return nil, errors.Newf("schedule interval must be a positive integer: %q", trimmed)
		}
		var unit time.Duration
		switch strings.ToLower(m[2]) {
		case "s":
			unit = time.Second
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		}
		return &ScheduleSpec{Kind: ScheduleEvery, Interval: time.Duration(n) * unit, Raw: trimmed}, nil
	}

	return nil, errors.Newf("unrecognized schedule spec %q (want once or every N s|m|h|d)", trimmed)
}

// Equal reports whether two specs describe the same schedule.
func (s *ScheduleSpec) Equal(other *ScheduleSpec) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Kind == other.Kind && s.Interval == other.Interval
}

// String renders the spec in directive form.
func (s *ScheduleSpec) String() string {
	if s == nil {
		return ""
	}
	return s.Raw
}
