package delay

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidWhen = errors.New("delay: invalid when expression")

// WhenKind tells whether a parsed expression is an absolute instant or a relative delay.
type WhenKind int

const (
	WhenAt WhenKind = iota
	WhenAfter
)

// When is a parsed "when" expression.
//
// Supported forms:
//   - RFC3339 timestamp: "2026-10-18T09:00:00+07:00"
//   - Cron (next occurrence): "0 9 * * *", "*/5 * * * * *", "@daily", "@every 90s"
//   - Relative duration: "90s", "2h30m"
//   - Relative HH:MM: "01:30" (1 hour 30 minutes)
//
// Optional prefixes:
//   - "at:" forces RFC3339 parsing
//   - "cron:" forces cron parsing
//   - "in:" or "after:" forces relative parsing
type When struct {
	Kind   WhenKind
	At     time.Time
	After  time.Duration
	Source string // "rfc3339" | "cron" | "duration" | "hhmm"
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseWhen parses raw relative to now. Cron expressions are evaluated in loc
// (now's location when loc is nil).
func ParseWhen(raw string, now time.Time, loc *time.Location) (When, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return When{}, fmt.Errorf("%w: empty", ErrInvalidWhen)
	}
	if loc == nil {
		loc = now.Location()
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "at:"):
		return parseAt(strings.TrimSpace(s[len("at:"):]))
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), now, loc)
	case strings.HasPrefix(low, "in:"):
		return parseRelative(strings.TrimSpace(s[len("in:"):]))
	case strings.HasPrefix(low, "after:"):
		return parseRelative(strings.TrimSpace(s[len("after:"):]))
	}

	// Heuristics, most specific first.
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return When{Kind: WhenAt, At: ts, Source: "rfc3339"}, nil
	}
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s, now, loc)
	}
	if w, err := parseRelative(s); err == nil {
		return w, nil
	}
	return When{}, fmt.Errorf(
		"%w: %q (use an RFC3339 time, cron like '0 9 * * *', HH:MM like '01:30', or a duration like '90s')",
		ErrInvalidWhen, raw,
	)
}

func parseAt(v string) (When, error) {
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return When{}, fmt.Errorf("%w: %q is not RFC3339", ErrInvalidWhen, v)
	}
	return When{Kind: WhenAt, At: ts, Source: "rfc3339"}, nil
}

func parseCron(expr string, now time.Time, loc *time.Location) (When, error) {
	if expr == "" {
		return When{}, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidWhen)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return When{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidWhen, expr, err)
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return When{}, fmt.Errorf("%w: cron %q never fires", ErrInvalidWhen, expr)
	}
	return When{Kind: WhenAt, At: next, Source: "cron"}, nil
}

func parseRelative(v string) (When, error) {
	if v == "" {
		return When{}, fmt.Errorf("%w: duration required", ErrInvalidWhen)
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return When{}, err
		}
		return When{Kind: WhenAfter, After: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return When{}, fmt.Errorf("%w: invalid duration %q", ErrInvalidWhen, v)
	}
	if d < 0 {
		return When{}, fmt.Errorf("%w: duration must not be negative", ErrInvalidWhen)
	}
	return When{Kind: WhenAfter, After: d, Source: "duration"}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidWhen, v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidWhen, v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}
