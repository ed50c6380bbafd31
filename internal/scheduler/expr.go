package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule yields the wall-clock boundaries a trigger fires on.
type Schedule interface {
	// Prev returns the latest boundary at or before t.
	Prev(t time.Time) time.Time
	// Next returns the earliest boundary strictly after t.
	Next(t time.Time) time.Time
	String() string
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Parse parses a schedule expression. Supported forms:
//
//	daily 02:00
//	weekdays 08:00
//	weekends 10:00
//	mon,wed,fri 09:30
//	hourly
//	hourly :15
//	every 15m
//
// Calendar forms are evaluated in loc (UTC when nil).
func Parse(expr string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(expr)))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty schedule expression")
	}

	switch fields[0] {
	case "every":
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid schedule %q: want \"every <duration>\"", expr)
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil || d < time.Minute {
			return nil, fmt.Errorf("invalid schedule %q: interval must be a duration of at least 1m", expr)
		}
		return interval{d: d}, nil

	case "hourly":
		minute := 0
		if len(fields) == 2 {
			m, err := strconv.Atoi(strings.TrimPrefix(fields[1], ":"))
			if err != nil || m < 0 || m > 59 {
				return nil, fmt.Errorf("invalid schedule %q: bad minute", expr)
			}
			minute = m
		} else if len(fields) > 2 {
			return nil, fmt.Errorf("invalid schedule %q", expr)
		}
		return hourly{minute: minute, loc: loc}, nil
	}

	if len(fields) != 2 {
		return nil, fmt.Errorf("invalid schedule %q: want \"<days> HH:MM\"", expr)
	}
	hour, minute, err := parseClock(fields[1])
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}

	c := calendar{hour: hour, minute: minute, loc: loc, expr: strings.Join(fields, " ")}
	switch fields[0] {
	case "daily":
		for d := range c.days {
			c.days[d] = true
		}
	case "weekdays":
		for d := time.Monday; d <= time.Friday; d++ {
			c.days[d] = true
		}
	case "weekends":
		c.days[time.Saturday] = true
		c.days[time.Sunday] = true
	default:
		for _, name := range strings.Split(fields[0], ",") {
			key := name
			if len(key) > 3 {
				key = key[:3]
			}
			d, ok := weekdayNames[key]
			if !ok {
				return nil, fmt.Errorf("invalid schedule %q: unknown day %q", expr, name)
			}
			c.days[d] = true
		}
	}
	return c, nil
}

func parseClock(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return h, m, nil
}

// calendar fires at a fixed time of day on selected weekdays.
type calendar struct {
	days         [7]bool
	hour, minute int
	loc          *time.Location
	expr         string
}

func (c calendar) at(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.hour, c.minute, 0, 0, c.loc)
}

func (c calendar) Prev(t time.Time) time.Time {
	t = t.In(c.loc)
	for i := 0; i <= 7; i++ {
		candidate := c.at(t.AddDate(0, 0, -i))
		if c.days[candidate.Weekday()] && !candidate.After(t) {
			return candidate
		}
	}
	return time.Time{}
}

func (c calendar) Next(t time.Time) time.Time {
	t = t.In(c.loc)
	for i := 0; i <= 7; i++ {
		candidate := c.at(t.AddDate(0, 0, i))
		if c.days[candidate.Weekday()] && candidate.After(t) {
			return candidate
		}
	}
	return time.Time{}
}

func (c calendar) String() string { return c.expr }

// hourly fires every hour at a fixed minute.
type hourly struct {
	minute int
	loc    *time.Location
}

func (h hourly) Prev(t time.Time) time.Time {
	t = t.In(h.loc)
	y, m, d := t.Date()
	candidate := time.Date(y, m, d, t.Hour(), h.minute, 0, 0, h.loc)
	if candidate.After(t) {
		candidate = candidate.Add(-time.Hour)
	}
	return candidate
}

func (h hourly) Next(t time.Time) time.Time {
	return h.Prev(t).Add(time.Hour)
}

func (h hourly) String() string {
	if h.minute == 0 {
		return "hourly"
	}
	return fmt.Sprintf("hourly :%02d", h.minute)
}

// interval fires on multiples of d since the zero time.
type interval struct {
	d time.Duration
}

func (i interval) Prev(t time.Time) time.Time {
	return t.Truncate(i.d)
}

func (i interval) Next(t time.Time) time.Time {
	return t.Truncate(i.d).Add(i.d)
}

func (i interval) String() string { return "every " + i.d.String() }
