package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Recurrence describes when a scheduled action repeats. It is stored as a
// JSON object on the action row:
//
//	{"type": "daily", "time": "07:00"}
//	{"type": "weekly", "days": ["mon", "fri"], "time": "18:00"}
//	{"type": "interval", "minutes": 30}
//	{"type": "interval", "minutes": 30, "until": "2026-01-15T22:00:00Z"}
//	{"type": "cron", "expr": "0 7 * * 1-5"}
type Recurrence struct {
	Type    string   `json:"type"`
	Time    string   `json:"time,omitempty"`
	Days    []string `json:"days,omitempty"`
	Minutes int      `json:"minutes,omitempty"`
	Until   string   `json:"until,omitempty"`
	Expr    string   `json:"expr,omitempty"`
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseRecurrence decodes the stored recurrence JSON. Empty input means
// one-shot and yields (nil, nil).
func ParseRecurrence(s string) (*Recurrence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var r Recurrence
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("invalid recurrence: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Recurrence) Validate() error {
	switch r.Type {
	case "interval":
		if r.Minutes < 0 {
			return fmt.Errorf("interval recurrence: minutes must be >= 0")
		}
		if r.Until != "" {
			if _, err := time.Parse(time.RFC3339, r.Until); err != nil {
				return fmt.Errorf("interval recurrence: invalid until: %w", err)
			}
		}
	case "daily":
		if _, _, err := parseClock(r.Time); err != nil {
			return fmt.Errorf("daily recurrence: %w", err)
		}
	case "weekly":
		if _, _, err := parseClock(r.Time); err != nil {
			return fmt.Errorf("weekly recurrence: %w", err)
		}
		for _, d := range r.Days {
			if _, ok := weekdayNames[strings.ToLower(d)]; !ok {
				return fmt.Errorf("weekly recurrence: unknown day %q", d)
			}
		}
	case "cron":
		if _, err := cronParser.Parse(r.Expr); err != nil {
			return fmt.Errorf("cron recurrence: %w", err)
		}
	default:
		return fmt.Errorf("unknown recurrence type %q", r.Type)
	}
	return nil
}

// Marshal returns the canonical stored form.
func (r *Recurrence) Marshal() (string, error) {
	if r == nil {
		return "", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Next computes the occurrence strictly after from. ok is false when the
// schedule has ended (interval past its until bound, weekly with no valid
// days).
func (r *Recurrence) Next(from time.Time) (next time.Time, ok bool) {
	if r == nil {
		return time.Time{}, false
	}

	switch r.Type {
	case "interval":
		minutes := r.Minutes
		if minutes == 0 {
			minutes = 60
		}
		next = from.Add(time.Duration(minutes) * time.Minute)
		if r.Until != "" {
			end, err := time.Parse(time.RFC3339, r.Until)
			if err != nil || next.After(end) {
				return time.Time{}, false
			}
		}
		return next, true

	case "daily":
		hour, minute, err := parseClock(r.Time)
		if err != nil {
			return time.Time{}, false
		}
		next = time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())
		// Today at HH:MM unless that moment has already passed.
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true

	case "weekly":
		hour, minute, err := parseClock(r.Time)
		if err != nil {
			return time.Time{}, false
		}
		targets := make(map[time.Weekday]bool, len(r.Days))
		for _, d := range r.Days {
			if wd, found := weekdayNames[strings.ToLower(d)]; found {
				targets[wd] = true
			}
		}
		if len(targets) == 0 {
			return time.Time{}, false
		}
		for ahead := 0; ahead < 8; ahead++ {
			day := from.AddDate(0, 0, ahead)
			if !targets[day.Weekday()] {
				continue
			}
			cand := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, from.Location())
			if cand.After(from) {
				return cand, true
			}
		}
		return time.Time{}, false

	case "cron":
		sched, err := cronParser.Parse(r.Expr)
		if err != nil {
			return time.Time{}, false
		}
		next = sched.Next(from)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}

// parseClock parses "HH:MM". Empty defaults to midnight.
func parseClock(s string) (hour, minute int, err error) {
	if strings.TrimSpace(s) == "" {
		return 0, 0, nil
	}
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return hour, minute, nil
}
