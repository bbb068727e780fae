package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5-field specs, 6-field specs with seconds, and
// descriptors such as @daily.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string resolved to a cron expression or a
// fixed interval. Source records which syntax matched: "cron",
// "duration" or "hhmm".
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string
}

// ParseSchedule resolves raw. Accepted forms:
//
//	0 3 * * *      cron (anything with spaces or a leading @)
//	6h, 2h30m      interval as a Go duration
//	02:30          interval as hours:minutes
//	cron:<expr>    force cron
//	interval:<d>   force interval; every:<d> is a synonym
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch strings.ToLower(prefix) {
		case "cron":
			if rest = strings.TrimSpace(rest); rest == "" {
				return ParsedSpec{}, errors.New("cron schedule required after 'cron:'")
			}
			return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
		case "interval", "every":
			return parseInterval(rest)
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '0 3 * * *', HH:MM like '02:30', or duration like '6h')", raw)
	}
	return ps, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	ps := ParsedSpec{Kind: SpecInterval, Source: "duration"}
	if h, m, ok := strings.Cut(v, ":"); ok {
		hours, herr := strconv.Atoi(h)
		mins, merr := strconv.Atoi(m)
		if herr != nil || merr != nil || len(m) != 2 || hours < 0 || mins < 0 || mins > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid HH:MM interval %q", v)
		}
		ps.Every, ps.Source = time.Duration(hours)*time.Hour+time.Duration(mins)*time.Minute, "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m')", v)
		}
		ps.Every = d
	}
	if ps.Every <= 0 {
		return ParsedSpec{}, errors.New("interval must be > 0")
	}
	return ps, nil
}

// ValidateSchedule reports whether raw would be accepted by AddSchedule.
func ValidateSchedule(raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := cronParser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}
