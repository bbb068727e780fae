package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/task/engine"
	logx "notifyd/pkg/logx"
)

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, engine: eng, log: log, entries: map[string]*entry{}}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the zone cron specs are evaluated in. An unknown zone falls
// back to UTC.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		s.loc = s.resolveZone()
	}
	return s.loc
}

func (s *Service) resolveZone() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Apply installs cfg. A running scheduler rebuilds its cron when the zone
// changes; enabling or disabling is left to Start and Stop.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zoneChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if !zoneChanged {
		return
	}
	s.loc = nil
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

// Start begins firing every registered schedule. It does nothing when
// disabled or already running.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

func (s *Service) startLocked() {
	if s.loc == nil {
		s.loc = s.resolveZone()
	}
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		if err := s.mountLocked(e); err != nil {
			s.log.Error("schedule register failed", logx.String("name", e.name), logx.String("spec", e.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts triggering and waits for in-progress enqueues until ctx
// ends. Registrations survive for a later Start.
func (s *Service) Stop(ctx context.Context) {
	began := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.entries {
		e.id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(began)))
}

// AddSchedule registers job under any syntax ParseSchedule accepts.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddCron(name, "@every "+ps.Every.String(), timeout, job)
	}
	return s.AddCron(name, ps.Cron, timeout, job)
}

// AddDaily runs job once a day at HH:MM local to the scheduler zone.
func (s *Service) AddDaily(name, hhmm string, timeout time.Duration, job Job) error {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

// AddCron registers job under name, replacing an existing registration of
// the same name. Triggers of one schedule never overlap.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return errors.New("name required")
	case job == nil:
		return errors.New("job required")
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(name)
	e := &entry{name: name, spec: spec, timeout: timeout, job: job, guard: &engine.RunState{}}
	s.entries[name] = e
	if s.c == nil {
		return nil
	}
	if err := s.mountLocked(e); err != nil {
		return err
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered",
			logx.String("name", name),
			logx.String("spec", spec),
			logx.Duration("timeout", timeout),
			logx.String("next", s.upcomingLocked(spec, 3)),
		)
	}
	return nil
}

// Remove drops name and reports whether it was registered.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	ok := s.dropLocked(name)
	s.mu.Unlock()
	if ok {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return ok
}

func (s *Service) dropLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.c != nil && e.id != 0 {
		s.c.Remove(e.id)
	}
	delete(s.entries, name)
	return true
}

// mountLocked adds e to the live cron. @every specs are staggered.
func (s *Service) mountLocked(e *entry) error {
	fire := cron.FuncJob(func() { s.fire(e) })
	if raw, ok := strings.CutPrefix(e.spec, "@every"); ok {
		if every, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && every > 0 {
			var sched cron.Schedule
			sched, e.offset = staggerInterval(every, time.Now().In(s.loc), e.name)
			e.id = s.c.Schedule(sched, fire)
			return nil
		}
	}
	e.offset = 0
	id, err := s.c.AddJob(e.spec, fire)
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

func (s *Service) fire(e *entry) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    e.name,
		Timeout: e.timeout,
		Run:     e.job,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		State:   e.guard,
	})
	if err != nil {
		s.reportEnqueueError(e.name, err)
	}
}

// upcomingLocked renders the next n trigger times of spec.
func (s *Service) upcomingLocked(spec string, n int) string {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return ""
	}
	at := time.Now().In(s.loc)
	times := make([]string, 0, n)
	for range n {
		if at = sched.Next(at); at.IsZero() {
			break
		}
		times = append(times, at.Format(time.DateTime))
	}
	return strings.Join(times, ", ")
}

// Snapshot lists registrations sorted by name, with next and previous
// fire times while running.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		out.Timezone = s.loc.String()
	}
	for _, e := range s.entries {
		info := ScheduleInfo{Name: e.name, Spec: e.spec, Timeout: e.timeout, StartupSpread: e.offset}
		if s.c != nil && e.id != 0 {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out.Schedules = append(out.Schedules, info)
	}
	slices.SortFunc(out.Schedules, func(a, b ScheduleInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func parseHHMM(v string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", v)
	}
	if hour, err = strconv.Atoi(h); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	if minute, err = strconv.Atoi(m); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return hour, minute, nil
}
