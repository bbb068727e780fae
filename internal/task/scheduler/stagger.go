package scheduler

import (
	"errors"
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"notifyd/internal/task/engine"
	logx "notifyd/pkg/logx"
)

const maxStagger = 30 * time.Second

// staggered fires first at a fixed time, then follows base.
type staggered struct {
	base  cron.Schedule
	first time.Time
}

func (s staggered) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// staggerInterval offsets the first run of an @every schedule by an
// amount derived from name, so interval jobs registered together do not
// fire together. The offset is stable across restarts.
func staggerInterval(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxStagger)
	if window <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	offset := time.Duration(h.Sum64() % uint64(window))
	return staggered{base: base, first: now.Add(every + offset)}, offset
}

// reportEnqueueError logs a trigger the engine refused. Overlap skips are
// expected and stay at debug; other failures warn at most every 5s per
// schedule.
func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	v, _ := s.enqWarn.LoadOrStore(name, &rate.Sometimes{Interval: 5 * time.Second})
	v.(*rate.Sometimes).Do(func() {
		s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
	})
}
