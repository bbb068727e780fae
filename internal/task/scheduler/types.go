package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/task/engine"
	logx "notifyd/pkg/logx"
)

// DefaultTimezone anchors daily jobs to the business calendar.
const DefaultTimezone = "Africa/Accra"

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means DefaultTimezone
}

// Job is the work run on each trigger.
type Job func(ctx context.Context) error

// Enqueuer is the part of engine.Service the scheduler uses.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type entry struct {
	name    string
	spec    string // cron expression or "@every <d>"
	timeout time.Duration
	job     Job
	guard   *engine.RunState

	id     cron.EntryID
	offset time.Duration
}

type Service struct {
	log    logx.Logger
	engine Enqueuer

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron // nil while stopped
	entries map[string]*entry

	enqWarn sync.Map // schedule name -> *rate.Sometimes
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	// StartupSpread is the extra delay before an interval job's first run.
	StartupSpread time.Duration
	Next          time.Time
	Prev          time.Time
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
