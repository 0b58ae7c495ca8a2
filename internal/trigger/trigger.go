package trigger

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"graphflow-scheduler/internal/errs"
	"graphflow-scheduler/internal/models"
)

// Presets maps a named schedule to its cron expression. The names are part
// of the external API: dashboards offer them as quick selections.
var Presets = map[string]string{
	"every_hour":    "0 * * * *",
	"every_2_hours": "0 */2 * * *",
	"every_4_hours": "0 */4 * * *",
	"every_6_hours": "0 */6 * * *",
	"daily_9am":     "0 9 * * *",
	"daily_12pm":    "0 12 * * *",
	"daily_6pm":     "0 18 * * *",
	"weekdays_9am":  "0 9 * * 1-5",
	"weekends_10am": "0 10 * * 6,0",
}

// Trigger computes concrete fire times from a resolved schedule.
type Trigger interface {
	// Next returns the first fire time strictly after t, or the zero time
	// when the trigger will never fire again.
	Next(t time.Time) time.Time
	// String describes the trigger for listings, e.g. `cron "0 * * * *"`.
	String() string
}

// Resolver turns (scheduleType, scheduleValue) pairs into triggers.
// The cron dialect is the standard 5-field form: minute, hour, day-of-month,
// month, day-of-week.
type Resolver struct {
	parser cron.Parser
	loc    *time.Location
}

// NewResolver builds a resolver evaluating cron expressions in loc
// (time.Local when nil).
func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		loc:    loc,
	}
}

// Resolve validates and compiles a schedule. Failures wrap
// errs.ErrInvalidSchedule so callers can classify without string matching.
func (r *Resolver) Resolve(st models.ScheduleType, value string) (Trigger, error) {
	switch st {
	case models.SchedulePreset:
		expr, ok := Presets[value]
		if !ok {
			return nil, fmt.Errorf("%w: unknown preset %q", errs.ErrInvalidSchedule, value)
		}
		return r.cronTrigger(expr)
	case models.ScheduleCron:
		return r.cronTrigger(value)
	case models.ScheduleDate:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("%w: bad timestamp %q: %v", errs.ErrInvalidSchedule, value, err)
		}
		return &dateTrigger{at: at}, nil
	}
	return nil, fmt.Errorf("%w: unknown schedule type %q", errs.ErrInvalidSchedule, st)
}

func (r *Resolver) cronTrigger(expr string) (Trigger, error) {
	sched, err := r.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidSchedule, err)
	}
	return &cronTrigger{expr: expr, sched: sched, loc: r.loc}, nil
}

type cronTrigger struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

func (c *cronTrigger) Next(t time.Time) time.Time { return c.sched.Next(t.In(c.loc)) }

func (c *cronTrigger) String() string { return fmt.Sprintf("cron %q", c.expr) }

// CronExpr exposes the resolved cron expression (presets included) for
// inspection.
func (c *cronTrigger) CronExpr() string { return c.expr }

// CronExpr returns the cron expression behind tr, when it has one.
func CronExpr(tr Trigger) (string, bool) {
	c, ok := tr.(*cronTrigger)
	if !ok {
		return "", false
	}
	return c.CronExpr(), true
}

// dateTrigger fires exactly once at an absolute instant.
type dateTrigger struct {
	mu    sync.Mutex
	at    time.Time
	fired bool
}

func (d *dateTrigger) Next(t time.Time) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired || !d.at.After(t) {
		return time.Time{}
	}
	return d.at
}

// MarkFired records that the single shot has been dispatched; Next returns
// the zero time from then on.
func (d *dateTrigger) MarkFired() {
	d.mu.Lock()
	d.fired = true
	d.mu.Unlock()
}

func (d *dateTrigger) String() string {
	return fmt.Sprintf("date %q", d.at.Format(time.RFC3339))
}

// OneShot reports whether tr fires at most once, and allows the scheduler to
// retire it after dispatch.
type OneShot interface {
	MarkFired()
}
