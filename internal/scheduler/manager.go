package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"graphflow-scheduler/internal/errs"
	"graphflow-scheduler/internal/models"
	"graphflow-scheduler/internal/store"
	"graphflow-scheduler/internal/telemetry"
	"graphflow-scheduler/internal/trigger"
)

// Config tunes the scheduling engine.
type Config struct {
	// Workers bounds concurrent job executions so a slow job cannot starve
	// the tick loop.
	Workers   int
	QueueSize int
	Location  *time.Location
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 5
}

func (c Config) queueSize() int {
	if c.QueueSize > 0 {
		return c.QueueSize
	}
	return 256
}

// RunRecorder receives execution-history events; the Postgres history store
// satisfies it.
type RunRecorder interface {
	AppendRun(ctx context.Context, jobID, jobType, event, detail string) error
}

// CreateJobRequest carries the inputs for registering a job.
type CreateJobRequest struct {
	Type          string         `json:"type"`
	ScheduleType  string         `json:"schedule_type"`
	ScheduleValue string         `json:"schedule_value"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Args          map[string]any `json:"args"`
}

type entry struct {
	def     models.JobDefinition
	trig    trigger.Trigger
	cronID  cron.EntryID
	oneShot bool
}

type execution struct {
	jobID   string
	jobType models.JobType
	args    map[string]any
	oneShot bool
}

// Manager is the scheduling façade: it persists job definitions, resolves
// triggers, owns the background cron engine and the bounded worker pool, and
// hands firings to the dispatcher.
type Manager struct {
	cfg        Config
	log        zerolog.Logger
	store      *store.Store
	resolver   *trigger.Resolver
	dispatcher *Dispatcher
	history    RunRecorder

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]*entry
	queue   chan execution
	stopCh  chan struct{}
	running bool

	now func() time.Time // test hook
}

// NewManager wires the façade. history may be nil.
func NewManager(cfg Config, st *store.Store, dispatcher *Dispatcher, history RunRecorder, log zerolog.Logger) *Manager {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	cfg.Location = loc
	return &Manager{
		cfg:        cfg,
		log:        log.With().Str("component", "scheduler").Logger(),
		store:      st,
		resolver:   trigger.NewResolver(loc),
		dispatcher: dispatcher,
		history:    history,
		c:          cron.New(cron.WithLocation(loc)),
		entries:    make(map[string]*entry),
		queue:      make(chan execution, cfg.queueSize()),
		now:        time.Now,
	}
}

// Start launches the engine and the worker pool. Safe to call once.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	for i := 0; i < m.cfg.workers(); i++ {
		go m.worker(ctx)
	}
	m.c.Start()
	m.log.Info().Int("workers", m.cfg.workers()).Msg("scheduler started")
}

// Stop halts the engine. Triggers already dispatched keep running; new
// firings stop.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	stopCtx := m.c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	m.log.Info().Msg("scheduler stopped")
}

// CreateJob validates, persists, and registers a job. The persisted record
// and the live trigger are created atomically with respect to each other: a
// failure to persist unwinds the trigger registration.
func (m *Manager) CreateJob(ctx context.Context, req CreateJobRequest) (models.JobDefinition, error) {
	if req.Name == "" {
		return models.JobDefinition{}, &errs.ValidationError{Field: "name", Msg: "required"}
	}
	jobType, err := models.ParseJobType(req.Type)
	if err != nil {
		return models.JobDefinition{}, fmt.Errorf("%w: %v", errs.ErrUnknownJobType, err)
	}
	if !m.dispatcher.Registered(jobType) {
		return models.JobDefinition{}, fmt.Errorf("%w: no handler for %s", errs.ErrUnknownJobType, jobType)
	}
	trig, err := m.resolver.Resolve(models.ScheduleType(req.ScheduleType), req.ScheduleValue)
	if err != nil {
		return models.JobDefinition{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	id := fmt.Sprintf("%s_%d", jobType, now.Unix())
	for n := 2; ; n++ {
		if _, taken := m.entries[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s_%d_%d", jobType, now.Unix(), n)
	}

	def := models.JobDefinition{
		ID:            id,
		Name:          req.Name,
		Description:   req.Description,
		Type:          jobType,
		ScheduleType:  models.ScheduleType(req.ScheduleType),
		ScheduleValue: req.ScheduleValue,
		Args:          req.Args,
		CreatedAt:     now,
		Status:        models.StatusScheduled,
	}

	_, oneShot := trig.(trigger.OneShot)
	e := &entry{def: def, trig: trig, oneShot: oneShot}
	e.cronID = m.c.Schedule(schedule{trig}, cron.FuncJob(func() { m.fire(e) }))
	m.entries[id] = e

	if err := m.store.SaveJob(ctx, def); err != nil {
		m.c.Remove(e.cronID)
		delete(m.entries, id)
		return models.JobDefinition{}, err
	}

	m.log.Info().Str("job", id).Str("name", req.Name).Str("trigger", trig.String()).Msg("job created")
	_ = m.store.PublishActivity(ctx, fmt.Sprintf("job %q scheduled (%s)", req.Name, trig.String()))
	return def, nil
}

// ListJobs reports every live trigger with its next fire time.
func (m *Manager) ListJobs(ctx context.Context) []models.JobSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.JobSummary, 0, len(m.entries))
	for id, e := range m.entries {
		s := models.JobSummary{
			ID:      id,
			Name:    e.def.Name,
			Trigger: e.trig.String(),
		}
		if next := m.c.Entry(e.cronID).Next; !next.IsZero() {
			t := next
			s.NextRun = &t
		}
		out = append(out, s)
	}
	return out
}

// CancelJob removes the live trigger and the persisted record. A missing id
// reports found=false and never errors; cancellation does not touch an
// in-flight execution.
func (m *Manager) CancelJob(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		m.c.Remove(e.cronID)
		delete(m.entries, id)
	}
	m.mu.Unlock()

	existed, err := m.store.DeleteJob(ctx, id)
	if err != nil {
		return ok, err
	}
	if !ok && !existed {
		return false, nil
	}
	m.log.Info().Str("job", id).Msg("job cancelled")
	_ = m.store.PublishActivity(ctx, fmt.Sprintf("job %s cancelled", id))
	return true, nil
}

// fire is invoked by the cron engine when a trigger is due. It never blocks
// the tick loop: a full queue drops the firing with a warning.
func (m *Manager) fire(e *entry) {
	if e.oneShot {
		e.trig.(trigger.OneShot).MarkFired()
	}
	ex := execution{
		jobID:   e.def.ID,
		jobType: e.def.Type,
		args:    e.def.Args,
		oneShot: e.oneShot,
	}
	select {
	case m.queue <- ex:
		telemetry.JobsFired.Inc()
		telemetry.QueueDepth.Set(float64(len(m.queue)))
	default:
		m.log.Warn().Str("job", e.def.ID).Msg("execution queue full, dropping firing")
		telemetry.JobsDropped.Inc()
	}
}

func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case ex := <-m.queue:
			telemetry.QueueDepth.Set(float64(len(m.queue)))
			m.execute(ctx, ex)
		}
	}
}

// execute runs one firing through the dispatcher. Panics and errors are
// contained here so a failing job cannot halt the others.
func (m *Manager) execute(ctx context.Context, ex execution) {
	log := m.log.With().Str("job", ex.jobID).Str("type", string(ex.jobType)).Logger()
	started := m.now()

	_ = m.store.UpdateJobStatus(ctx, ex.jobID, models.StatusRunning)
	m.recordRun(ctx, ex, "dispatched", "")

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
				log.Error().Any("panic", r).Str("stack", string(debug.Stack())).Msg("job handler panicked")
			}
		}()
		return m.dispatcher.Dispatch(ctx, ex.jobType, ex.args)
	}()

	dur := m.now().Sub(started)
	if err != nil {
		log.Warn().Err(err).Dur("duration", dur).Msg("job failed")
		_ = m.store.UpdateJobStatus(ctx, ex.jobID, models.StatusFailed)
		m.recordRun(ctx, ex, "failed", err.Error())
		telemetry.JobsFailed.Inc()
		return
	}

	log.Info().Dur("duration", dur).Msg("job ok")
	final := models.StatusScheduled
	if ex.oneShot {
		final = models.StatusCompleted
	}
	_ = m.store.UpdateJobStatus(ctx, ex.jobID, final)
	m.recordRun(ctx, ex, "completed", "")
	telemetry.JobsCompleted.Inc()
}

func (m *Manager) recordRun(ctx context.Context, ex execution, event, detail string) {
	if m.history == nil {
		return
	}
	if err := m.history.AppendRun(ctx, ex.jobID, string(ex.jobType), event, detail); err != nil {
		m.log.Warn().Err(err).Msg("failed to record run history")
	}
}

// schedule adapts a resolved trigger to the cron engine.
type schedule struct {
	trig trigger.Trigger
}

func (s schedule) Next(t time.Time) time.Time { return s.trig.Next(t) }
