package transfer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
)

// Job is a unit of recurring settlement work, typically a submission sweep
// or a response poll. Run receives a context that carries the configured
// timeout when one is set.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// NewJob wraps a bare function as a named Job.
func NewJob(name string, run func(ctx context.Context) error) Job {
	return jobFunc{name: name, run: run}
}

type jobFunc struct {
	name string
	run  func(ctx context.Context) error
}

func (j jobFunc) Name() string { return j.name }

func (j jobFunc) Run(ctx context.Context) error {
	if j.run == nil {
		return nil
	}
	return j.run(ctx)
}

// JobConfig controls one scheduled job. MaxRetries counts additional
// attempts after the first; Retry defaults to NoDelay.
type JobConfig struct {
	Expression string
	MaxRetries int
	Retry      RetryStrategy
	Timeout    time.Duration
}

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

// Handle extends Subscription with lifecycle controls over a scheduled job.
type Handle interface {
	Subscription
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
	Name() string
}

// Scheduler drives recurring settlement jobs off cron expressions.
// Expressions are evaluated in UTC unless relocated; settlement windows are
// defined against the batch date, which is UTC on the wire.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)
	logger       engine.Logger
	seconds      bool

	nextHandleID int64
	handles      map[int64]*scheduleHandle
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithSchedulerLogger(logger engine.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithSchedulerErrorHandler replaces the default handler that logs failed
// runs.
func WithSchedulerErrorHandler(fn func(error)) SchedulerOption {
	return func(s *Scheduler) {
		if fn != nil {
			s.errorHandler = fn
		}
	}
}

// WithSecondsField accepts six-field expressions with a leading seconds
// column.
func WithSecondsField() SchedulerOption {
	return func(s *Scheduler) { s.seconds = true }
}

func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		location: time.UTC,
		handles:  make(map[int64]*scheduleHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = loggerOrDefault(s.logger)
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("scheduled job failed: %v", err)
		}
	}
	s.cron = rcron.New(s.build()...)
	return s
}

func (s *Scheduler) build() []rcron.Option {
	opts := []rcron.Option{
		rcron.WithLocation(s.location),
		rcron.WithChain(rcron.Recover(recoverAdapter{handler: s.errorHandler})),
		rcron.WithLogger(cronLogAdapter{logger: s.logger}),
	}
	if s.seconds {
		opts = append(opts, rcron.WithSeconds())
	}
	return opts
}

// ScheduleJob registers a recurring job. A failed run reports through the
// handle and the error handler but does not retire the schedule; only
// Cancel and Stop do.
func (s *Scheduler) ScheduleJob(cfg JobConfig, job Job) (Handle, error) {
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	handle := s.newHandle(jobName(job))
	fn := rcron.FuncJob(func() {
		switch handle.Status() {
		case ScheduleStatusCanceled, ScheduleStatusStopped, ScheduleStatusCompleted:
			return
		}
		handle.setStatus(ScheduleStatusRunning, nil)
		if err := run(); err != nil {
			handle.setStatus(ScheduleStatusFailed, err)
			s.errorHandler(err)
			return
		}
		handle.setStatus(ScheduleStatusIdle, nil)
	})

	entryID, err := s.cron.AddJob(cfg.Expression, fn)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", handle.name, err)
	}
	handle.entryID = int(entryID)
	s.storeHandle(handle)
	return handle, nil
}

// ScheduleAfter runs the job once after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), cfg, job)
}

// ScheduleAt runs the job once at a specific time. One-shot failures are
// terminal.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, job Job) (Handle, error) {
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	handle := s.newHandle(jobName(job))
	s.storeHandle(handle)

	go func() {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-handle.Done():
			return
		}

		if isTerminalStatus(handle.Status()) {
			return
		}
		handle.setStatus(ScheduleStatusRunning, nil)
		if err := run(); err != nil {
			handle.setTerminal(ScheduleStatusFailed, err)
			s.errorHandler(err)
			s.removeStoredHandle(handle.id)
			return
		}
		handle.setTerminal(ScheduleStatusCompleted, nil)
		s.removeStoredHandle(handle.id)
	}()

	return handle, nil
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and marks live handles stopped.
func (s *Scheduler) Stop(_ context.Context) error {
	s.cron.Stop()

	var handles []*scheduleHandle
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*scheduleHandle)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle == nil {
			continue
		}
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		if isTerminalStatus(handle.Status()) {
			continue
		}
		handle.setTerminal(ScheduleStatusStopped, nil)
	}
	return nil
}

// buildRunnable wraps the job with its panic guard, timeout, and retry loop.
func (s *Scheduler) buildRunnable(cfg JobConfig, job Job) (func() error, error) {
	if job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}
	retry := cfg.Retry
	if retry == nil {
		retry = NoDelay{}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	name := jobName(job)

	return func() error {
		var lastErr error
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				time.Sleep(retry.Delay(attempt-1, lastErr))
			}
			lastErr = s.runOnce(cfg, job)
			if lastErr == nil {
				return nil
			}
			s.logger.Warn("job %q attempt %d failed: %v", name, attempt+1, lastErr)
		}
		return lastErr
	}, nil
}

func (s *Scheduler) runOnce(cfg JobConfig, job Job) error {
	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	return stateflow.CapturePanic(func() error {
		return job.Run(ctx)
	})
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle == nil {
		return
	}
	if handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *scheduleHandle {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *scheduleHandle) {
	if s == nil || handle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles == nil {
		s.handles = make(map[int64]*scheduleHandle)
	}
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle(name string) *scheduleHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &scheduleHandle{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func jobName(job Job) string {
	if job == nil {
		return ""
	}
	if name := strings.TrimSpace(job.Name()); name != "" {
		return name
	}
	return "unnamed"
}

type scheduleHandle struct {
	scheduler *Scheduler
	id        int64
	name      string
	entryID   int
	done      chan struct{}

	mu     sync.RWMutex
	status ScheduleStatus
	err    error
	once   sync.Once
}

func (h *scheduleHandle) Unsubscribe() {
	h.Cancel()
}

func (h *scheduleHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (h *scheduleHandle) Status() ScheduleStatus {
	if h == nil {
		return ScheduleStatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *scheduleHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *scheduleHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

func (h *scheduleHandle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

func (h *scheduleHandle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

func (h *scheduleHandle) setStatus(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.err = err
}

func (h *scheduleHandle) setTerminal(status ScheduleStatus, err error) {
	h.setStatus(status, err)
	if h.done != nil {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	}
}

// cronLogAdapter surfaces cron internals at debug level.
type cronLogAdapter struct {
	logger engine.Logger
}

func (l cronLogAdapter) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron %s%s", msg, formatKeyValues(keysAndValues))
}

func (l cronLogAdapter) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron %s: %v%s", msg, err, formatKeyValues(keysAndValues))
}

// recoverAdapter routes panics recovered by the cron chain to the error
// handler.
type recoverAdapter struct {
	handler func(error)
}

func (recoverAdapter) Info(string, ...any) {}

func (a recoverAdapter) Error(err error, _ string, _ ...any) {
	if a.handler != nil {
		a.handler(err)
	}
}

func formatKeyValues(kv []any) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	if len(kv)%2 != 0 {
		fmt.Fprintf(&b, " %v", kv[len(kv)-1])
	}
	return b.String()
}
