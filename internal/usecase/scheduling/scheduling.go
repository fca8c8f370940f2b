// Package scheduling runs the host's recurring maintenance tasks: channel
// status refresh and audit retention.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/infra/logger"
)

const defaultTaskTimeout = 5 * time.Minute

// Task is one recurring job.
type Task struct {
	Name     string
	Schedule string // cron expression, descriptor ("@every 5m") or duration ("30m")
	// Timeout bounds a single run. Zero selects five minutes.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Entry describes a scheduled task.
type Entry struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Next     time.Time  `json:"next"`
	LastRun  *time.Time `json:"lastRun,omitempty"`
	LastErr  string     `json:"lastError,omitempty"`
}

type taskState struct {
	task    Task
	id      cron.EntryID
	lastRun *time.Time
	lastErr string
}

// Scheduler runs tasks on their schedules. Runs of the same task never
// overlap; a run still in progress when the next one is due is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*taskState
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(log *slog.Logger) *Scheduler {
	l := logger.Component(log, "scheduler")
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: l,
		tasks:  make(map[string]*taskState),
	}
}

// Add registers a task. Names are unique.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("scheduler: task needs a name and a run function")
	}
	schedule, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}
	if task.Timeout <= 0 {
		task.Timeout = defaultTaskTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}
	st := &taskState{task: task}
	st.id = s.cron.Schedule(schedule, cron.FuncJob(func() { s.runTask(st) }))
	s.tasks[task.Name] = st

	s.logger.Info("task scheduled", "task", task.Name, "schedule", task.Schedule)
	return nil
}

// RunNow runs the named task once, synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	st, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	return s.execute(ctx, st)
}

func (s *Scheduler) runTask(st *taskState) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", st.task.Name)
		return
	}
	_ = s.execute(ctx, st)
}

func (s *Scheduler) execute(ctx context.Context, st *taskState) error {
	taskCtx, cancel := context.WithTimeout(ctx, st.task.Timeout)
	defer cancel()

	start := time.Now()
	err := st.task.Run(taskCtx)

	s.mu.Lock()
	st.lastRun = &start
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled task failed", "task", st.task.Name, "error", err, "duration", time.Since(start))
	} else {
		s.logger.Debug("scheduled task completed", "task", st.task.Name, "duration", time.Since(start))
	}
	return err
}

// Entries lists the scheduled tasks sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.tasks))
	for _, st := range s.tasks {
		e := Entry{
			Name:     st.task.Name,
			Schedule: st.task.Schedule,
			Next:     s.cron.Entry(st.id).Next,
			LastErr:  st.lastErr,
		}
		if st.lastRun != nil {
			t := *st.lastRun
			e.LastRun = &t
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running the scheduler. Tasks stop firing when ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop halts the scheduler and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// ParseSchedule parses a cron expression or descriptor, falling back to a
// plain duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
