package schedule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	// ErrUnknownJob is returned by RunNow for a name that was never added
	ErrUnknownJob = errors.New("schedule: unknown job")
	// ErrJobRunning is returned by RunNow while the job's previous run is
	// still in progress.
	ErrJobRunning = errors.New("schedule: job still running")
)

// Job is a unit of periodic work
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Scheduler interface {
	AddJob(job Job, spec string) error
	RunNow(ctx context.Context, name string) error
	Start(ctx context.Context)
	Stop()
}

// JobStatus is what the scheduler remembers about one job
type JobStatus struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Next      time.Time     `json:"next,omitempty"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Runs      int64         `json:"runs"`
	Skipped   int64         `json:"skipped"`
	Running   bool          `json:"running"`
}

// runner serializes the runs of one job, whether cron or RunNow starts them
type runner struct {
	job     Job
	spec    string
	entry   cron.EntryID
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64

	mu       sync.Mutex
	lastRun  time.Time
	lastErr  error
	duration time.Duration
}

// CronScheduler runs jobs on five-field cron specs. A job whose previous
// run has not finished is skipped.
type CronScheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.RWMutex
	ctx     context.Context
	runners map[string]*runner
}

func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &CronScheduler{
		cron:    cron.New(cron.WithParser(parser)),
		logger:  logger,
		runners: make(map[string]*runner),
	}
}

// AddJob schedules job on spec. Adding a second job under the same name
// replaces the first.
func (c *CronScheduler) AddJob(job Job, spec string) error {
	name := job.Name()
	logger := c.logger.With(zap.String("job", name), zap.String("spec", spec))

	r := &runner{job: job, spec: spec}
	entryID, err := c.cron.AddFunc(spec, func() {
		if err := c.run(c.context(), r); errors.Is(err, ErrJobRunning) {
			logger.Info("job skipped: still running")
		}
	})
	if err != nil {
		logger.Error("schedule job failed", zap.Error(err))
		return err
	}
	r.entry = entryID

	c.mu.Lock()
	if old, ok := c.runners[name]; ok {
		c.cron.Remove(old.entry)
	}
	c.runners[name] = r
	c.mu.Unlock()

	logger.Info("job scheduled")
	return nil
}

// RunNow runs the named job on the caller's goroutine, outside its
// schedule. It shares the skip-if-running guard with scheduled runs.
func (c *CronScheduler) RunNow(ctx context.Context, name string) error {
	c.mu.RLock()
	r, ok := c.runners[name]
	c.mu.RUnlock()
	if !ok {
		return ErrUnknownJob
	}
	return c.run(ctx, r)
}

// Jobs returns the names of scheduled jobs, sorted
func (c *CronScheduler) Jobs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.runners))
	for name := range c.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports every job, sorted by name
func (c *CronScheduler) Status() []JobStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]JobStatus, 0, len(c.runners))
	for name, r := range c.runners {
		r.mu.Lock()
		status := JobStatus{
			Name:     name,
			Spec:     r.spec,
			Next:     c.cron.Entry(r.entry).Next,
			LastRun:  r.lastRun,
			Duration: r.duration,
			Runs:     r.runs.Load(),
			Skipped:  r.skipped.Load(),
			Running:  r.running.Load(),
		}
		if r.lastErr != nil {
			status.LastError = r.lastErr.Error()
		}
		r.mu.Unlock()
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *CronScheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.cron.Start()
}

func (c *CronScheduler) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

func (c *CronScheduler) context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *CronScheduler) run(ctx context.Context, r *runner) error {
	if !r.running.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		return ErrJobRunning
	}
	defer r.running.Store(false)

	logger := c.logger.With(zap.String("job", r.job.Name()), zap.String("spec", r.spec))
	start := time.Now()
	logger.Info("job started")
	err := r.job.Run(ctx)
	elapsed := time.Since(start)

	r.runs.Add(1)
	r.mu.Lock()
	r.lastRun, r.lastErr, r.duration = start, err, elapsed
	r.mu.Unlock()

	if err != nil {
		logger.Error("job finished", zap.Error(err), zap.Duration("duration", elapsed))
		return err
	}
	logger.Info("job finished", zap.Duration("duration", elapsed))
	return nil
}
