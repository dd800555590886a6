// Package queue runs batches of package jobs on a bounded worker pool while
// keeping at most one running job per installation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luccadibe/wpfleet/internal/events"
	"github.com/luccadibe/wpfleet/internal/locks"
	"github.com/luccadibe/wpfleet/internal/metrics"
	"github.com/luccadibe/wpfleet/internal/packages"
)

const (
	DefaultConcurrency = 8
	DefaultRetryDelay  = time.Second
)

// Runner executes one package operation. *packages.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, req packages.Request) packages.Result
}

// JobInput is one requested operation. SiteTitle only decorates events.
type JobInput struct {
	packages.Request
	SiteTitle string `json:"siteTitle,omitempty"`
}

// Job is an admitted JobInput.
type Job struct {
	JobInput
	ID         string    `json:"jobId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Snapshot is the state of one run generation. Current is always
// Success+Failed+Skipped.
type Snapshot struct {
	RunID      string    `json:"runId"`
	Total      int       `json:"total"`
	Current    int       `json:"current"`
	Queued     int       `json:"queued"`
	Running    int       `json:"running"`
	Success    int       `json:"success"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	IsComplete bool      `json:"isComplete"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	Accepted int      `json:"accepted"`
	RunID    string   `json:"runId"`
	Snapshot Snapshot `json:"snapshot"`
}

// JobInfo identifies the job an event is about.
type JobInfo struct {
	SiteID    string             `json:"siteId"`
	SiteTitle string             `json:"siteTitle"`
	Kind      string             `json:"kind"`
	Slug      string             `json:"slug"`
	Operation packages.Operation `json:"operation"`
}

// EventData is the payload of package-job events.
type EventData struct {
	Snapshot
	Job *JobInfo `json:"job,omitempty"`
}

// Options configures a Queue. Zero values select the defaults.
type Options struct {
	Concurrency int
	RetryDelay  time.Duration
	// Locks is shared with the scanner so scans and jobs exclude each other.
	Locks   *locks.Set
	Events  events.Publisher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Queue is the package job queue. Construct it with New and call Start once.
type Queue struct {
	runner      Runner
	locks       *locks.Set
	events      events.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	concurrency int
	retryDelay  time.Duration
	now         func() time.Time

	mu       sync.Mutex
	pending  jobList
	running  map[string]Job
	snapshot Snapshot

	wakeMu sync.Mutex
	wake   chan struct{}

	wg      sync.WaitGroup
	started bool
}

// New builds a stopped queue.
func New(runner Runner, opts Options) *Queue {
	q := &Queue{
		runner:      runner,
		locks:       opts.Locks,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		concurrency: opts.Concurrency,
		retryDelay:  opts.RetryDelay,
		now:         time.Now,
		running:     make(map[string]Job),
		wake:        make(chan struct{}),
	}
	if q.locks == nil {
		q.locks = locks.New()
	}
	if q.events == nil {
		q.events = events.Discard
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.concurrency <= 0 {
		q.concurrency = DefaultConcurrency
	}
	if q.retryDelay <= 0 {
		q.retryDelay = DefaultRetryDelay
	}
	q.locks.OnRelease(q.notify)
	return q
}

// Locks returns the lock set the queue dispatches against.
func (q *Queue) Locks() *locks.Set {
	return q.locks
}

// Start launches the workers. They stop taking new jobs once ctx is done;
// a job already running is allowed to finish.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(ctx)
		}()
	}
}

// Wait blocks until every worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue admits jobs. A batch that arrives after the previous run drained
// starts a new run generation; otherwise the jobs join the active run.
func (q *Queue) Enqueue(inputs []JobInput) (EnqueueResult, error) {
	var errs []error
	for i, in := range inputs {
		if err := in.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("job %d: %w", i, err))
			continue
		}
		if !in.Operation.Queued() {
			errs = append(errs, fmt.Errorf("job %d: operation %q cannot be queued", i, in.Operation))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return EnqueueResult{}, err
	}

	q.mu.Lock()
	if len(inputs) == 0 {
		snap := q.snapshot
		q.mu.Unlock()
		return EnqueueResult{RunID: snap.RunID, Snapshot: snap}, nil
	}
	if q.snapshot.IsComplete || q.snapshot.RunID == "" {
		q.snapshot = Snapshot{RunID: uuid.NewString(), UpdatedAt: q.now()}
	}
	now := q.now()
	for _, in := range inputs {
		q.pending.Push(Job{JobInput: in, ID: uuid.NewString(), EnqueuedAt: now})
		q.snapshot.Total++
		q.snapshot.Queued++
	}
	q.publishLocked(events.TypeProgress, fmt.Sprintf("Queued %d package job(s)", len(inputs)), nil)
	snap := q.snapshot
	q.mu.Unlock()

	q.notify()
	return EnqueueResult{Accepted: len(inputs), RunID: snap.RunID, Snapshot: snap}, nil
}

// Snapshot returns a copy of the current run state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot
}

// IsLocked reports whether installationID has a running job or scan.
func (q *Queue) IsLocked(installationID string) bool {
	return q.locks.IsLocked(installationID)
}

func (q *Queue) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, wake, blocked, ok := q.next()
		if ok {
			q.run(context.WithoutCancel(ctx), job)
			continue
		}
		if !q.wait(ctx, wake, blocked) {
			return
		}
	}
}

// wait sleeps until the queue changes, or for the retry delay when jobs are
// blocked on busy sites. It returns false once ctx is done.
func (q *Queue) wait(ctx context.Context, wake <-chan struct{}, blocked bool) bool {
	var retry <-chan time.Time
	if blocked {
		timer := time.NewTimer(q.retryDelay)
		defer timer.Stop()
		retry = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-wake:
	case <-retry:
	}
	return true
}

// next takes the first pending job whose installation can be locked. When
// none can, it returns the channel that closes on the next state change and
// whether jobs are waiting on busy sites.
func (q *Queue) next() (Job, <-chan struct{}, bool, bool) {
	wake := q.wakeChan()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return Job{}, wake, false, false
	}
	job, ok := q.pending.TakeFirst(func(j Job) bool {
		return q.locks.TryLock(j.InstallationID)
	})
	if !ok {
		return Job{}, wake, true, false
	}
	q.running[job.ID] = job
	q.snapshot.Queued = max(0, q.snapshot.Queued-1)
	q.snapshot.Running++
	q.snapshot.IsComplete = false
	q.publishLocked(events.TypeProgress, fmt.Sprintf("Started %s %s \"%s\"", job.Operation, job.Kind, job.Slug), &job)
	return job, nil, false, true
}

func (q *Queue) run(ctx context.Context, job Job) {
	start := q.now()
	q.metrics.JobStarted()
	res := q.execute(ctx, job)
	q.metrics.JobFinished(string(job.Operation), string(res.Status), q.now().Sub(start))
	q.finish(job, res)
}

func (q *Queue) execute(ctx context.Context, job Job) (res packages.Result) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("package job panicked", "job", job.ID, "installation", job.InstallationID, "panic", r)
			res = packages.Failed("package job panicked: %v", r)
		}
	}()
	res = q.runner.Execute(ctx, job.Request)
	if res.Status == "" {
		res = packages.Failed("Unexpected package processing error")
	}
	return res
}

func (q *Queue) finish(job Job, res packages.Result) {
	q.mu.Lock()
	delete(q.running, job.ID)
	q.snapshot.Running = max(0, q.snapshot.Running-1)
	switch res.Status {
	case packages.StatusSkipped:
		q.snapshot.Skipped++
		q.publishLocked(events.TypeProgress, res.Message, &job)
	case packages.StatusFailed:
		q.snapshot.Failed++
		q.publishLocked(events.TypeError, res.Message, &job)
	default:
		q.snapshot.Success++
		msg := res.Message
		if msg == "" {
			msg = "Package job completed"
		}
		q.publishLocked(events.TypeProgress, msg, &job)
	}
	if q.pending.Len() == 0 && len(q.running) == 0 && !q.snapshot.IsComplete {
		q.snapshot.IsComplete = true
		q.snapshot.Queued = 0
		q.publishLocked(events.TypeComplete,
			fmt.Sprintf("Package queue complete: %d success, %d failed, %d skipped",
				q.snapshot.Success, q.snapshot.Failed, q.snapshot.Skipped), nil)
		q.logger.Info("package queue run complete", "run", q.snapshot.RunID,
			"success", q.snapshot.Success, "failed", q.snapshot.Failed, "skipped", q.snapshot.Skipped)
	}
	q.mu.Unlock()

	// Unlock fires notify through the OnRelease hook.
	q.locks.Unlock(job.InstallationID)
}

// publishLocked recomputes the derived counters and emits one event. q.mu must be held.
func (q *Queue) publishLocked(typ events.Type, msg string, job *Job) {
	q.snapshot.Current = q.snapshot.Success + q.snapshot.Failed + q.snapshot.Skipped
	q.snapshot.UpdatedAt = q.now()
	data := EventData{Snapshot: q.snapshot}
	target := ""
	if job != nil {
		title := job.SiteTitle
		if title == "" {
			title = job.InstallationID
		}
		data.Job = &JobInfo{
			SiteID:    job.InstallationID,
			SiteTitle: title,
			Kind:      string(job.Kind),
			Slug:      job.Slug,
			Operation: job.Operation,
		}
		target = job.InstallationID
	}
	q.events.Publish(events.Event{
		Channel:  events.ChannelPackageJob,
		Type:     typ,
		Message:  msg,
		TargetID: target,
		Data:     data,
		Time:     q.snapshot.UpdatedAt,
	})
}

func (q *Queue) wakeChan() <-chan struct{} {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	return q.wake
}

// notify wakes every idle worker.
func (q *Queue) notify() {
	q.wakeMu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.wakeMu.Unlock()
}
