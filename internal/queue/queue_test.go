package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luccadibe/wpfleet/internal/events"
	"github.com/luccadibe/wpfleet/internal/locks"
	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/packages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records the order jobs start and finish and how many jobs run
// per installation at once.
type fakeRunner struct {
	delay  time.Duration
	result func(packages.Request) packages.Result

	mu        sync.Mutex
	active    map[string]int
	maxActive map[string]int
	log       []string
}

func newFakeRunner(delay time.Duration) *fakeRunner {
	return &fakeRunner{delay: delay, active: make(map[string]int), maxActive: make(map[string]int)}
}

func (r *fakeRunner) Execute(ctx context.Context, req packages.Request) packages.Result {
	r.mu.Lock()
	r.active[req.InstallationID]++
	if r.active[req.InstallationID] > r.maxActive[req.InstallationID] {
		r.maxActive[req.InstallationID] = r.active[req.InstallationID]
	}
	r.log = append(r.log, "start "+req.Slug)
	r.mu.Unlock()

	time.Sleep(r.delay)

	r.mu.Lock()
	r.active[req.InstallationID]--
	r.log = append(r.log, "finish "+req.Slug)
	r.mu.Unlock()

	if r.result != nil {
		return r.result(req)
	}
	return packages.Result{Status: packages.StatusSuccess, Message: req.Slug + " done"}
}

func (r *fakeRunner) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func job(site string, kind models.Kind, slug string) JobInput {
	return JobInput{Request: packages.Request{InstallationID: site, Kind: kind, Slug: slug, Operation: packages.OpUpdate}}
}

func startQueue(t *testing.T, runner Runner, opts Options) *Queue {
	t.Helper()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	q := New(runner, opts)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Wait()
	})
	return q
}

func waitComplete(t *testing.T, q *Queue) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return q.Snapshot().IsComplete }, 5*time.Second, 5*time.Millisecond)
	return q.Snapshot()
}

func TestJobListTakeFirst(t *testing.T) {
	var l jobList
	for _, id := range []string{"a1", "b1", "a2", "c1"} {
		l.Push(Job{ID: id, JobInput: JobInput{Request: packages.Request{InstallationID: id[:1]}}})
	}

	j, ok := l.TakeFirst(func(j Job) bool { return j.InstallationID != "a" })
	require.True(t, ok)
	assert.Equal(t, "b1", j.ID)

	_, ok = l.TakeFirst(func(j Job) bool { return j.InstallationID == "z" })
	assert.False(t, ok)
	assert.Equal(t, 3, l.Len())

	var ids []string
	for l.Len() > 0 {
		j, _ := l.TakeFirst(func(Job) bool { return true })
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"a1", "a2", "c1"}, ids, "remaining jobs keep FIFO order")
}

func TestEnqueueValidates(t *testing.T) {
	q := New(newFakeRunner(0), Options{})

	direct := job("site-1", models.KindPlugin, "akismet")
	direct.Operation = packages.OpActivate
	_, err := q.Enqueue([]JobInput{direct})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be queued")

	_, err = q.Enqueue([]JobInput{{Request: packages.Request{Kind: models.KindPlugin, Operation: packages.OpUpdate}}})
	assert.Error(t, err)
	assert.Empty(t, q.Snapshot().RunID, "rejected batch does not open a run")

	res, err := q.Enqueue(nil)
	require.NoError(t, err)
	assert.Zero(t, res.Accepted)
}

func TestLockInvariant(t *testing.T) {
	runner := newFakeRunner(5 * time.Millisecond)
	q := startQueue(t, runner, Options{Concurrency: 8})

	var jobs []JobInput
	for i := 0; i < 10; i++ {
		for _, site := range []string{"site-a", "site-b", "site-c"} {
			jobs = append(jobs, job(site, models.KindPlugin, "p"))
		}
	}
	res, err := q.Enqueue(jobs)
	require.NoError(t, err)
	assert.Equal(t, 30, res.Accepted)
	assert.Equal(t, 30, res.Snapshot.Total)

	snap := waitComplete(t, q)
	assert.Equal(t, 30, snap.Success)
	assert.Equal(t, 30, snap.Current)
	assert.Zero(t, snap.Queued)
	assert.Zero(t, snap.Running)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	for site, n := range runner.maxActive {
		assert.Equal(t, 1, n, "site %s ran jobs concurrently", site)
	}
	assert.Zero(t, q.Locks().Len())
}

func TestSnapshotConsistency(t *testing.T) {
	rec := &events.Recorder{}
	runner := newFakeRunner(time.Millisecond)
	runner.result = func(req packages.Request) packages.Result {
		switch req.Slug {
		case "skip":
			return packages.Result{Status: packages.StatusSkipped, Message: "skipped"}
		case "fail":
			return packages.Failed("boom")
		}
		return packages.Result{Status: packages.StatusSuccess}
	}
	q := startQueue(t, runner, Options{Concurrency: 3, Events: rec})

	_, err := q.Enqueue([]JobInput{
		job("a", models.KindPlugin, "ok"),
		job("a", models.KindPlugin, "skip"),
		job("b", models.KindTheme, "fail"),
		job("c", models.KindPlugin, "ok"),
	})
	require.NoError(t, err)
	snap := waitComplete(t, q)
	assert.Equal(t, 2, snap.Success)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Skipped)

	all := rec.Events()
	require.NotEmpty(t, all)
	assert.Equal(t, "Queued 4 package job(s)", all[0].Message)
	for _, ev := range all {
		data, ok := ev.Data.(EventData)
		require.True(t, ok)
		s := data.Snapshot
		assert.Equal(t, s.Success+s.Failed+s.Skipped, s.Current, ev.Message)
		if !s.IsComplete {
			assert.Equal(t, s.Total-s.Current, s.Queued+s.Running, ev.Message)
		}
	}

	complete := rec.Filter(events.ChannelPackageJob, events.TypeComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "Package queue complete: 2 success, 1 failed, 1 skipped", complete[0].Message)

	errs := rec.Filter(events.ChannelPackageJob, events.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0].Message)
	info := errs[0].Data.(EventData).Job
	require.NotNil(t, info)
	assert.Equal(t, JobInfo{SiteID: "b", SiteTitle: "b", Kind: "theme", Slug: "fail", Operation: packages.OpUpdate}, *info)
}

func TestGenerationReset(t *testing.T) {
	gate := make(chan struct{})
	runner := newFakeRunner(0)
	runner.result = func(req packages.Request) packages.Result {
		if req.Slug == "slow" {
			<-gate
		}
		return packages.Result{Status: packages.StatusSuccess}
	}
	q := startQueue(t, runner, Options{Concurrency: 2})

	first, err := q.Enqueue([]JobInput{job("a", models.KindPlugin, "slow")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Snapshot().Running == 1 }, time.Second, 5*time.Millisecond)

	joined, err := q.Enqueue([]JobInput{job("b", models.KindPlugin, "fast")})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, joined.RunID, "active run is reused")
	assert.Equal(t, 2, joined.Snapshot.Total)

	close(gate)
	done := waitComplete(t, q)
	assert.Equal(t, 2, done.Success)

	next, err := q.Enqueue([]JobInput{job("a", models.KindPlugin, "again")})
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, next.RunID)
	assert.Equal(t, 1, next.Snapshot.Total)
	assert.Zero(t, next.Snapshot.Success)
	assert.Equal(t, 1, waitComplete(t, q).Success)
}

func TestSameSiteJobsRunSequentially(t *testing.T) {
	runner := newFakeRunner(20 * time.Millisecond)
	q := startQueue(t, runner, Options{Concurrency: 8})

	res, err := q.Enqueue([]JobInput{
		job("site-1", models.KindPlugin, "akismet"),
		job("site-1", models.KindTheme, "twentytwenty"),
	})
	require.NoError(t, err)

	snap := waitComplete(t, q)
	assert.Equal(t, res.RunID, snap.RunID)
	assert.Equal(t, 2, snap.Success)
	assert.Zero(t, snap.Failed)
	assert.Zero(t, snap.Skipped)
	assert.Equal(t, []string{"start akismet", "finish akismet", "start twentytwenty", "finish twentytwenty"}, runner.order())
}

type panicRunner struct{}

func (panicRunner) Execute(ctx context.Context, req packages.Request) packages.Result {
	if req.Slug == "boom" {
		panic("remote exploded")
	}
	return packages.Result{Status: packages.StatusSuccess}
}

func TestPanicBecomesFailedResult(t *testing.T) {
	rec := &events.Recorder{}
	q := startQueue(t, panicRunner{}, Options{Concurrency: 1, Events: rec})

	_, err := q.Enqueue([]JobInput{job("a", models.KindPlugin, "boom"), job("a", models.KindPlugin, "fine")})
	require.NoError(t, err)
	snap := waitComplete(t, q)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Success)
	assert.False(t, q.IsLocked("a"))

	errs := rec.Filter(events.ChannelPackageJob, events.TypeError)
	require.Len(t, errs, 1)
	assert.True(t, strings.Contains(errs[0].Message, "remote exploded"))
}

func TestJobWaitsForSiteHeldElsewhere(t *testing.T) {
	set := locks.New()
	require.True(t, set.TryLock("site-1"))

	runner := newFakeRunner(0)
	q := startQueue(t, runner, Options{Locks: set})
	_, err := q.Enqueue([]JobInput{job("site-1", models.KindPlugin, "akismet"), job("site-2", models.KindPlugin, "akismet")})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Snapshot().Success == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, q.IsLocked("site-1"))
	assert.Equal(t, 1, q.Snapshot().Queued)

	set.Unlock("site-1")
	snap := waitComplete(t, q)
	assert.Equal(t, 2, snap.Success)
}
