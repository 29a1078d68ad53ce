// Package scheduler runs the in-memory timer map that opens and closes polls
// at their configured times. The map is ephemeral; the database is rehydrated
// into it at startup and after every state change, so a restart never loses a
// scheduled transition.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/observability"
)

// Action is what a job does to its poll when it fires.
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

// Executor is the lifecycle service the scheduler dispatches into.
type Executor interface {
	OpenPoll(ctx context.Context, pollID int64) error
	ClosePoll(ctx context.Context, pollID int64) error
}

// ExecutorFunc adapts plain functions to Executor, so callers can wire the
// scheduler before the executor exists.
type ExecutorFunc struct {
	Open  func(ctx context.Context, pollID int64) error
	Close func(ctx context.Context, pollID int64) error
}

func (f ExecutorFunc) OpenPoll(ctx context.Context, pollID int64) error {
	return f.Open(ctx, pollID)
}

func (f ExecutorFunc) ClosePoll(ctx context.Context, pollID int64) error {
	return f.Close(ctx, pollID)
}

// Job is one pending transition. FireAt is always UTC.
type Job struct {
	ID     string
	PollID int64
	Action Action
	FireAt time.Time

	retries int
}

const (
	// retryDelay spaces out retries of a job whose executor reported a
	// failure, long enough for a transient chat or database outage to clear.
	retryDelay = 30 * time.Second
	// maxJobRetries bounds how long a persistently failing job is retried
	// before it is dropped; startup recovery reinstates anything still
	// pending in the database.
	maxJobRetries = 10
)

// JobID builds the deterministic job key. One open job and one close job can
// exist per poll; scheduling again replaces, it never duplicates.
func JobID(action Action, pollID int64) string {
	return fmt.Sprintf("%s_poll_%d", action, pollID)
}

// Scheduler owns the job map and the dispatch loop.
type Scheduler struct {
	exec     Executor
	interval time.Duration

	mu   sync.Mutex
	jobs map[string]*Job

	// inflight keeps a job from double-firing if execution outlives a tick.
	inflight map[string]bool
}

// New creates a scheduler dispatching into exec. The default tick is one
// second, which bounds how late a transition can run.
func New(exec Executor) *Scheduler {
	return &Scheduler{
		exec:     exec,
		interval: time.Second,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]bool),
	}
}

// SetInterval overrides the tick, for tests.
func (s *Scheduler) SetInterval(d time.Duration) { s.interval = d }

// Schedule registers (or replaces) the job for action on pollID. A fire time
// already in the past is accepted; the job fires on the next tick.
func (s *Scheduler) Schedule(action Action, pollID int64, fireAt time.Time) {
	id := JobID(action, pollID)
	job := &Job{ID: id, PollID: pollID, Action: action, FireAt: fireAt.UTC()}

	s.mu.Lock()
	_, replaced := s.jobs[id]
	s.jobs[id] = job
	s.mu.Unlock()

	entry := logrus.WithFields(logrus.Fields{
		"job":     id,
		"fire_at": job.FireAt.Format(time.RFC3339),
	})
	if replaced {
		entry.Info("scheduler: replaced job")
	} else {
		entry.Info("scheduler: registered job")
	}
	s.updateGauges()
}

// Cancel removes the job for action on pollID, reporting whether one existed.
func (s *Scheduler) Cancel(action Action, pollID int64) bool {
	id := JobID(action, pollID)
	s.mu.Lock()
	_, existed := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if existed {
		logrus.WithField("job", id).Info("scheduler: cancelled job")
		s.updateGauges()
	}
	return existed
}

// CancelPoll removes both jobs for a poll, used on delete and close.
func (s *Scheduler) CancelPoll(pollID int64) {
	s.Cancel(ActionOpen, pollID)
	s.Cancel(ActionClose, pollID)
}

// Has reports whether the job for action on pollID is registered. Recovery
// uses this to compare scheduler state against the database.
func (s *Scheduler) Has(action Action, pollID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[JobID(action, pollID)]
	return ok
}

// Snapshot returns the registered jobs sorted by fire time, for the recovery
// report and the debug endpoint.
func (s *Scheduler) Snapshot() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].FireAt.Before(out[k].FireAt) })
	return out
}

// Start runs the dispatch loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for id, job := range s.jobs {
		if !job.FireAt.After(now) && !s.inflight[id] {
			due = append(due, job)
			s.inflight[id] = true
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		observability.JobLag.Observe(now.Sub(job.FireAt).Seconds())
		go s.run(ctx, job)
	}
}

func (s *Scheduler) run(ctx context.Context, job *Job) {
	entry := logrus.WithFields(logrus.Fields{"job": job.ID, "poll_id": job.PollID})
	entry.Info("scheduler: firing job")

	var err error
	switch job.Action {
	case ActionOpen:
		err = s.exec.OpenPoll(ctx, job.PollID)
	case ActionClose:
		err = s.exec.ClosePoll(ctx, job.PollID)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		entry.WithError(err).Error("scheduler: job failed")
	}
	observability.JobFirings.WithLabelValues(string(job.Action), outcome).Inc()

	s.mu.Lock()
	delete(s.inflight, job.ID)
	if cur, ok := s.jobs[job.ID]; ok && cur == job {
		switch {
		case err == nil:
			delete(s.jobs, job.ID)
		case job.retries < maxJobRetries:
			// A failed transition keeps its job: a transient outage must
			// not leave an active poll without a close. The executor's
			// status guards make a stale retry a no-op.
			job.retries++
			job.FireAt = time.Now().UTC().Add(retryDelay)
		default:
			entry.Error("scheduler: dropping job after repeated failures")
			delete(s.jobs, job.ID)
		}
	}
	s.mu.Unlock()
	s.updateGauges()
}

func (s *Scheduler) updateGauges() {
	s.mu.Lock()
	counts := map[Action]int{}
	for _, j := range s.jobs {
		counts[j.Action]++
	}
	s.mu.Unlock()
	observability.ScheduledJobs.WithLabelValues(string(ActionOpen)).Set(float64(counts[ActionOpen]))
	observability.ScheduledJobs.WithLabelValues(string(ActionClose)).Set(float64(counts[ActionClose]))
}
