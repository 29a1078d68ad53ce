package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	mu     sync.Mutex
	opened []int64
	closed []int64
}

func (m *mockExecutor) OpenPoll(_ context.Context, pollID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, pollID)
	return nil
}

func (m *mockExecutor) ClosePoll(_ context.Context, pollID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, pollID)
	return nil
}

func (m *mockExecutor) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.opened), len(m.closed)
}

func TestJobID(t *testing.T) {
	assert.Equal(t, "open_poll_42", JobID(ActionOpen, 42))
	assert.Equal(t, "close_poll_42", JobID(ActionClose, 42))
}

func TestScheduleReplacesExisting(t *testing.T) {
	s := New(&mockExecutor{})
	s.Schedule(ActionClose, 7, time.Now().Add(time.Hour))
	s.Schedule(ActionClose, 7, time.Now().Add(2*time.Hour))

	snap := s.Snapshot()
	require.Len(t, snap, 1, "rescheduling must replace, not duplicate")
	assert.Equal(t, "close_poll_7", snap[0].ID)
}

func TestPastDueJobFiresOnNextTick(t *testing.T) {
	exec := &mockExecutor{}
	s := New(exec)
	s.SetInterval(10 * time.Millisecond)

	s.Schedule(ActionOpen, 1, time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool {
		opened, _ := exec.counts()
		return opened == 1
	}, time.Second, 10*time.Millisecond)

	assert.False(t, s.Has(ActionOpen, 1), "fired job must leave the map")
}

func TestFutureJobDoesNotFireEarly(t *testing.T) {
	exec := &mockExecutor{}
	s := New(exec)
	s.SetInterval(10 * time.Millisecond)

	s.Schedule(ActionClose, 2, time.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(100 * time.Millisecond)
	_, closed := exec.counts()
	assert.Zero(t, closed)
	assert.True(t, s.Has(ActionClose, 2))
}

func TestCancelPollRemovesBothJobs(t *testing.T) {
	s := New(&mockExecutor{})
	s.Schedule(ActionOpen, 3, time.Now().Add(time.Hour))
	s.Schedule(ActionClose, 3, time.Now().Add(2*time.Hour))

	s.CancelPoll(3)

	assert.False(t, s.Has(ActionOpen, 3))
	assert.False(t, s.Has(ActionClose, 3))
	assert.Empty(t, s.Snapshot())
}

func TestCancelReportsExistence(t *testing.T) {
	s := New(&mockExecutor{})
	s.Schedule(ActionOpen, 4, time.Now().Add(time.Hour))

	assert.True(t, s.Cancel(ActionOpen, 4))
	assert.False(t, s.Cancel(ActionOpen, 4), "second cancel must report no job")
}

func TestJobFiresOnceUnderSlowExecution(t *testing.T) {
	exec := &mockExecutor{}
	s := New(exec)
	s.SetInterval(5 * time.Millisecond)

	s.Schedule(ActionOpen, 5, time.Now().Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	opened, _ := exec.counts()
	assert.Equal(t, 1, opened, "a due job must fire exactly once")
}

// flakyExecutor fails its first n calls, then succeeds.
type flakyExecutor struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (m *flakyExecutor) OpenPoll(ctx context.Context, pollID int64) error {
	return m.ClosePoll(ctx, pollID)
}

func (m *flakyExecutor) ClosePoll(_ context.Context, pollID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return errors.New("chat unavailable")
	}
	return nil
}

// fireNow runs the registered job synchronously, the way fireDue would.
func fireNow(t *testing.T, s *Scheduler, action Action, pollID int64) {
	t.Helper()
	s.mu.Lock()
	job, ok := s.jobs[JobID(action, pollID)]
	if ok {
		s.inflight[job.ID] = true
	}
	s.mu.Unlock()
	require.True(t, ok, "job %s not registered", JobID(action, pollID))
	s.run(context.Background(), job)
}

func TestFailedJobIsKeptForRetry(t *testing.T) {
	exec := &flakyExecutor{failures: 1}
	s := New(exec)
	s.Schedule(ActionClose, 42, time.Now().Add(-time.Minute))

	fireNow(t, s, ActionClose, 42)

	require.True(t, s.Has(ActionClose, 42), "job survives an executor failure")
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].FireAt.After(time.Now()), "retry is deferred, not immediate")

	fireNow(t, s, ActionClose, 42)
	assert.False(t, s.Has(ActionClose, 42), "successful retry consumes the job")
	assert.Equal(t, 2, exec.calls)
}

func TestJobDroppedAfterRepeatedFailures(t *testing.T) {
	exec := &flakyExecutor{failures: maxJobRetries + 5}
	s := New(exec)
	s.Schedule(ActionOpen, 7, time.Now().Add(-time.Minute))

	for i := 0; i <= maxJobRetries; i++ {
		fireNow(t, s, ActionOpen, 7)
	}

	assert.False(t, s.Has(ActionOpen, 7), "persistently failing job is eventually dropped")
	assert.Equal(t, maxJobRetries+1, exec.calls)
}

func TestRescheduleDuringFailedRunWins(t *testing.T) {
	exec := &flakyExecutor{failures: 10}
	s := New(exec)
	s.Schedule(ActionClose, 9, time.Now().Add(-time.Minute))

	s.mu.Lock()
	job := s.jobs[JobID(ActionClose, 9)]
	s.inflight[job.ID] = true
	s.mu.Unlock()

	// A reopen replaces the close job while the old one is executing.
	replacement := time.Now().Add(time.Hour)
	s.Schedule(ActionClose, 9, replacement)
	s.run(context.Background(), job)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, replacement.UTC().Unix(), snap[0].FireAt.Unix(), "replacement must not be clobbered by the failed run")
}

func TestSnapshotSortedByFireTime(t *testing.T) {
	s := New(&mockExecutor{})
	now := time.Now()
	s.Schedule(ActionClose, 10, now.Add(3*time.Hour))
	s.Schedule(ActionOpen, 11, now.Add(time.Hour))
	s.Schedule(ActionClose, 11, now.Add(2*time.Hour))

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "open_poll_11", snap[0].ID)
	assert.Equal(t, "close_poll_11", snap[1].ID)
	assert.Equal(t, "close_poll_10", snap[2].ID)
}
