package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacnpal/polly-sub001/orchestrator/scheduler"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

func newRecovery(fx *fixture) *Recovery {
	return NewRecovery(fx.store, fx.chat, fx.lifecycle, fx.sched, fx.archiver, fx.notifier)
}

func TestRecoveryOpensOverdueScheduledPoll(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	// Open time has passed while the process was down; close time has not.
	poll := fx.newPoll(t, func(p *store.Poll) {
		p.OpenTime = time.Now().UTC().Add(-30 * time.Minute)
		p.CloseTime = time.Now().UTC().Add(time.Hour)
	})

	report := newRecovery(fx).Run(ctx)

	assert.Equal(t, 1, report.Opened)
	stored, err := fx.store.GetPoll(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, stored.Status)
	assert.NotEmpty(t, stored.MessageID)
	assert.True(t, fx.sched.Has(scheduler.ActionClose, poll.ID))
}

func TestRecoveryOpensAndClosesFullyOverduePoll(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	// Both times passed during downtime: the poll still gets its message,
	// final tally and archive.
	poll := fx.newPoll(t, func(p *store.Poll) {
		p.OpenTime = time.Now().UTC().Add(-2 * time.Hour)
		p.CloseTime = time.Now().UTC().Add(-time.Hour)
	})

	report := newRecovery(fx).Run(ctx)

	assert.Equal(t, 1, report.Opened)
	assert.Equal(t, 1, report.Closed)
	stored, _ := fx.store.GetPoll(ctx, poll.ID)
	assert.Equal(t, store.StatusClosed, stored.Status)
	assert.NotEmpty(t, stored.MessageID)
}

func TestRecoveryClosesOverdueActivePoll(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	poll := fx.newPoll(t, func(p *store.Poll) {
		p.OpenTime = time.Now().UTC().Add(-2 * time.Hour)
		p.CloseTime = time.Now().UTC().Add(-time.Minute)
	})
	// Activate directly so the sweep sees an active poll past its close time.
	require.True(t, fx.lifecycle.Open(ctx, poll.ID, ReasonManual).Success)

	report := newRecovery(fx).Run(ctx)

	assert.GreaterOrEqual(t, report.Closed, 1)
	stored, _ := fx.store.GetPoll(ctx, poll.ID)
	assert.Equal(t, store.StatusClosed, stored.Status)
}

func TestRecoveryReinstatesLostJobs(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	future := fx.newPoll(t, func(p *store.Poll) {
		p.OpenTime = time.Now().UTC().Add(time.Hour)
		p.CloseTime = time.Now().UTC().Add(2 * time.Hour)
	})
	active := fx.openPoll(t)
	// Simulate the restart that wiped the in-memory job map.
	fx.sched.CancelPoll(future.ID)
	fx.sched.CancelPoll(active.ID)

	report := newRecovery(fx).Run(ctx)

	assert.True(t, fx.sched.Has(scheduler.ActionOpen, future.ID))
	assert.True(t, fx.sched.Has(scheduler.ActionClose, future.ID))
	assert.True(t, fx.sched.Has(scheduler.ActionClose, active.ID))
	assert.GreaterOrEqual(t, report.Rescheduled, 2)
}

func TestRecoveryPrunesPollWithDeletedMessage(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	poll := fx.openPoll(t)
	delete(fx.chat.messages, poll.MessageID)
	fx.chat.fetchErr[poll.MessageID] = notFoundErr()

	report := newRecovery(fx).Run(ctx)

	assert.Equal(t, 1, report.Pruned)
	_, err := fx.store.GetPoll(ctx, poll.ID)
	assert.ErrorIs(t, err, store.ErrPollNotFound)
}

func TestRecoveryConverges(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.newPoll(t, func(p *store.Poll) {
		p.OpenTime = time.Now().UTC().Add(-time.Hour)
		p.CloseTime = time.Now().UTC().Add(time.Hour)
	})
	fx.newPoll(t, func(p *store.Poll) {
		p.OpenTime = time.Now().UTC().Add(time.Hour)
		p.CloseTime = time.Now().UTC().Add(2 * time.Hour)
	})

	report := newRecovery(fx).Run(ctx)

	assert.InDelta(t, 1.0, report.Confidence, 0.001)
	assert.LessOrEqual(t, report.Passes, recoveryMaxPasses)
	assert.Greater(t, report.Passes, 1, "a pass with writes forces a re-check pass")
}

func TestRecoveryBackfillsArchives(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	poll := fx.openPoll(t)
	fx.engine.Collect(ctx, poll.ID, "u1", 0)
	require.True(t, fx.lifecycle.Close(ctx, poll.ID, "manual").Success)
	// The close enqueued a background job nothing consumes in tests, so the
	// file is still missing when recovery runs.
	require.False(t, fx.archiver.Exists(poll.ID))

	report := newRecovery(fx).Run(ctx)

	assert.Equal(t, 1, report.ArchivesBackfilled)
	assert.True(t, fx.archiver.Exists(poll.ID))
}
