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

func TestReopenExtendsAndReseeds(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t)
	ctx := context.Background()
	fx.engine.Collect(ctx, poll.ID, "u1", 0)
	require.True(t, fx.lifecycle.Close(ctx, poll.ID, "scheduled").Success)
	addsBefore := len(fx.chat.added)

	result := fx.lifecycle.Reopen(ctx, poll.ID, 10, false)
	require.True(t, result.Success)

	stored, err := fx.store.GetPoll(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, stored.Status)
	assert.Equal(t, poll.MessageID, stored.MessageID, "reopen reuses the original message")
	assert.WithinDuration(t, time.Now().UTC().Add(10*time.Minute), stored.CloseTime, 5*time.Second)

	votes, _ := fx.store.ListVotes(ctx, poll.ID)
	assert.Len(t, votes, 1, "votes survive a non-reset reopen")

	assert.Len(t, fx.chat.added, addsBefore+2, "option reactions re-seeded")
	assert.True(t, fx.sched.Has(scheduler.ActionClose, poll.ID))
}

func TestReopenWithVoteReset(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t)
	ctx := context.Background()
	fx.engine.Collect(ctx, poll.ID, "u1", 0)
	fx.engine.Collect(ctx, poll.ID, "u2", 1)
	require.True(t, fx.lifecycle.Close(ctx, poll.ID, "scheduled").Success)

	require.True(t, fx.lifecycle.Reopen(ctx, poll.ID, 5, true).Success)

	votes, _ := fx.store.ListVotes(ctx, poll.ID)
	assert.Empty(t, votes)
}

func TestReopenRequiresClosedPoll(t *testing.T) {
	fx := newFixture(t)
	active := fx.openPoll(t)

	result := fx.lifecycle.Reopen(context.Background(), active.ID, 10, false)
	assert.False(t, result.Success)
	assert.Equal(t, "poll_not_closed", result.Error)

	scheduled := fx.newPoll(t)
	result = fx.lifecycle.Reopen(context.Background(), scheduled.ID, 10, false)
	assert.False(t, result.Success)
	assert.Equal(t, "poll_not_closed", result.Error)
}

func TestReopenZeroExtensionKeepsOriginalCloseTime(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t)
	ctx := context.Background()
	require.True(t, fx.lifecycle.Close(ctx, poll.ID, "manual").Success)

	result := fx.lifecycle.Reopen(ctx, poll.ID, 0, false)
	require.True(t, result.Success)

	stored, _ := fx.store.GetPoll(ctx, poll.ID)
	assert.WithinDuration(t, poll.CloseTime, stored.CloseTime, time.Second)
}
