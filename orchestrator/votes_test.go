package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

func TestCollectToggleRoundTrip(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t)
	ctx := context.Background()

	result := fx.engine.Collect(ctx, poll.ID, "u1", 0)
	require.True(t, result.Success)
	assert.Equal(t, store.ActionAdded, result.Action)

	result = fx.engine.Collect(ctx, poll.ID, "u1", 0)
	require.True(t, result.Success)
	assert.Equal(t, store.ActionRemoved, result.Action)

	counts, err := fx.store.CountVotesByOption(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[0])
}

func TestCollectChangeVote(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t)
	ctx := context.Background()

	fx.engine.Collect(ctx, poll.ID, "u1", 0)
	result := fx.engine.Collect(ctx, poll.ID, "u1", 1)
	require.True(t, result.Success)
	assert.Equal(t, store.ActionChanged, result.Action)

	counts, _ := fx.store.CountVotesByOption(ctx, poll.ID)
	assert.Equal(t, 0, counts[0])
	assert.Equal(t, 1, counts[1])
}

func TestCollectErrorMapping(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t)
	ctx := context.Background()

	result := fx.engine.Collect(ctx, poll.ID, "u1", 99)
	assert.False(t, result.Success)
	assert.Equal(t, "invalid_option", result.Error)

	result = fx.engine.Collect(ctx, 424242, "u1", 0)
	assert.False(t, result.Success)
	assert.Equal(t, "poll_not_found", result.Error)
}

func TestReactionAddSingleChoiceStripsAndConfirms(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t)
	ctx := context.Background()

	fx.engine.HandleReactionAdd(ctx, reactionEvent(poll, "u1", 0))

	votes, err := fx.store.ListVotesByUser(ctx, poll.ID, "u1")
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, 0, votes[0].OptionIndex)

	// Anonymous-by-default single choice: the ballot reaction must not stay
	// visible on the message.
	require.Len(t, fx.chat.removed, 1)
	assert.Equal(t, "u1", fx.chat.removed[0].UserID)
	assert.Equal(t, 1, fx.chat.dmCount("u1"))

	// The live embed was refreshed with the new tally.
	require.NotEmpty(t, fx.chat.edits)
	assert.Equal(t, poll.MessageID, fx.chat.edits[len(fx.chat.edits)-1].MessageID)
}

func TestReactionAddMultiSelectKeepsReaction(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t, multiChoice(2))
	ctx := context.Background()

	fx.engine.HandleReactionAdd(ctx, reactionEvent(poll, "u1", 0))

	votes, _ := fx.store.ListVotesByUser(ctx, poll.ID, "u1")
	require.Len(t, votes, 1)
	assert.Empty(t, fx.chat.removed, "open ballot keeps the reaction visible")
}

func TestReactionAddMaxChoicesKeepsReactionAndDMs(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t, func(p *store.Poll) {
		p.Options = []string{"A", "B", "C"}
		p.Emojis = []string{"🍎", "🍌", "🍒"}
		p.MultipleChoice = true
		p.MaxChoices = 2
	})
	ctx := context.Background()

	fx.engine.Collect(ctx, poll.ID, "u1", 0)
	fx.engine.Collect(ctx, poll.ID, "u1", 1)
	dmsBefore := fx.chat.dmCount("u1")

	fx.engine.HandleReactionAdd(ctx, reactionEvent(poll, "u1", 2))

	votes, _ := fx.store.ListVotesByUser(ctx, poll.ID, "u1")
	assert.Len(t, votes, 2, "cap rejected the third selection")
	assert.Empty(t, fx.chat.removed, "rejected reaction stays visible")
	assert.Equal(t, dmsBefore+1, fx.chat.dmCount("u1"), "cap explanation DM sent")
}

func TestReactionAddOnClosedPollSilentStrip(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t)
	ctx := context.Background()

	require.True(t, fx.lifecycle.Close(ctx, poll.ID, "manual").Success)

	fx.engine.HandleReactionAdd(ctx, reactionEvent(poll, "u1", 0))

	votes, _ := fx.store.ListVotesByUser(ctx, poll.ID, "u1")
	assert.Empty(t, votes)
	require.Len(t, fx.chat.removed, 1)
	assert.Equal(t, 0, fx.chat.dmCount("u1"), "inactive poll strips silently")
}

func TestReactionAddIgnoresBotAndUnknownMessages(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t)
	ctx := context.Background()

	fx.engine.HandleReactionAdd(ctx, reactionEvent(poll, testBotID, 0))

	unknown := reactionEvent(poll, "u1", 0)
	unknown.MessageID = "not-a-poll"
	fx.engine.HandleReactionAdd(ctx, unknown)

	votes, _ := fx.store.ListVotes(ctx, poll.ID)
	assert.Empty(t, votes)
}

func TestReactionRemoveOnlyAffectsOpenBallots(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Single choice: the bot strips reactions itself, so the resulting
	// REMOVE dispatch must not toggle the fresh vote off.
	single := fx.openPoll(t)
	fx.engine.Collect(ctx, single.ID, "u1", 0)
	fx.engine.HandleReactionRemove(ctx, reactionEvent(single, "u1", 0))
	votes, _ := fx.store.ListVotesByUser(ctx, single.ID, "u1")
	assert.Len(t, votes, 1, "single-choice remove events are ignored")

	// Multi non-anonymous: removing the reaction withdraws the vote.
	multi := fx.openPoll(t, multiChoice(2))
	fx.engine.Collect(ctx, multi.ID, "u1", 0)
	fx.engine.HandleReactionRemove(ctx, reactionEvent(multi, "u1", 0))
	votes, _ = fx.store.ListVotesByUser(ctx, multi.ID, "u1")
	assert.Empty(t, votes, "open-ballot remove withdraws the vote")

	// Anonymous multi behaves like single choice here.
	anon := fx.openPoll(t, multiChoice(2), anonymous)
	fx.engine.Collect(ctx, anon.ID, "u1", 0)
	fx.engine.HandleReactionRemove(ctx, reactionEvent(anon, "u1", 0))
	votes, _ = fx.store.ListVotesByUser(ctx, anon.ID, "u1")
	assert.Len(t, votes, 1)
}
