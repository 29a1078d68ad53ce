package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoll(mutate ...func(*Poll)) *Poll {
	now := time.Now().UTC()
	p := &Poll{
		Name:      "Lunch",
		Question:  "Where to?",
		Options:   []string{"Tacos", "Ramen", "Pizza"},
		Emojis:    []string{"🌮", "🍜", "🍕"},
		ServerID:  "g1",
		ChannelID: "c1",
		CreatorID: "u0",
		OpenTime:  now.Add(-time.Minute),
		CloseTime: now.Add(time.Hour),
		Timezone:  "UTC",
	}
	for _, m := range mutate {
		m(p)
	}
	return p
}

func createActive(t *testing.T, s *MemoryStore, mutate ...func(*Poll)) *Poll {
	t.Helper()
	ctx := context.Background()
	p := testPoll(mutate...)
	require.NoError(t, s.CreatePoll(ctx, p))
	require.NoError(t, s.MarkActive(ctx, p.ID, "m1"))
	p, err := s.GetPoll(ctx, p.ID)
	require.NoError(t, err)
	return p
}

func TestCreatePollValidates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.CreatePoll(ctx, testPoll(func(p *Poll) { p.Options = []string{"only one"} }))
	assert.Error(t, err)

	err = s.CreatePoll(ctx, testPoll(func(p *Poll) { p.CloseTime = p.OpenTime }))
	assert.Error(t, err)

	p := testPoll()
	require.NoError(t, s.CreatePoll(ctx, p))
	assert.Equal(t, StatusScheduled, p.Status)
	assert.NotZero(t, p.ID)
}

func TestSingleChoiceVoteLaws(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createActive(t, s)

	// Add.
	action, err := s.CollectVote(ctx, p.ID, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, ActionAdded, action)

	// Changing to another option keeps exactly one row.
	action, err = s.CollectVote(ctx, p.ID, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, ActionChanged, action)
	votes, _ := s.ListVotesByUser(ctx, p.ID, "u1")
	require.Len(t, votes, 1)
	assert.Equal(t, 1, votes[0].OptionIndex)

	// Re-voting the same option toggles it off.
	action, err = s.CollectVote(ctx, p.ID, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, ActionRemoved, action)
	votes, _ = s.ListVotesByUser(ctx, p.ID, "u1")
	assert.Empty(t, votes)
}

func TestMultiChoiceVoteCap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createActive(t, s, func(p *Poll) {
		p.MultipleChoice = true
		p.MaxChoices = 2
	})

	_, err := s.CollectVote(ctx, p.ID, "u1", 0)
	require.NoError(t, err)
	_, err = s.CollectVote(ctx, p.ID, "u1", 1)
	require.NoError(t, err)

	_, err = s.CollectVote(ctx, p.ID, "u1", 2)
	assert.ErrorIs(t, err, ErrVoteCapHit)

	// Toggling one off frees a slot.
	action, err := s.CollectVote(ctx, p.ID, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, ActionRemoved, action)
	action, err = s.CollectVote(ctx, p.ID, "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, ActionAdded, action)
}

func TestCollectVoteGuards(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CollectVote(ctx, 99, "u1", 0)
	assert.ErrorIs(t, err, ErrPollNotFound)

	p := createActive(t, s)
	_, err = s.CollectVote(ctx, p.ID, "u1", 5)
	assert.ErrorIs(t, err, ErrInvalidOption)

	// Votes against non-active polls are ignored, not errors: the caller
	// strips the reaction and moves on.
	_, err = s.MarkClosed(ctx, p.ID)
	require.NoError(t, err)
	action, err := s.CollectVote(ctx, p.ID, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, action)
}

func TestCountsAndUniqueVoters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createActive(t, s, func(p *Poll) {
		p.MultipleChoice = true
		p.MaxChoices = 3
	})

	s.CollectVote(ctx, p.ID, "u1", 0)
	s.CollectVote(ctx, p.ID, "u1", 1)
	s.CollectVote(ctx, p.ID, "u2", 0)

	counts, err := s.CountVotesByOption(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[0])
	assert.Equal(t, 1, counts[1])

	voters, err := s.CountUniqueVoters(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, voters)
}

func TestStatusTransitionGuards(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := testPoll()
	require.NoError(t, s.CreatePoll(ctx, p))

	// Close before open is rejected.
	_, err := s.MarkClosed(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, s.MarkActive(ctx, p.ID, "m1"))

	// A second activation loses the guard.
	assert.ErrorIs(t, s.MarkActive(ctx, p.ID, "m2"), ErrNotScheduled)
	got, _ := s.GetPoll(ctx, p.ID)
	assert.Equal(t, "m1", got.MessageID, "losing opener must not clobber the message id")

	already, err := s.MarkClosed(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = s.MarkClosed(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, already, "closing a closed poll is a reported no-op")
}

func TestMarkReopened(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createActive(t, s)
	s.CollectVote(ctx, p.ID, "u1", 0)
	_, err := s.MarkClosed(ctx, p.ID)
	require.NoError(t, err)

	newClose := time.Now().UTC().Add(30 * time.Minute)
	require.NoError(t, s.MarkReopened(ctx, p.ID, newClose, false))

	got, _ := s.GetPoll(ctx, p.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.WithinDuration(t, newClose, got.CloseTime, time.Second)
	assert.True(t, got.ClosedAt.IsZero())
	votes, _ := s.ListVotes(ctx, p.ID)
	assert.Len(t, votes, 1)

	// Reopening an active poll is rejected.
	assert.ErrorIs(t, s.MarkReopened(ctx, p.ID, newClose, false), ErrNotClosed)
}

func TestMarkReopenedResetVotes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createActive(t, s)
	s.CollectVote(ctx, p.ID, "u1", 0)
	s.CollectVote(ctx, p.ID, "u2", 1)
	_, err := s.MarkClosed(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, s.MarkReopened(ctx, p.ID, time.Now().UTC().Add(time.Hour), true))

	votes, _ := s.ListVotes(ctx, p.ID)
	assert.Empty(t, votes)
}

func TestGetPollByMessageID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createActive(t, s)

	got, err := s.GetPollByMessageID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = s.GetPollByMessageID(ctx, "unknown")
	assert.ErrorIs(t, err, ErrPollNotFound)

	// Unopened polls have no message and must not match the empty string.
	require.NoError(t, s.CreatePoll(ctx, testPoll()))
	_, err = s.GetPollByMessageID(ctx, "")
	assert.ErrorIs(t, err, ErrPollNotFound)
}

func TestDeletePollRemovesVotes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createActive(t, s)
	s.CollectVote(ctx, p.ID, "u1", 0)

	require.NoError(t, s.DeletePoll(ctx, p.ID))

	_, err := s.GetPoll(ctx, p.ID)
	assert.ErrorIs(t, err, ErrPollNotFound)
	votes, _ := s.ListVotes(ctx, p.ID)
	assert.Empty(t, votes)

	assert.ErrorIs(t, s.DeletePoll(ctx, p.ID), ErrPollNotFound)
}

func TestSetEmojisAndImageMessage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createActive(t, s)

	require.NoError(t, s.SetEmojis(ctx, p.ID, []string{"🇦", "🍜", "🍕"}))
	require.NoError(t, s.SetImageMessageID(ctx, p.ID, "img-1"))

	got, _ := s.GetPoll(ctx, p.ID)
	assert.Equal(t, "🇦", got.Emojis[0])
	assert.Equal(t, "img-1", got.ImageMsgID)
}

func TestPreferencesRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	pref, err := s.GetPreference(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, pref)

	require.NoError(t, s.SavePreference(ctx, &UserPreference{
		UserID:          "u1",
		LastServerID:    "g1",
		DefaultTimezone: "US/Eastern",
		TimezoneSet:     true,
	}))
	require.NoError(t, s.SavePreference(ctx, &UserPreference{
		UserID:          "u1",
		LastServerID:    "g2",
		DefaultTimezone: "US/Eastern",
		TimezoneSet:     true,
	}))

	pref, err = s.GetPreference(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, pref)
	assert.Equal(t, "g2", pref.LastServerID)
}

func TestListPollsByGuildNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreatePoll(ctx, testPoll()))
	}
	require.NoError(t, s.CreatePoll(ctx, testPoll(func(p *Poll) { p.ServerID = "other" })))

	polls, err := s.ListPollsByGuild(ctx, "g1", 2)
	require.NoError(t, err)
	require.Len(t, polls, 2)
	assert.Greater(t, polls[0].ID, polls[1].ID)
}
