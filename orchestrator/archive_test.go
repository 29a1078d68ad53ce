package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

func TestArchiveRenderClosedPoll(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	poll := fx.openPoll(t)
	fx.engine.Collect(ctx, poll.ID, "u1", 0)
	require.NoError(t, fx.store.UpsertUser(ctx, &store.User{ID: "u1", Username: "sam"}))
	require.True(t, fx.lifecycle.Close(ctx, poll.ID, "manual").Success)

	html, err := fx.archiver.Render(ctx, poll.ID)
	require.NoError(t, err)

	page := string(html)
	assert.Contains(t, page, "Snack vote")
	assert.Contains(t, page, "Pick a snack")
	assert.Contains(t, page, "<strong>Pretzels</strong> 1 vote (100.0%)")
	assert.Contains(t, page, "<strong>Popcorn</strong> 0 votes (0.0%)")
	assert.Contains(t, page, "👑")
	assert.Contains(t, page, "Total votes: 1")
	assert.Contains(t, page, "sam — Pretzels", "non-anonymous archives list voters by name")
}

func TestArchiveAnonymousPollOmitsVoters(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	poll := fx.openPoll(t, anonymous)
	fx.engine.Collect(ctx, poll.ID, "u1", 0)
	require.True(t, fx.lifecycle.Close(ctx, poll.ID, "manual").Success)

	html, err := fx.archiver.Render(ctx, poll.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(html), "Voters</h2>")
	assert.NotContains(t, string(html), "u1")
}

func TestArchiveCustomEmojiRendersAsImage(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.chat.guildEmojis[testGuild] = []discord.Emoji{{ID: "123", Name: "blob"}}
	poll := fx.openPoll(t, func(p *store.Poll) {
		p.Emojis = []string{"<:blob:123>", "🍿"}
	})
	require.True(t, fx.lifecycle.Close(ctx, poll.ID, "manual").Success)

	html, err := fx.archiver.Render(ctx, poll.ID)
	require.NoError(t, err)

	page := string(html)
	assert.Contains(t, page, `src="https://cdn.discordapp.com/emojis/123.png"`)
	assert.NotContains(t, page, "<:blob:123>", "raw custom tokens mean nothing outside Discord")
	assert.Contains(t, page, "🍿", "unicode emojis still render inline")
}

func TestArchiveOnlyClosedPolls(t *testing.T) {
	fx := newFixture(t)
	poll := fx.openPoll(t)

	_, err := fx.archiver.Render(context.Background(), poll.ID)
	assert.Error(t, err)

	_, err = fx.archiver.Render(context.Background(), 999)
	assert.ErrorIs(t, err, store.ErrPollNotFound)
}

func TestArchiveGenerateSyncWritesFile(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	poll := fx.openPoll(t)
	require.True(t, fx.lifecycle.Close(ctx, poll.ID, "manual").Success)

	require.False(t, fx.archiver.Exists(poll.ID))
	require.NoError(t, fx.archiver.GenerateSync(ctx, poll.ID))
	require.True(t, fx.archiver.Exists(poll.ID))

	data, err := os.ReadFile(fx.archiver.Path(poll.ID))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Snack vote")

	// No torn temp file left behind.
	_, err = os.Stat(fx.archiver.Path(poll.ID) + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveBackfillSkipsExisting(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	first := fx.openPoll(t)
	require.True(t, fx.lifecycle.Close(ctx, first.ID, "manual").Success)
	second := fx.openPoll(t)
	require.True(t, fx.lifecycle.Close(ctx, second.ID, "manual").Success)
	require.NoError(t, fx.archiver.GenerateSync(ctx, first.ID))

	assert.Equal(t, 1, fx.archiver.Backfill(ctx, 10))
	assert.Equal(t, 0, fx.archiver.Backfill(ctx, 10), "second run has nothing to do")
}
