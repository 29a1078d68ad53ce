package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

func TestRenderProgressBar(t *testing.T) {
	assert.Equal(t, strings.Repeat("░", 15), renderProgressBar(0))
	assert.Equal(t, strings.Repeat("█", 15), renderProgressBar(1))
	half := renderProgressBar(0.5)
	assert.Equal(t, 8, strings.Count(half, "█"))
	assert.Equal(t, 7, strings.Count(half, "░"))

	// Out-of-range shares clamp instead of panicking.
	assert.Equal(t, strings.Repeat("░", 15), renderProgressBar(-2))
	assert.Equal(t, strings.Repeat("█", 15), renderProgressBar(3))
}

func TestWinnerIndices(t *testing.T) {
	assert.Nil(t, winnerIndices(map[int]int{}, 3), "zero votes has no winner")
	assert.Equal(t, []int{1}, winnerIndices(map[int]int{0: 1, 1: 4, 2: 2}, 3))
	assert.Equal(t, []int{0, 2}, winnerIndices(map[int]int{0: 3, 1: 1, 2: 3}, 3))
}

func samplePoll(status string) *store.Poll {
	return &store.Poll{
		ID:        7,
		Name:      "Movie night",
		Question:  "What do we watch?",
		Options:   []string{"Alien", "Heat", "Clue"},
		Emojis:    []string{"👽", "🔥", "🔎"},
		CreatorID: "creator-1",
		Status:    status,
		OpenTime:  time.Now().UTC().Add(time.Hour),
		CloseTime: time.Now().UTC().Add(2 * time.Hour),
		Timezone:  "UTC",
	}
}

func TestBuildPollEmbedStatusPresentation(t *testing.T) {
	scheduled := BuildPollEmbed(samplePoll(store.StatusScheduled), nil, 0)
	assert.True(t, strings.HasPrefix(scheduled.Title, "🕐"))
	assert.Equal(t, colorScheduled, scheduled.Color)

	active := BuildPollEmbed(samplePoll(store.StatusActive), nil, 0)
	assert.True(t, strings.HasPrefix(active.Title, "📊"))
	assert.Equal(t, colorActive, active.Color)

	closed := BuildPollEmbed(samplePoll(store.StatusClosed), nil, 0)
	assert.True(t, strings.HasPrefix(closed.Title, "🏁"))
	assert.Equal(t, colorClosed, closed.Color)
}

func TestBuildPollEmbedCountsAndWinner(t *testing.T) {
	counts := map[int]int{0: 3, 1: 1}
	embed := BuildPollEmbed(samplePoll(store.StatusClosed), counts, 4)

	require.GreaterOrEqual(t, len(embed.Fields), 3)
	assert.Contains(t, embed.Fields[0].Name, "👑")
	assert.Contains(t, embed.Fields[0].Value, "3 votes (75.0%)")
	assert.NotContains(t, embed.Fields[1].Name, "👑")
	assert.Contains(t, embed.Fields[1].Value, "1 votes (25.0%)")

	var result string
	for _, f := range embed.Fields {
		if f.Name == "Result" {
			result = f.Value
		}
	}
	assert.Equal(t, "Winner: **Alien**", result)
	require.NotNil(t, embed.Footer)
	assert.Contains(t, embed.Footer.Text, "Poll #7")
}

func TestBuildPollEmbedTieAndNoVotes(t *testing.T) {
	tie := BuildPollEmbed(samplePoll(store.StatusClosed), map[int]int{0: 2, 2: 2}, 4)
	var result string
	for _, f := range tie.Fields {
		if f.Name == "Result" {
			result = f.Value
		}
	}
	assert.Equal(t, "Tie between **Alien**, **Clue**", result)

	empty := BuildPollEmbed(samplePoll(store.StatusClosed), nil, 0)
	result = ""
	for _, f := range empty.Fields {
		if f.Name == "Result" {
			result = f.Value
		}
	}
	assert.Equal(t, "No votes were cast", result)
}

func TestDisplayEmojiFallback(t *testing.T) {
	p := samplePoll(store.StatusActive)
	assert.Equal(t, "👽", displayEmoji(p, 0))

	p.Emojis[1] = ""
	assert.Equal(t, discord.LetteredEmojis[1], displayEmoji(p, 1))

	// Index beyond the emoji slice also falls back.
	p.Emojis = p.Emojis[:1]
	assert.Equal(t, discord.LetteredEmojis[2], displayEmoji(p, 2))
}

func TestPollBadges(t *testing.T) {
	p := samplePoll(store.StatusActive)
	assert.Empty(t, pollBadges(p))

	p.Anonymous = true
	p.MultipleChoice = true
	p.MaxChoices = 2
	badges := pollBadges(p)
	assert.Contains(t, badges, "Anonymous")
	assert.Contains(t, badges, "max 2")
}
