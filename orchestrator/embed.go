package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
	"github.com/pacnpal/polly-sub001/orchestrator/timeutil"
)

// Embed colors per lifecycle state.
const (
	colorScheduled = 0x95A5A6 // grey
	colorActive    = 0x3498DB // blue
	colorClosed    = 0x9B59B6 // purple
)

const progressBarWidth = 15

// renderProgressBar draws a filled/empty bar for a share in [0,1].
func renderProgressBar(share float64) string {
	if share < 0 {
		share = 0
	}
	if share > 1 {
		share = 1
	}
	filled := int(share*progressBarWidth + 0.5)
	return strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)
}

// statusEmoji prefixes the embed title with the lifecycle state.
func statusEmoji(status string) string {
	switch status {
	case store.StatusActive:
		return "📊"
	case store.StatusClosed:
		return "🏁"
	default:
		return "🕐"
	}
}

// winnerIndices returns the highest-count options; ties keep every leader and
// the caller highlights the lowest index first.
func winnerIndices(counts map[int]int, optionCount int) []int {
	best := 0
	for i := 0; i < optionCount; i++ {
		if counts[i] > best {
			best = counts[i]
		}
	}
	if best == 0 {
		return nil
	}
	var winners []int
	for i := 0; i < optionCount; i++ {
		if counts[i] == best {
			winners = append(winners, i)
		}
	}
	return winners
}

// BuildPollEmbed renders the poll message body for any lifecycle state.
// counts may be nil for a freshly opened poll.
func BuildPollEmbed(p *store.Poll, counts map[int]int, uniqueVoters int) *discord.Embed {
	total := 0
	for _, c := range counts {
		total += c
	}

	embed := &discord.Embed{
		Title:       fmt.Sprintf("%s %s", statusEmoji(p.Status), p.Name),
		Description: p.Question,
		Color:       embedColor(p.Status),
	}

	winners := map[int]bool{}
	if p.Status == store.StatusClosed {
		for _, i := range winnerIndices(counts, len(p.Options)) {
			winners[i] = true
		}
	}

	for i, option := range p.Options {
		count := counts[i]
		share := 0.0
		if total > 0 {
			share = float64(count) / float64(total)
		}
		name := fmt.Sprintf("%s %s", displayEmoji(p, i), option)
		if winners[i] {
			name = "👑 " + name
		}
		embed.Fields = append(embed.Fields, discord.EmbedField{
			Name:  name,
			Value: fmt.Sprintf("%s %d votes (%.1f%%)", renderProgressBar(share), count, share*100),
		})
	}

	embed.Fields = append(embed.Fields, discord.EmbedField{
		Name:   "Total Votes",
		Value:  fmt.Sprintf("%d", total),
		Inline: true,
	})
	if uniqueVoters > 0 {
		embed.Fields = append(embed.Fields, discord.EmbedField{
			Name:   "Voters",
			Value:  fmt.Sprintf("%d", uniqueVoters),
			Inline: true,
		})
	}
	if badges := pollBadges(p); badges != "" {
		embed.Fields = append(embed.Fields, discord.EmbedField{
			Name:   "Type",
			Value:  badges,
			Inline: true,
		})
	}

	switch p.Status {
	case store.StatusScheduled:
		embed.Fields = append(embed.Fields, discord.EmbedField{
			Name:  "Opens",
			Value: timeutil.FormatForUser(p.OpenTime, p.Timezone),
		})
		embed.Fields = append(embed.Fields, discord.EmbedField{
			Name:  "Closes",
			Value: timeutil.FormatForUser(p.CloseTime, p.Timezone),
		})
	case store.StatusActive:
		embed.Fields = append(embed.Fields, discord.EmbedField{
			Name:  "Closes",
			Value: timeutil.FormatForUser(p.CloseTime, p.Timezone),
		})
	case store.StatusClosed:
		label := "No votes were cast"
		if ws := winnerIndices(counts, len(p.Options)); len(ws) == 1 {
			label = fmt.Sprintf("Winner: **%s**", p.Options[ws[0]])
		} else if len(ws) > 1 {
			names := make([]string, len(ws))
			for k, i := range ws {
				names[k] = p.Options[i]
			}
			label = "Tie between **" + strings.Join(names, "**, **") + "**"
		}
		embed.Fields = append(embed.Fields, discord.EmbedField{
			Name:  "Result",
			Value: label,
		})
	}

	embed.Footer = &discord.EmbedFooter{Text: fmt.Sprintf("Poll #%d • created by <@%s>", p.ID, p.CreatorID)}
	embed.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return embed
}

func embedColor(status string) int {
	switch status {
	case store.StatusActive:
		return colorActive
	case store.StatusClosed:
		return colorClosed
	default:
		return colorScheduled
	}
}

// displayEmoji returns the emoji shown next to option i, falling back to the
// lettered marker when the stored token is empty or unresolvable.
func displayEmoji(p *store.Poll, i int) string {
	if i < len(p.Emojis) && p.Emojis[i] != "" {
		return p.Emojis[i]
	}
	return discord.LetteredEmojis[i%len(discord.LetteredEmojis)]
}

func pollBadges(p *store.Poll) string {
	var badges []string
	if p.Anonymous {
		badges = append(badges, "🕵️ Anonymous")
	}
	if p.MultipleChoice {
		badges = append(badges, fmt.Sprintf("☑️ Multi-choice (max %d)", p.EffectiveMaxChoices()))
	}
	return strings.Join(badges, " • ")
}

// voteConfirmationDM is the DM body after a successful vote write.
func voteConfirmationDM(p *store.Poll, action store.VoteAction, optionIndex int) string {
	option := p.Options[optionIndex]
	switch action {
	case store.ActionAdded:
		return fmt.Sprintf("Your vote for **%s** on \"%s\" was recorded.", option, p.Name)
	case store.ActionChanged:
		return fmt.Sprintf("Your vote on \"%s\" was changed to **%s**.", p.Name, option)
	case store.ActionRemoved:
		return fmt.Sprintf("Your vote for **%s** on \"%s\" was removed.", option, p.Name)
	default:
		return ""
	}
}

// maxChoicesDM explains a rejected vote on a capped multi-select poll.
func maxChoicesDM(p *store.Poll) string {
	return fmt.Sprintf(
		"You already have %d selections on \"%s\", which is the maximum. Remove one (react again on it) before adding another.",
		p.EffectiveMaxChoices(), p.Name)
}
