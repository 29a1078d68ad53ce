package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/cache"
	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/observability"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

// VoteResult is the structured outcome the engine hands back to every caller
// (gateway events, safeguard sweeps, dashboard admin actions).
type VoteResult struct {
	Success bool             `json:"success"`
	Action  store.VoteAction `json:"action"`
	Error   string           `json:"error,omitempty"`
}

// VoteEngine funnels every vote mutation through the store's transactional
// decision and applies the chat-side policy afterwards: reaction removal,
// DM confirmation, embed refresh.
type VoteEngine struct {
	store    store.Store
	chat     ChatAPI
	cache    cache.Cache
	notifier *Notifier

	// botUserID filters the bot's own reactions out of the input stream.
	botUserID string
}

func NewVoteEngine(st store.Store, chat ChatAPI, c cache.Cache, notifier *Notifier, botUserID string) *VoteEngine {
	return &VoteEngine{store: st, chat: chat, cache: c, notifier: notifier, botUserID: botUserID}
}

// Collect records one vote decision. A concurrent-modification conflict is
// retried once; the second conflict surfaces as an error result.
func (e *VoteEngine) Collect(ctx context.Context, pollID int64, userID string, optionIndex int) VoteResult {
	action, err := e.store.CollectVote(ctx, pollID, userID, optionIndex)
	if errors.Is(err, store.ErrStaleWrite) {
		observability.VoteConflicts.Inc()
		action, err = e.store.CollectVote(ctx, pollID, userID, optionIndex)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrVoteCapHit):
			return VoteResult{Success: false, Error: "max_choices_reached"}
		case errors.Is(err, store.ErrInvalidOption):
			return VoteResult{Success: false, Error: "invalid_option"}
		case errors.Is(err, store.ErrStaleWrite):
			return VoteResult{Success: false, Error: "concurrent_write"}
		case errors.Is(err, store.ErrPollNotFound):
			return VoteResult{Success: false, Error: "poll_not_found"}
		default:
			e.notifier.Notify(ctx, CategoryVoting, fmt.Errorf("collect vote poll=%d user=%s: %w", pollID, userID, err))
			return VoteResult{Success: false, Error: "internal"}
		}
	}
	observability.VotesCollected.WithLabelValues(string(action)).Inc()
	return VoteResult{Success: true, Action: action}
}

// HandleReactionAdd is the gateway entry point for MESSAGE_REACTION_ADD.
func (e *VoteEngine) HandleReactionAdd(ctx context.Context, ev discord.ReactionEvent) {
	if ev.UserID == "" || ev.UserID == e.botUserID {
		return
	}
	poll, optionIndex, ok := e.resolve(ctx, ev)
	if !ok {
		return
	}
	e.processReaction(ctx, poll, ev, optionIndex)
}

// HandleReactionRemove processes a user withdrawing a reaction. Only
// non-anonymous multi-select polls treat this as a vote removal: on single
// choice and anonymous polls the bot itself strips reactions after recording,
// and processing those removals would toggle the just-written vote back off.
func (e *VoteEngine) HandleReactionRemove(ctx context.Context, ev discord.ReactionEvent) {
	if ev.UserID == "" || ev.UserID == e.botUserID {
		return
	}
	poll, optionIndex, ok := e.resolve(ctx, ev)
	if !ok {
		return
	}
	if !poll.MultipleChoice || poll.Anonymous {
		return
	}
	result := e.Collect(ctx, poll.ID, ev.UserID, optionIndex)
	if result.Success && result.Action == store.ActionRemoved {
		e.afterMutation(ctx, poll)
		e.sendConfirmation(ctx, poll, ev.UserID, result.Action, optionIndex)
	}
}

// resolve maps a reaction event to (poll, option index). Reactions on
// non-poll messages and emojis that match no option are ignored.
func (e *VoteEngine) resolve(ctx context.Context, ev discord.ReactionEvent) (*store.Poll, int, bool) {
	poll, err := e.store.GetPollByMessageID(ctx, ev.MessageID)
	if err != nil {
		if !errors.Is(err, store.ErrPollNotFound) {
			logrus.WithError(err).WithField("message", ev.MessageID).Warn("reaction lookup failed")
		}
		return nil, 0, false
	}
	for i := range poll.Options {
		if discord.EmojiMatchesToken(ev.Emoji, displayEmoji(poll, i)) {
			return poll, i, true
		}
	}
	return nil, 0, false
}

// processReaction runs the shared add-path policy for gateway events and
// safeguard replays.
func (e *VoteEngine) processReaction(ctx context.Context, poll *store.Poll, ev discord.ReactionEvent, optionIndex int) {
	result := e.Collect(ctx, poll.ID, ev.UserID, optionIndex)

	switch {
	case result.Error == "max_choices_reached":
		// Reaction stays so the user can see the rejected attempt.
		if err := e.chat.SendDM(ctx, ev.UserID, maxChoicesDM(poll), nil); err != nil {
			logrus.WithError(err).WithField("user", ev.UserID).Debug("max-choices DM failed")
		}
		return
	case !result.Success:
		// Leave the reaction in place so the user can retry after a
		// transient failure.
		return
	case result.Action == store.ActionIgnored:
		// Poll no longer active: silently strip, no DM.
		e.removeReaction(ctx, poll, ev)
		return
	}

	if e.shouldRemoveReaction(poll, result.Action) {
		e.removeReaction(ctx, poll, ev)
	}
	e.afterMutation(ctx, poll)
	e.sendConfirmation(ctx, poll, ev.UserID, result.Action, optionIndex)
}

// shouldRemoveReaction applies the visibility policy: anonymous and
// single-choice polls never leave user reactions on the message; open
// multi-select polls keep them as a visual ballot, clearing only toggles.
func (e *VoteEngine) shouldRemoveReaction(poll *store.Poll, action store.VoteAction) bool {
	if !poll.MultipleChoice || poll.Anonymous {
		return true
	}
	return action == store.ActionRemoved
}

func (e *VoteEngine) removeReaction(ctx context.Context, poll *store.Poll, ev discord.ReactionEvent) {
	if err := e.chat.RemoveReaction(ctx, ev.ChannelID, ev.MessageID, ev.Emoji.APIName(), ev.UserID); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"poll_id": poll.ID, "user": ev.UserID,
		}).Debug("reaction removal failed")
	}
}

// afterMutation refreshes the live embed and drops cached render inputs.
func (e *VoteEngine) afterMutation(ctx context.Context, poll *store.Poll) {
	_ = e.cache.DeletePrefix(ctx, cache.PollPrefix(poll.ID))

	current, err := e.store.GetPoll(ctx, poll.ID)
	if err != nil || current.Status != store.StatusActive || current.MessageID == "" {
		return
	}
	counts, err := e.store.CountVotesByOption(ctx, poll.ID)
	if err != nil {
		return
	}
	voters, _ := e.store.CountUniqueVoters(ctx, poll.ID)
	embed := BuildPollEmbed(current, counts, voters)
	if err := e.chat.EditMessage(ctx, current.ChannelID, current.MessageID, "", embed); err != nil {
		logrus.WithError(err).WithField("poll_id", poll.ID).Debug("embed refresh failed")
	}
}

func (e *VoteEngine) sendConfirmation(ctx context.Context, poll *store.Poll, userID string, action store.VoteAction, optionIndex int) {
	body := voteConfirmationDM(poll, action, optionIndex)
	if body == "" {
		return
	}
	if err := e.chat.SendDM(ctx, userID, body, nil); err != nil {
		// Blocked DMs are common and harmless.
		logrus.WithError(err).WithField("user", userID).Debug("vote confirmation DM failed")
	}
}
