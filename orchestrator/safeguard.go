package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/observability"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

const (
	safeguardInterval = 5 * time.Second

	// A poll whose message cannot be fetched this many times inside the
	// retry window was deleted externally and is unrecoverable.
	maxFetchRetries    = 5
	retryWindowMinutes = 30
)

// failureRecord tracks consecutive message-fetch failures for one poll.
type failureRecord struct {
	count int
	first time.Time
}

// Safeguard is the reconciliation loop that closes the gap between chat-side
// reaction state and database vote state. Reaction events can be missed
// during disconnects or downtime; every 5 seconds this sweep reads the
// message's actual reactions and funnels anything unprocessed through the
// vote engine. The message's reactions are authoritative input, the vote
// table is authoritative output.
type Safeguard struct {
	store    store.Store
	chat     ChatAPI
	engine   *VoteEngine
	notifier *Notifier
	sched    interface{ CancelPoll(pollID int64) }

	botUserID string

	// failures is mutated only from the sweep goroutine.
	failures map[int64]*failureRecord
}

func NewSafeguard(st store.Store, chat ChatAPI, engine *VoteEngine, notifier *Notifier, sched interface{ CancelPoll(pollID int64) }, botUserID string) *Safeguard {
	return &Safeguard{
		store:     st,
		chat:      chat,
		engine:    engine,
		notifier:  notifier,
		sched:     sched,
		botUserID: botUserID,
		failures:  make(map[int64]*failureRecord),
	}
}

// Run sweeps until ctx is cancelled. Errors never stop the loop.
func (s *Safeguard) Run(ctx context.Context) {
	ticker := time.NewTicker(safeguardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every active poll.
func (s *Safeguard) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.SafeguardSweeps.Observe(time.Since(start).Seconds())
	}()

	polls, err := s.store.ListPollsByStatus(ctx, store.StatusActive)
	if err != nil {
		logrus.WithError(err).Warn("safeguard: listing active polls failed")
		return
	}

	missing := 0
	for _, poll := range polls {
		if ctx.Err() != nil {
			return
		}
		if poll.MessageID == "" {
			continue
		}
		msg, gone := s.fetchMessage(ctx, poll)
		if msg == nil {
			if gone {
				missing++
			}
			continue
		}
		delete(s.failures, poll.ID)
		s.scanReactions(ctx, poll, msg)
	}
	observability.MissingMessages.Set(float64(missing))
}

// fetchMessage retrieves the poll's message with escalating fallbacks:
// a straight fetch, then a channel history scan, then a delayed retry. After
// maxFetchRetries consecutive misses inside the retry window the poll is
// deleted — its message is gone for good. Returns (nil, true) while the
// message is missing but the poll still has retries left.
func (s *Safeguard) fetchMessage(ctx context.Context, poll *store.Poll) (*discord.Message, bool) {
	msg, err := s.chat.FetchMessage(ctx, poll.ChannelID, poll.MessageID)
	if err == nil {
		return msg, false
	}
	if !discord.IsNotFound(err) {
		logrus.WithError(err).WithField("poll_id", poll.ID).Debug("safeguard: message fetch failed")
		return nil, false
	}

	rec := s.failures[poll.ID]
	if rec == nil || time.Since(rec.first) > retryWindowMinutes*time.Minute {
		rec = &failureRecord{first: time.Now()}
		s.failures[poll.ID] = rec
	}
	rec.count++

	entry := logrus.WithFields(logrus.Fields{"poll_id": poll.ID, "attempt": rec.count})
	switch rec.count {
	case 2:
		// The direct fetch can 404 transiently; the history scan reads the
		// channel's recent messages instead.
		if msg := s.historyScan(ctx, poll); msg != nil {
			entry.Info("safeguard: message recovered via history scan")
			delete(s.failures, poll.ID)
			return msg, false
		}
	case 3:
		time.Sleep(2 * time.Second)
		if msg, err := s.chat.FetchMessage(ctx, poll.ChannelID, poll.MessageID); err == nil {
			entry.Info("safeguard: message recovered on delayed retry")
			delete(s.failures, poll.ID)
			return msg, false
		}
	}

	if rec.count >= maxFetchRetries {
		entry.Warn("safeguard: message unrecoverable, deleting poll")
		s.notifier.Notify(ctx, CategoryVoting,
			fmt.Errorf("poll %d (%s) message deleted externally, removing poll", poll.ID, poll.Name))
		if err := s.store.DeletePoll(ctx, poll.ID); err != nil {
			entry.WithError(err).Warn("safeguard: poll deletion failed")
			return nil, true
		}
		s.sched.CancelPoll(poll.ID)
		delete(s.failures, poll.ID)
		return nil, false
	}
	return nil, true
}

func (s *Safeguard) historyScan(ctx context.Context, poll *store.Poll) *discord.Message {
	msgs, err := s.chat.ChannelMessages(ctx, poll.ChannelID, 100)
	if err != nil {
		return nil
	}
	for i := range msgs {
		if msgs[i].ID == poll.MessageID {
			return &msgs[i]
		}
	}
	return nil
}

// scanReactions walks each option emoji's reactors and replays anything the
// event stream missed through the vote engine.
func (s *Safeguard) scanReactions(ctx context.Context, poll *store.Poll, msg *discord.Message) {
	keepsReactions := poll.MultipleChoice && !poll.Anonymous

	for _, reaction := range msg.Reactions {
		optionIndex := -1
		for i := range poll.Options {
			if discord.EmojiMatchesToken(reaction.Emoji, displayEmoji(poll, i)) {
				optionIndex = i
				break
			}
		}
		if optionIndex < 0 {
			// Not an option emoji; spectators can react with anything.
			continue
		}

		emoji := reaction.Emoji
		err := s.chat.IterReactionUsers(ctx, poll.ChannelID, poll.MessageID, emoji.APIName(), func(u discord.User) error {
			if u.Bot || u.ID == s.botUserID {
				return nil
			}
			s.replayReaction(ctx, poll, emoji, u.ID, optionIndex, keepsReactions)
			return ctx.Err()
		})
		if err != nil && ctx.Err() == nil {
			logrus.WithError(err).WithField("poll_id", poll.ID).Debug("safeguard: reaction walk failed")
		}
	}
}

func (s *Safeguard) replayReaction(ctx context.Context, poll *store.Poll, emoji discord.Emoji, userID string, optionIndex int, keepsReactions bool) {
	// On polls that keep reactions as a visible ballot, a reaction matching
	// a recorded vote is the converged steady state, not missed input.
	if keepsReactions {
		votes, err := s.store.ListVotesByUser(ctx, poll.ID, userID)
		if err != nil {
			return
		}
		for _, v := range votes {
			if v.OptionIndex == optionIndex {
				return
			}
		}
	}

	// Guard against a race with closure: re-verify before writing.
	current, err := s.store.GetPoll(ctx, poll.ID)
	if err != nil || current.Status != store.StatusActive {
		_ = s.chat.RemoveReaction(ctx, poll.ChannelID, poll.MessageID, emoji.APIName(), userID)
		return
	}

	ev := discord.ReactionEvent{
		UserID:    userID,
		ChannelID: poll.ChannelID,
		MessageID: poll.MessageID,
		GuildID:   poll.ServerID,
		Emoji:     emoji,
	}
	result := s.engine.Collect(ctx, poll.ID, userID, optionIndex)
	switch {
	case result.Error == "max_choices_reached":
		// Leave the reaction so the user sees the rejected attempt; the DM
		// was already sent on the original event, no need to repeat it.
		return
	case !result.Success:
		return
	case result.Action == store.ActionIgnored:
		s.engine.removeReaction(ctx, poll, ev)
		return
	}

	observability.SafeguardReplayed.Inc()
	if s.engine.shouldRemoveReaction(poll, result.Action) {
		s.engine.removeReaction(ctx, poll, ev)
	}
	s.engine.afterMutation(ctx, poll)
	s.engine.sendConfirmation(ctx, poll, userID, result.Action, optionIndex)
}
