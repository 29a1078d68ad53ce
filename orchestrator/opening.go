package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/cache"
	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/observability"
	"github.com/pacnpal/polly-sub001/orchestrator/scheduler"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

// OpenReason tags what triggered an open attempt.
type OpenReason string

const (
	ReasonScheduled OpenReason = "scheduled"
	ReasonManual    OpenReason = "manual"
	ReasonImmediate OpenReason = "immediate"
	ReasonRecovery  OpenReason = "recovery"
)

// OpenResult is the structured outcome of an open attempt.
type OpenResult struct {
	Success       bool   `json:"success"`
	AlreadyActive bool   `json:"already_active,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Lifecycle is the unified entry point for every poll state transition,
// whatever triggered it: the scheduler, the dashboard, recovery, or a reopen.
// It also satisfies scheduler.Executor.
type Lifecycle struct {
	store    store.Store
	chat     ChatAPI
	cache    cache.Cache
	sched    *scheduler.Scheduler
	notifier *Notifier
	archiver *Archiver
}

func NewLifecycle(st store.Store, chat ChatAPI, c cache.Cache, sched *scheduler.Scheduler, notifier *Notifier, archiver *Archiver) *Lifecycle {
	return &Lifecycle{store: st, chat: chat, cache: c, sched: sched, notifier: notifier, archiver: archiver}
}

// OpenPoll and ClosePoll adapt the scheduler's job dispatch to the services.
// Outcomes a retry cannot change consume the job; transient failures return
// an error so the scheduler keeps the job and retries.
func (l *Lifecycle) OpenPoll(ctx context.Context, pollID int64) error {
	result := l.Open(ctx, pollID, ReasonScheduled)
	if result.Success || terminalOutcome(result.Error) {
		return nil
	}
	return fmt.Errorf("open poll %d: %s", pollID, result.Error)
}

func (l *Lifecycle) ClosePoll(ctx context.Context, pollID int64) error {
	result := l.Close(ctx, pollID, "scheduled")
	if result.Success || terminalOutcome(result.Error) {
		return nil
	}
	return fmt.Errorf("close poll %d: %s", pollID, result.Error)
}

// terminalOutcome reports whether an open/close outcome is permanent for the
// poll in its current state, as opposed to a transient chat or database
// failure worth retrying.
func terminalOutcome(code string) bool {
	switch code {
	case "poll_not_found", "poll_closed", "poll_not_active":
		return true
	}
	return strings.HasPrefix(code, "validation:")
}

// Open transitions a scheduled poll to active: validate, post, react, commit.
// Failure at any step before the commit leaves the poll scheduled; reactions
// are best-effort because the safeguard fills gaps.
func (l *Lifecycle) Open(ctx context.Context, pollID int64, reason OpenReason) OpenResult {
	entry := logrus.WithFields(logrus.Fields{"poll_id": pollID, "reason": reason})

	poll, err := l.store.GetPoll(ctx, pollID)
	if err != nil {
		return OpenResult{Error: "poll_not_found"}
	}

	switch poll.Status {
	case store.StatusActive:
		if reason == ReasonRecovery || reason == ReasonManual {
			// Repair path: converge the live state instead of failing.
			l.sched.Schedule(scheduler.ActionClose, poll.ID, poll.CloseTime)
			l.refreshEmbed(ctx, poll)
		}
		return OpenResult{Success: true, AlreadyActive: true, MessageID: poll.MessageID}
	case store.StatusClosed:
		// Closed polls come back only through Reopen, which edits the
		// original message in place; opening here would post a duplicate.
		return OpenResult{Error: "poll_closed"}
	}

	// Pre-posting validation: structural invariants, channel reachability,
	// and emoji renderability with silent fallback substitution.
	if err := poll.Validate(); err != nil {
		return OpenResult{Error: fmt.Sprintf("validation: %v", err)}
	}
	if _, err := l.chat.Channel(ctx, poll.ChannelID); err != nil {
		l.notifier.Notify(ctx, CategoryCreation,
			fmt.Errorf("poll %d channel %s unreachable: %w", poll.ID, poll.ChannelID, err))
		if discord.IsPermission(err) {
			return OpenResult{Error: "bot_lacks_permission"}
		}
		return OpenResult{Error: "channel_unavailable"}
	}
	if changed := l.resolveEmojis(ctx, poll); changed {
		if err := l.store.SetEmojis(ctx, poll.ID, poll.Emojis); err != nil {
			entry.WithError(err).Warn("persisting emoji fallbacks failed")
		}
	}

	// Image message precedes the poll; losing it is acceptable.
	if poll.ImagePath != "" && poll.ImageMsgID == "" {
		imageID, err := l.chat.PostMessage(ctx, poll.ChannelID, poll.ImageText,
			&discord.Embed{Image: &discord.EmbedImage{URL: poll.ImagePath}})
		if err != nil {
			entry.WithError(err).Warn("image message post failed, continuing")
		} else if err := l.store.SetImageMessageID(ctx, poll.ID, imageID); err != nil {
			entry.WithError(err).Warn("recording image message id failed")
		}
	}

	render := *poll
	render.Status = store.StatusActive
	messageID, err := l.chat.PostMessage(ctx, poll.ChannelID, "", BuildPollEmbed(&render, nil, 0))
	if err != nil {
		l.notifier.Notify(ctx, CategoryCreation, fmt.Errorf("posting poll %d failed: %w", poll.ID, err))
		if discord.IsPermission(err) {
			return OpenResult{Error: "bot_lacks_permission"}
		}
		return OpenResult{Error: "post_failed"}
	}

	// Best-effort per reaction; the client rate-limits internally.
	for i := range poll.Options {
		if err := l.chat.AddReaction(ctx, poll.ChannelID, messageID, displayEmoji(poll, i)); err != nil {
			entry.WithError(err).WithField("option", i).Warn("seed reaction failed")
		}
	}

	if err := l.store.MarkActive(ctx, poll.ID, messageID); err != nil {
		if err == store.ErrNotScheduled {
			// Lost a race with a concurrent transition: our message is the
			// duplicate, so remove it and report the state that won.
			_ = l.chat.DeleteMessage(ctx, poll.ChannelID, messageID)
			if cur, gerr := l.store.GetPoll(ctx, poll.ID); gerr == nil && cur.Status == store.StatusActive {
				return OpenResult{Success: true, AlreadyActive: true, MessageID: cur.MessageID}
			}
			return OpenResult{Error: "poll_closed"}
		}
		l.notifier.Notify(ctx, CategoryCreation, fmt.Errorf("activating poll %d failed: %w", poll.ID, err))
		return OpenResult{Error: "activation_failed"}
	}

	if poll.PingRoleEnabled && poll.PingRoleOnOpen && poll.PingRoleID != "" {
		l.sendRolePing(ctx, poll, fmt.Sprintf("📊 Poll **%s** is now open!", poll.Name))
	}

	l.sched.Schedule(scheduler.ActionClose, poll.ID, poll.CloseTime)
	l.invalidate(ctx, poll)

	observability.PollsOpened.WithLabelValues(string(reason)).Inc()
	entry.WithField("message_id", messageID).Info("poll opened")
	return OpenResult{Success: true, MessageID: messageID}
}

// resolveEmojis substitutes unrenderable emoji tokens in place, reporting
// whether anything changed. The guild emoji list is fetched once per open;
// when that fetch fails, every custom emoji is treated as unrenderable.
func (l *Lifecycle) resolveEmojis(ctx context.Context, poll *store.Poll) bool {
	var renderable func(id string) bool
	if guildEmojis, err := l.chat.GuildEmojis(ctx, poll.ServerID); err == nil {
		ids := make(map[string]bool, len(guildEmojis))
		for _, e := range guildEmojis {
			ids[e.ID] = true
		}
		renderable = func(id string) bool { return ids[id] }
	}

	changed := false
	for i, token := range poll.Emojis {
		resolved := discord.ResolveEmoji(token, i, renderable)
		if resolved != token {
			poll.Emojis[i] = resolved
			changed = true
		}
	}
	return changed
}

// sendRolePing posts the role mention; on a permission failure it retries
// once without the mention so the announcement still lands.
func (l *Lifecycle) sendRolePing(ctx context.Context, poll *store.Poll, body string) {
	content := fmt.Sprintf("<@&%s> %s", poll.PingRoleID, body)
	_, err := l.chat.PostMessage(ctx, poll.ChannelID, content, nil)
	if err == nil {
		return
	}
	if discord.IsPermission(err) {
		if _, err := l.chat.PostMessage(ctx, poll.ChannelID, body, nil); err == nil {
			return
		}
	}
	logrus.WithError(err).WithField("poll_id", poll.ID).Warn("role ping failed")
}

// refreshEmbed re-renders the live message from current state.
func (l *Lifecycle) refreshEmbed(ctx context.Context, poll *store.Poll) {
	if poll.MessageID == "" {
		return
	}
	counts, err := l.store.CountVotesByOption(ctx, poll.ID)
	if err != nil {
		return
	}
	voters, _ := l.store.CountUniqueVoters(ctx, poll.ID)
	if err := l.chat.EditMessage(ctx, poll.ChannelID, poll.MessageID, "", BuildPollEmbed(poll, counts, voters)); err != nil {
		logrus.WithError(err).WithField("poll_id", poll.ID).Debug("embed refresh failed")
	}
}

func (l *Lifecycle) invalidate(ctx context.Context, poll *store.Poll) {
	_ = l.cache.DeletePrefix(ctx, cache.PollPrefix(poll.ID))
	_ = l.cache.Delete(ctx, cache.DashboardKey(poll.ServerID))
}

// ScheduleUpcoming registers open and close jobs for a scheduled poll whose
// open time is still in the future.
func (l *Lifecycle) ScheduleUpcoming(poll *store.Poll) {
	l.sched.Schedule(scheduler.ActionOpen, poll.ID, poll.OpenTime)
	l.sched.Schedule(scheduler.ActionClose, poll.ID, poll.CloseTime)
}

var _ scheduler.Executor = (*Lifecycle)(nil)

// nowUTC exists so tests can pin time without a clock interface everywhere.
var nowUTC = func() time.Time { return time.Now().UTC() }
