package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/scheduler"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

// ReopenResult is the structured outcome of a reopen attempt.
type ReopenResult struct {
	Success   bool      `json:"success"`
	CloseTime time.Time `json:"close_time,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Reopen transitions a closed poll back to active, editing the existing
// message in place — a reopened poll never posts a new one. extendMinutes
// pushes close_time that far from now; zero keeps the original close time
// (which must then still be in the future for the close job to make sense).
func (l *Lifecycle) Reopen(ctx context.Context, pollID int64, extendMinutes int, resetVotes bool) ReopenResult {
	entry := logrus.WithFields(logrus.Fields{"poll_id": pollID, "extend_min": extendMinutes, "reset_votes": resetVotes})

	poll, err := l.store.GetPoll(ctx, pollID)
	if err != nil {
		return ReopenResult{Error: "poll_not_found"}
	}
	if err := poll.CanReopen(); err != nil {
		switch {
		case errors.Is(err, store.ErrNoMessage):
			return ReopenResult{Error: "no_message"}
		default:
			return ReopenResult{Error: "poll_not_closed"}
		}
	}

	newClose := poll.CloseTime
	if extendMinutes > 0 {
		newClose = nowUTC().Add(time.Duration(extendMinutes) * time.Minute)
	}

	if err := l.store.MarkReopened(ctx, pollID, newClose, resetVotes); err != nil {
		switch {
		case errors.Is(err, store.ErrNotClosed):
			return ReopenResult{Error: "poll_not_closed"}
		case errors.Is(err, store.ErrPollNotFound):
			return ReopenResult{Error: "poll_not_found"}
		default:
			l.notifier.Notify(ctx, CategoryClosure, fmt.Errorf("reopening poll %d failed: %w", pollID, err))
			return ReopenResult{Error: "internal"}
		}
	}

	poll, err = l.store.GetPoll(ctx, pollID)
	if err != nil {
		return ReopenResult{Error: "poll_not_found"}
	}

	l.refreshEmbed(ctx, poll)

	// Re-seed any option reactions the closure stripped.
	for i := range poll.Options {
		if err := l.chat.AddReaction(ctx, poll.ChannelID, poll.MessageID, displayEmoji(poll, i)); err != nil {
			entry.WithError(err).WithField("option", i).Warn("re-seeding reaction failed")
		}
	}

	l.sched.Schedule(scheduler.ActionClose, poll.ID, poll.CloseTime)
	l.invalidate(ctx, poll)

	entry.WithField("close_time", poll.CloseTime.Format(time.RFC3339)).Info("poll reopened")
	return ReopenResult{Success: true, CloseTime: poll.CloseTime}
}
