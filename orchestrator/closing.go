package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/observability"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

// CloseResult is the structured outcome of a close attempt.
type CloseResult struct {
	Success       bool   `json:"success"`
	AlreadyClosed bool   `json:"already_closed,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Close transitions an active poll to closed. The status commit comes FIRST:
// a reaction event racing with closure must observe status=closed inside the
// vote transaction and decline to persist. Everything after the commit is
// best-effort finalization.
func (l *Lifecycle) Close(ctx context.Context, pollID int64, reason string) CloseResult {
	entry := logrus.WithFields(logrus.Fields{"poll_id": pollID, "reason": reason})

	alreadyClosed, err := l.store.MarkClosed(ctx, pollID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPollNotFound):
			return CloseResult{Error: "poll_not_found"}
		case errors.Is(err, store.ErrNotActive):
			return CloseResult{Error: "poll_not_active"}
		default:
			l.notifier.Notify(ctx, CategoryClosure, fmt.Errorf("closing poll %d failed: %w", pollID, err))
			return CloseResult{Error: "internal"}
		}
	}
	if alreadyClosed {
		return CloseResult{Success: true, AlreadyClosed: true}
	}

	poll, err := l.store.GetPoll(ctx, pollID)
	if err != nil {
		return CloseResult{Error: "poll_not_found"}
	}

	counts, err := l.store.CountVotesByOption(ctx, pollID)
	if err != nil {
		l.notifier.Notify(ctx, CategoryClosure, fmt.Errorf("reading final counts for poll %d: %w", pollID, err))
		counts = map[int]int{}
	}
	voters, _ := l.store.CountUniqueVoters(ctx, pollID)

	if poll.MessageID != "" {
		if err := l.chat.EditMessage(ctx, poll.ChannelID, poll.MessageID, "", BuildPollEmbed(poll, counts, voters)); err != nil {
			entry.WithError(err).Warn("final embed edit failed")
		}
		// Status is already committed, so stripping reactions cannot race a
		// vote write into the closed poll.
		if err := l.chat.ClearReactions(ctx, poll.ChannelID, poll.MessageID); err != nil {
			entry.WithError(err).Warn("clearing reactions failed")
		}
	}

	if poll.PingRoleEnabled && poll.PingRoleOnClose && poll.PingRoleID != "" {
		l.sendRolePing(ctx, poll, fmt.Sprintf("🏁 Poll **%s** is closed — results are in!", poll.Name))
	}

	if l.archiver != nil {
		l.archiver.Generate(poll.ID, "close")
	}

	l.sched.CancelPoll(poll.ID)
	l.invalidate(ctx, poll)

	observability.PollsClosed.WithLabelValues(reason).Inc()
	entry.Info("poll closed")
	return CloseResult{Success: true}
}
