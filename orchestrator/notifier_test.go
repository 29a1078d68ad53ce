package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pacnpal/polly-sub001/orchestrator/discord"
)

func TestNotifierDMsOwnerPerOccurrence(t *testing.T) {
	chat := newFakeChat()
	n := NewNotifier(chat, "owner-1")
	ctx := context.Background()

	for i := 0; i < lowSeverityThreshold+2; i++ {
		n.Notify(ctx, CategoryVoting, errors.New("boom"))
	}

	assert.Equal(t, lowSeverityThreshold+2, chat.dmCount("owner-1"))
	assert.Equal(t, lowSeverityThreshold+2, n.counts[CategoryVoting])
}

func TestNotifierCountsPerCategory(t *testing.T) {
	chat := newFakeChat()
	n := NewNotifier(chat, "owner-1")
	ctx := context.Background()

	n.Notify(ctx, CategoryVoting, errors.New("a"))
	n.Notify(ctx, CategoryClosure, errors.New("b"))
	n.Notify(ctx, CategoryClosure, errors.New("c"))

	assert.Equal(t, 1, n.counts[CategoryVoting])
	assert.Equal(t, 2, n.counts[CategoryClosure])
}

func TestNotifierDailyReset(t *testing.T) {
	chat := newFakeChat()
	n := NewNotifier(chat, "")
	n.counts[CategoryScheduler] = 40
	n.resetDay = -1 // force a rollover on the next bump

	n.Notify(context.Background(), CategoryScheduler, errors.New("tick"))

	assert.Equal(t, 1, n.counts[CategoryScheduler], "counters reset at day rollover")
}

func TestNotifierWithoutOwnerLogsOnly(t *testing.T) {
	chat := newFakeChat()
	n := NewNotifier(chat, "")

	n.Notify(context.Background(), CategoryRecovery, errors.New("boom"))

	assert.Empty(t, chat.dms)
}

func TestNotifierNilErrorIsNoop(t *testing.T) {
	chat := newFakeChat()
	n := NewNotifier(chat, "owner-1")

	n.Notify(context.Background(), CategoryVoting, nil)

	assert.Empty(t, chat.dms)
	assert.Zero(t, n.counts[CategoryVoting])
}

func TestNotifierStopsOnDisabledDMs(t *testing.T) {
	chat := newFakeChat()
	chat.dmErr = &discord.APIError{Status: 403, Message: "cannot send messages to this user"}
	n := NewNotifier(chat, "owner-1")

	// Must return without retry loops or panics.
	n.Notify(context.Background(), CategoryVoting, errors.New("boom"))

	assert.Empty(t, chat.dms)
}
