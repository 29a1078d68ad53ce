package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/observability"
)

// Category classifies an escalated error by the operation that produced it.
type Category string

const (
	CategoryCreation  Category = "poll_creation"
	CategoryVoting    Category = "voting"
	CategoryClosure   Category = "closure"
	CategoryScheduler Category = "scheduler"
	CategoryRecovery  Category = "recovery"
)

// lowSeverityThreshold: the first N occurrences per category per day log at
// INFO; past it they escalate to WARNING and keep DMing the owner.
const lowSeverityThreshold = 5

const notifierMaxAttempts = 3

// Notifier escalates operational errors to the system owner via DM, with
// per-category daily counters to keep a noisy failure from flooding them.
type Notifier struct {
	chat    ChatAPI
	ownerID string

	mu       sync.Mutex
	counts   map[Category]int
	resetDay int // day-of-year of the last counter reset
}

// NewNotifier creates a notifier. An empty ownerID disables DMs; errors are
// logged only.
func NewNotifier(chat ChatAPI, ownerID string) *Notifier {
	return &Notifier{
		chat:    chat,
		ownerID: ownerID,
		counts:  make(map[Category]int),
	}
}

// Notify records the error, logs it at a severity based on the category's
// daily count, and DMs the owner. Safe to call from any goroutine; the DM
// send happens inline with bounded retries.
func (n *Notifier) Notify(ctx context.Context, category Category, err error) {
	if err == nil {
		return
	}
	count := n.bump(category)

	entry := logrus.WithFields(logrus.Fields{"category": category, "count_today": count})
	severity := "warning"
	if count <= lowSeverityThreshold {
		severity = "info"
		entry.WithError(err).Info("operational error")
	} else {
		entry.WithError(err).Warn("operational error (recurring)")
	}
	observability.OwnerNotifications.WithLabelValues(string(category), severity).Inc()

	if n.ownerID == "" {
		return
	}
	n.sendDM(ctx, category, err, count)
}

// bump increments the category counter, resetting all counters at day
// rollover.
func (n *Notifier) bump(category Category) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	today := time.Now().YearDay()
	if today != n.resetDay {
		n.counts = make(map[Category]int)
		n.resetDay = today
	}
	n.counts[category]++
	return n.counts[category]
}

func (n *Notifier) sendDM(ctx context.Context, category Category, cause error, count int) {
	embed := &discord.Embed{
		Title:       fmt.Sprintf("⚠️ Polly error: %s", category),
		Description: truncate(cause.Error(), 2000),
		Color:       0xE74C3C,
		Fields: []discord.EmbedField{
			{Name: "Occurrences today", Value: fmt.Sprintf("%d", count), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	backoff := time.Second
	for attempt := 1; attempt <= notifierMaxAttempts; attempt++ {
		err := n.chat.SendDM(ctx, n.ownerID, "", embed)
		if err == nil {
			return
		}
		if discord.IsPermission(err) {
			// Owner has DMs disabled; nothing more to do.
			logrus.WithError(err).Info("owner DMs disabled, notification logged only")
			return
		}
		if attempt == notifierMaxAttempts {
			logrus.WithError(err).Warn("owner notification failed after retries")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
