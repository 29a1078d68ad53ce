package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/observability"
	"github.com/pacnpal/polly-sub001/orchestrator/scheduler"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

// Closed-poll repair pacing. These sleeps are the backpressure that keeps a
// large backlog of repairs from tripping chat rate limits at startup.
const (
	repairBatchSize     = 3
	repairBatchDelay    = 5 * time.Second
	repairPollDelay     = 1500 * time.Millisecond
	repairCallDelay     = 800 * time.Millisecond
	repairRateLimitWait = 10 * time.Second
	repairGenericWait   = 15 * time.Second

	repairSampleLimit  = 9
	auditLimit         = 15
	archiveBackfillCap = 10

	recoveryMaxPasses     = 3
	recoveryConfidenceBar = 0.99
)

// RecoveryReport summarizes what a startup recovery run did.
type RecoveryReport struct {
	Opened             int           `json:"opened"`
	Closed             int           `json:"closed"`
	Rescheduled        int           `json:"rescheduled"`
	Repaired           int           `json:"repaired"`
	Pruned             int           `json:"pruned"`
	ArchivesBackfilled int           `json:"archives_backfilled"`
	Passes             int           `json:"passes"`
	Confidence         float64       `json:"confidence"`
	Duration           time.Duration `json:"duration"`
}

// writes is the per-pass mutation count; recovery converges when a pass
// makes none.
func (r *RecoveryReport) writes(prev RecoveryReport) int {
	return (r.Opened - prev.Opened) + (r.Closed - prev.Closed) +
		(r.Pruned - prev.Pruned) + (r.ArchivesBackfilled - prev.ArchivesBackfilled)
}

// Recovery reconciles database state, chat state and scheduler state after a
// restart. It runs once the gateway reports ready and before the safeguard
// starts relying on the scheduler being populated.
type Recovery struct {
	store     store.Store
	chat      ChatAPI
	lifecycle *Lifecycle
	sched     *scheduler.Scheduler
	archiver  *Archiver
	notifier  *Notifier
}

func NewRecovery(st store.Store, chat ChatAPI, lifecycle *Lifecycle, sched *scheduler.Scheduler, archiver *Archiver, notifier *Notifier) *Recovery {
	return &Recovery{store: st, chat: chat, lifecycle: lifecycle, sched: sched, archiver: archiver, notifier: notifier}
}

// Run executes validation passes until the consistency fraction clears the
// bar or the pass limit is hit, then returns the report.
func (r *Recovery) Run(ctx context.Context) *RecoveryReport {
	start := time.Now()
	report := &RecoveryReport{}

	for pass := 1; pass <= recoveryMaxPasses; pass++ {
		report.Passes = pass
		before := *report
		r.pass(ctx, report, pass == 1)

		report.Confidence = r.confidence(ctx)
		observability.RecoveryConfidence.Set(report.Confidence)

		logrus.WithFields(logrus.Fields{
			"pass":       pass,
			"confidence": report.Confidence,
			"writes":     report.writes(before),
		}).Info("recovery pass complete")

		if report.Confidence >= recoveryConfidenceBar && report.writes(before) == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	report.Duration = time.Since(start)
	observability.RecoveryDuration.Observe(report.Duration.Seconds())
	return report
}

// pass runs the five sweeps. The expensive repair/audit/backfill sweeps only
// run on the first pass; later passes exist to re-check transition state.
func (r *Recovery) pass(ctx context.Context, report *RecoveryReport, full bool) {
	r.sweepScheduled(ctx, report)
	r.sweepActive(ctx, report)
	if full {
		r.repairClosed(ctx, report)
		r.auditMessages(ctx, report)
		report.ArchivesBackfilled += r.archiver.Backfill(ctx, archiveBackfillCap)
	}
}

// sweepScheduled opens overdue scheduled polls and registers jobs for the
// rest. An overdue poll whose close time has also passed gets opened and then
// immediately closed, so the final message and archive exist.
func (r *Recovery) sweepScheduled(ctx context.Context, report *RecoveryReport) {
	polls, err := r.store.ListPollsByStatus(ctx, store.StatusScheduled)
	if err != nil {
		logrus.WithError(err).Warn("recovery: listing scheduled polls failed")
		return
	}
	now := nowUTC()
	for _, poll := range polls {
		if ctx.Err() != nil {
			return
		}
		if poll.OpenTime.After(now) {
			r.lifecycle.ScheduleUpcoming(poll)
			report.Rescheduled++
			continue
		}
		result := r.lifecycle.Open(ctx, poll.ID, ReasonScheduled)
		if !result.Success {
			logrus.WithField("poll_id", poll.ID).WithField("error", result.Error).
				Warn("recovery: overdue open failed")
			continue
		}
		if !result.AlreadyActive {
			report.Opened++
		}
		if !poll.CloseTime.After(now) {
			closeResult := r.lifecycle.Close(ctx, poll.ID, "recovery")
			if closeResult.Success && !closeResult.AlreadyClosed {
				report.Closed++
			}
		}
	}
}

// sweepActive closes overdue active polls and re-registers close jobs for
// the rest.
func (r *Recovery) sweepActive(ctx context.Context, report *RecoveryReport) {
	polls, err := r.store.ListPollsByStatus(ctx, store.StatusActive)
	if err != nil {
		logrus.WithError(err).Warn("recovery: listing active polls failed")
		return
	}
	now := nowUTC()
	for _, poll := range polls {
		if ctx.Err() != nil {
			return
		}
		if !poll.CloseTime.After(now) {
			result := r.lifecycle.Close(ctx, poll.ID, "scheduled")
			if result.Success && !result.AlreadyClosed {
				report.Closed++
			}
			continue
		}
		if !r.sched.Has(scheduler.ActionClose, poll.ID) {
			r.sched.Schedule(scheduler.ActionClose, poll.ID, poll.CloseTime)
			report.Rescheduled++
		}
	}
}

// repairClosed re-renders a newest-first sample of closed polls in case an
// earlier close failed mid-finalization, and strips stray reactions. Heavily
// paced; see the constants above.
func (r *Recovery) repairClosed(ctx context.Context, report *RecoveryReport) {
	polls, err := r.store.ListClosedPollsNewestFirst(ctx, repairSampleLimit)
	if err != nil {
		logrus.WithError(err).Warn("recovery: listing closed polls failed")
		return
	}
	for i, poll := range polls {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && i%repairBatchSize == 0 {
			sleepCtx(ctx, repairBatchDelay)
		} else if i > 0 {
			sleepCtx(ctx, repairPollDelay)
		}
		if poll.MessageID == "" {
			continue
		}

		counts, err := r.store.CountVotesByOption(ctx, poll.ID)
		if err != nil {
			continue
		}
		voters, _ := r.store.CountUniqueVoters(ctx, poll.ID)
		if err := r.chat.EditMessage(ctx, poll.ChannelID, poll.MessageID, "", BuildPollEmbed(poll, counts, voters)); err != nil {
			r.backoff(ctx, err)
			continue
		}
		sleepCtx(ctx, repairCallDelay)
		if err := r.chat.ClearReactions(ctx, poll.ChannelID, poll.MessageID); err != nil {
			r.backoff(ctx, err)
			continue
		}
		report.Repaired++
	}
}

// auditMessages confirms that polls claiming a live message still have one,
// and prunes those whose messages were deleted externally.
func (r *Recovery) auditMessages(ctx context.Context, report *RecoveryReport) {
	var candidates []*store.Poll
	for _, status := range []string{store.StatusActive, store.StatusScheduled} {
		polls, err := r.store.ListPollsByStatus(ctx, status)
		if err != nil {
			continue
		}
		candidates = append(candidates, polls...)
	}
	// Newest first, capped.
	for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	if len(candidates) > auditLimit {
		candidates = candidates[:auditLimit]
	}

	for _, poll := range candidates {
		if ctx.Err() != nil {
			return
		}
		if poll.MessageID == "" {
			continue
		}
		_, err := r.chat.FetchMessage(ctx, poll.ChannelID, poll.MessageID)
		if err == nil {
			continue
		}
		if !discord.IsNotFound(err) {
			r.backoff(ctx, err)
			continue
		}
		logrus.WithField("poll_id", poll.ID).Warn("recovery: message gone, pruning poll")
		if err := r.store.DeletePoll(ctx, poll.ID); err == nil {
			r.sched.CancelPoll(poll.ID)
			report.Pruned++
		}
		sleepCtx(ctx, repairCallDelay)
	}
}

// confidence is the fraction of polls whose database status, message
// reference and scheduler state agree. Chat-side existence is only sampled
// by the audit; here agreement is structural so the metric stays cheap.
func (r *Recovery) confidence(ctx context.Context) float64 {
	total, agree := 0, 0

	if polls, err := r.store.ListPollsByStatus(ctx, store.StatusScheduled); err == nil {
		for _, p := range polls {
			total++
			if r.sched.Has(scheduler.ActionOpen, p.ID) && r.sched.Has(scheduler.ActionClose, p.ID) {
				agree++
			}
		}
	}
	if polls, err := r.store.ListPollsByStatus(ctx, store.StatusActive); err == nil {
		for _, p := range polls {
			total++
			if p.MessageID != "" && r.sched.Has(scheduler.ActionClose, p.ID) {
				agree++
			}
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(agree) / float64(total)
}

func (r *Recovery) backoff(ctx context.Context, err error) {
	if discord.IsRateLimited(err) {
		sleepCtx(ctx, repairRateLimitWait)
		return
	}
	sleepCtx(ctx, repairGenericWait)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
