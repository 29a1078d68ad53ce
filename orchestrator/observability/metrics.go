package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScheduledJobs tracks the number of jobs currently registered with the
	// scheduler, by action (open/close).
	ScheduledJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polly_scheduler_jobs",
		Help: "Current number of registered scheduler jobs",
	}, []string{"action"})

	// JobFirings counts fired jobs by action and outcome.
	JobFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polly_scheduler_firings_total",
		Help: "Total scheduler job firings",
	}, []string{"action", "outcome"})

	// JobLag observes how far past its fire time a job actually ran.
	JobLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polly_scheduler_lag_seconds",
		Help:    "Delay between a job's fire time and its dispatch",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// VotesCollected counts vote engine outcomes by action.
	VotesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polly_votes_collected_total",
		Help: "Vote engine results by action",
	}, []string{"action"})

	// VoteConflicts counts optimistic-concurrency retries in the vote engine.
	VoteConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polly_vote_conflicts_total",
		Help: "Vote writes that hit a concurrent-modification conflict",
	})

	// SafeguardSweeps observes the duration of each safeguard pass.
	SafeguardSweeps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polly_safeguard_sweep_duration_seconds",
		Help:    "Duration of reaction safeguard sweeps",
		Buckets: prometheus.DefBuckets,
	})

	// SafeguardReplayed counts votes recovered by the safeguard that the
	// gateway event stream missed.
	SafeguardReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polly_safeguard_replayed_votes_total",
		Help: "Votes recorded by the safeguard rather than the event stream",
	})

	// MissingMessages tracks polls whose chat message could not be fetched.
	MissingMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polly_safeguard_missing_messages",
		Help: "Active polls whose chat message is currently unfetchable",
	})

	// PollsOpened/PollsClosed count lifecycle transitions by trigger reason.
	PollsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polly_polls_opened_total",
		Help: "Poll open transitions by reason",
	}, []string{"reason"})

	PollsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polly_polls_closed_total",
		Help: "Poll close transitions by reason",
	}, []string{"reason"})

	// RecoveryConfidence is the fraction of polls whose database, chat and
	// scheduler state agreed at the end of the last recovery pass.
	RecoveryConfidence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polly_recovery_confidence",
		Help: "Three-way state consistency fraction from the last recovery pass",
	})

	// RecoveryDuration observes full recovery runs.
	RecoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polly_recovery_duration_seconds",
		Help:    "Duration of startup recovery runs",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// CacheHits/CacheMisses/CacheErrors by tier (redis, memory).
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polly_cache_hits_total",
		Help: "Cache hits by backend",
	}, []string{"backend"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polly_cache_misses_total",
		Help: "Cache misses by backend",
	}, []string{"backend"})

	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polly_cache_errors_total",
		Help: "Cache backend failures (degrades to direct DB reads)",
	}, []string{"backend"})

	// DiscordCalls counts outbound REST calls by outcome class.
	DiscordCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polly_discord_calls_total",
		Help: "Outbound chat API calls by operation and outcome",
	}, []string{"operation", "outcome"})

	// OwnerNotifications counts error-notifier DMs by category and severity.
	OwnerNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polly_owner_notifications_total",
		Help: "Error notifications escalated to the owner",
	}, []string{"category", "severity"})

	// ArchivesWritten counts static archive generations.
	ArchivesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polly_archives_written_total",
		Help: "Static poll archives written to disk",
	}, []string{"trigger"}) // close, backfill, on_demand

	// APIRequests counts dashboard API requests.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polly_api_requests_total",
		Help: "Dashboard API requests by endpoint and status class",
	}, []string{"endpoint", "status"})
)
