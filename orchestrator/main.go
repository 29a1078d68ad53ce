package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/auth"
	"github.com/pacnpal/polly-sub001/orchestrator/cache"
	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/scheduler"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
	"github.com/pacnpal/polly-sub001/orchestrator/tokens"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(lvl)
	}

	cfg, err := LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("configuration error")
	}
	logrus.WithFields(logrus.Fields{
		"listen_addr": cfg.ListenAddr,
		"static_dir":  cfg.StaticDir,
		"redis":       cfg.RedisAddr != "",
		"owner_dms":   cfg.OwnerID != "",
	}).Info("polly orchestrator starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.CacheDir)
	if err != nil {
		logrus.WithError(err).Fatal("database connection failed")
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logrus.WithError(err).Fatal("migrations failed")
	}

	c := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer c.Close()

	chat := discord.NewClient(cfg.BotToken)
	me, err := chat.Me(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("bot identity lookup failed")
	}
	logrus.WithField("bot_user", me.Username).Info("authenticated with chat platform")

	notifier := NewNotifier(chat, cfg.OwnerID)

	archiver := NewArchiver(st, cfg.StaticDir)
	archiver.Start(ctx)

	var lifecycle *Lifecycle
	// The scheduler dispatches into the lifecycle, which schedules jobs back;
	// the executor indirection breaks the construction cycle.
	sched := scheduler.New(scheduler.ExecutorFunc{
		Open:  func(ctx context.Context, pollID int64) error { return lifecycle.OpenPoll(ctx, pollID) },
		Close: func(ctx context.Context, pollID int64) error { return lifecycle.ClosePoll(ctx, pollID) },
	})
	lifecycle = NewLifecycle(st, chat, c, sched, notifier, archiver)
	sched.Start(ctx)

	engine := NewVoteEngine(st, chat, c, notifier, me.ID)

	gateway := discord.NewGateway(cfg.BotToken)
	gateway.OnReactionAdd = func(ev discord.ReactionEvent) {
		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		engine.HandleReactionAdd(hctx, ev)
	}
	gateway.OnReactionRemove = func(ev discord.ReactionEvent) {
		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		engine.HandleReactionRemove(hctx, ev)
	}
	go gateway.Run(ctx)

	// Recovery waits for the gateway so replayed chat calls see a live
	// session; the safeguard waits for recovery so the scheduler is populated
	// before it starts trusting job state.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-gateway.Ready():
		}
		report := NewRecovery(st, chat, lifecycle, sched, archiver, notifier).Run(ctx)
		logrus.WithFields(logrus.Fields{
			"opened":      report.Opened,
			"closed":      report.Closed,
			"rescheduled": report.Rescheduled,
			"repaired":    report.Repaired,
			"pruned":      report.Pruned,
			"archives":    report.ArchivesBackfilled,
			"passes":      report.Passes,
			"confidence":  report.Confidence,
			"duration":    report.Duration.String(),
		}).Info("startup recovery complete")

		go NewSafeguard(st, chat, engine, notifier, sched, me.ID).Run(ctx)
	}()

	hierarchy := NewHierarchyRefresher(st, chat, c)
	go hierarchy.Run(ctx)

	signer, err := auth.NewSigner(cfg.SessionSecret)
	if err != nil {
		logrus.WithError(err).Fatal("session signer setup failed")
	}
	oauth := NewDiscordOAuth(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthRedirectURL)
	tokenSvc := tokens.NewService(c)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	NewAPIServer(cfg, st, c, lifecycle, archiver, hierarchy, tokenSvc, signer, oauth).Routes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown incomplete")
	}
	logrus.Info("goodbye")
}
