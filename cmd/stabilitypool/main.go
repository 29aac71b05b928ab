package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"StabilityPool/internal/config"
	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/ingestion"
	"StabilityPool/internal/observability"
	"StabilityPool/internal/persistence"
	"StabilityPool/internal/projection"
	"StabilityPool/internal/query"
	"StabilityPool/internal/server"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("SP_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := observability.NewLogger("stabilitypool")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLoggerWithLevel("stabilitypool", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Msg("stability pool starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Recovery: snapshot, then replay the log tail ---
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, cold start")
		snap = nil
	}

	coreCfg, err := cfg.CoreConfig(0)
	if err != nil {
		logger.Fatal().Err(err).Msg("core config")
	}

	// The persist channel blocks; the projection channel drops.
	persistCh := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCh := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	c := core.NewDeterministicCore(coreCfg, persistCh, projectionCh, dbChecker, metrics,
		logger.With().Str("component", "core").Logger())

	if snap != nil {
		c.RestoreFromSnapshot(snap)
		logger.Info().Int64("seq", snap.Sequence).Msg("restored snapshot")
	}

	replayer := persistence.NewReplayer(snapMgr, cfg.ReplayBatchSize, metrics, logger.With().Str("component", "replay").Logger())
	if _, err := replayer.Replay(ctx, c); err != nil {
		logger.Fatal().Err(err).Msg("event replay failed")
	}

	// Warm after replay: replay dedups on the LRU alone.
	keys, err := dbChecker.RecentKeys(ctx, cfg.IdempotencyLRUCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("LRU warm-up skipped")
	} else {
		c.WarmLRU(keys)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	// Workers outlive the signal so everything the core emitted gets
	// written. They stop when their input channels close.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var workers sync.WaitGroup
	errCh := make(chan error, 8)

	committedCh := make(chan core.CoreOutput, cfg.PublishChanSize)
	persistWorker := persistence.NewPersistenceWorker(db, persistCh, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		metrics, logger.With().Str("component", "persistence").Logger())
	persistWorker.ForwardCommitted(committedCh)

	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	offsets := projection.NewOffsetHistory(cfg.OffsetHistorySize)
	projWorker := projection.NewProjectionWorker(db, projectionCh, offsets, metrics,
		logger.With().Str("component", "projection").Logger())
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := projWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	publishCh := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	publisher := ingestion.NewOutboundPublisher(js, publishCh, logger.With().Str("component", "publisher").Logger())
	workers.Add(2)
	go func() {
		defer workers.Done()
		defer close(publishCh)
		for out := range committedCh {
			select {
			case publishCh <- ingestion.NewPublishableEvent(out):
			default:
				metrics.PublishDrops.Inc()
			}
		}
	}()
	go func() {
		defer workers.Done()
		if err := publisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	// --- Ingestion: NATS and gRPC feed one core goroutine ---
	rawCh := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawCh, logger.With().Str("component", "nats").Logger())
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	eventCh := make(chan event.Event, 4096)
	parseDone := make(chan struct{})
	go func() {
		defer close(parseDone)
		parseLoop(ctx, rawCh, eventCh, logger)
	}()

	// The core loop outlives the signal until in-flight RPCs have their
	// answers.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	subs := make(chan ingestion.Submission)
	loop := newCoreLoop(c, eventCh, subs, logger)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.run(loopCtx)
	}()

	snaps := &snapshotter{
		capture: loop.capture,
		store:   snapMgr,
		metrics: metrics,
		logger:  logger.With().Str("component", "snapshot").Logger(),
	}
	go snaps.runPeriodic(ctx, c.AppliedSequence, cfg.SnapshotInterval, cfg.SnapshotCheck)
	go monitorChannels(ctx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistCh), cap(persistCh) },
		"projection": func() (int, int) { return len(projectionCh), cap(projectionCh) },
		"publish":    func() (int, int) { return len(publishCh), cap(publishCh) },
		"ingest":     func() (int, int) { return len(rawCh), cap(rawCh) },
	})

	// --- Servers ---
	srv := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  query.NewQueryService(c, db, offsets, metrics),
		IngestService: ingestion.NewGRPCIngestService(subs),
		SnapshotMgr:   snapMgr,
		Snapshotter:   snaps,
		HealthChecker: healthChecker,
		AdminToken:    cfg.AdminToken,
		Logger:        logger,
	})
	grpcDone := make(chan struct{})
	go func() {
		defer close(grpcDone)
		if err := srv.StartGRPC(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			errCh <- err
		}
	}()

	srv.SetServing(true)
	logger.Info().
		Int64("next_sequence", c.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("stability pool ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	srv.SetServing(false)
	stop()
	subscriber.Stop()
	<-parseDone
	<-grpcDone
	stopLoop()
	<-loopDone

	// The core goroutine has exited, so the state is ours now. Commands
	// still queued were acked and must not be lost.
	for empty := false; !empty; {
		select {
		case evt := <-eventCh:
			if err := c.ProcessEvent(evt); err != nil {
				logger.Warn().Err(err).Str("key", evt.IdempotencyKey()).Msg("command not applied")
			}
		default:
			empty = true
		}
	}
	final := c.CreateSnapshotState()

	close(persistCh)
	close(projectionCh)
	<-persistDone
	close(committedCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if final.Sequence >= 0 {
		if _, _, err := snaps.save(shutdownCtx, final); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("workers did not drain in time")
		cancelWorkers()
		<-drained
	}
	logger.Info().Msg("shutdown complete")
}

// parseLoop turns raw NATS messages into typed events. Messages are acked
// once the core has them queued; malformed ones are acked and dropped since
// redelivery cannot fix them.
func parseLoop(ctx context.Context, raw <-chan ingestion.RawEvent, out chan<- event.Event, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-raw:
			evt, err := ingestion.ParseRawEvent(msg, msg.EventType)
			if err != nil {
				logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed command")
				msg.AckFunc()
				continue
			}
			select {
			case out <- evt:
				msg.AckFunc()
			case <-ctx.Done():
				msg.NakFunc()
				return
			}
		}
	}
}

func monitorChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, fn := range channels {
				size, capacity := fn()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}
