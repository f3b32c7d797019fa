// Conveyor Engine — движок выполнения workflow runs.
//
// Engine:
//   - Слушает события об изменениях (pg_notify или RabbitMQ)
//   - Продвигает jobs по конвейеру статусов и финализирует runs
//   - Захватывает READY jobs и выполняет их пулом executor-слотов
//   - Возвращает протухшие захваты обратно в очередь
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/conveyor/internal/config"
	"github.com/shaiso/conveyor/internal/dispatch"
	"github.com/shaiso/conveyor/internal/listen"
	"github.com/shaiso/conveyor/internal/orchestrator"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/telemetry"
	"github.com/shaiso/conveyor/internal/txn"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Логгер ещё не настроен.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	logger.Info("starting conveyor-engine")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	runRepo := repo.NewRunRepo(pool)
	jobRepo := repo.NewJobRepo(pool)

	coord := txn.NewCoordinator(pool, logger)

	// Транспорт событий: pg_notify по умолчанию, RabbitMQ — опционально.
	var newListener orchestrator.ListenerFactory
	switch cfg.Listen.Backend {
	case config.BackendAMQP:
		mqConn, err := listen.NewConnection(cfg.AMQP.URL, logger)
		if err != nil {
			logger.Error("failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		publisher, err := listen.NewPublisher(mqConn, logger)
		if err != nil {
			logger.Error("failed to setup publisher", "error", err)
			os.Exit(1)
		}
		coord.SetPublisher(publisher)

		newListener = func(ctx context.Context) (listen.Listener, error) {
			return listen.NewAMQPListener(mqConn, logger)
		}
	default:
		newListener = func(ctx context.Context) (listen.Listener, error) {
			return listen.NewPGListener(ctx, pool, logger)
		}
	}

	// Пул и оркестратор ссылаются друг на друга: пул сообщает о
	// терминальных jobs, оркестратор будит пул. Разрываем цикл
	// замыканием — к моменту первого терминального job оркестратор
	// уже создан.
	var orch *orchestrator.Orchestrator

	workers := dispatch.NewPool(dispatch.Config{
		Coordinator: coord,
		Source:      jobRepo,
		Size:        cfg.Engine.PoolSize,
		BatchSize:   cfg.Engine.BatchSize,
		CancelGrace: cfg.Engine.CancelGrace,
		OnTerminal:  func(runID uuid.UUID) { orch.OnJobTerminal(runID) },
		Logger:      logger,
	})

	orch = orchestrator.New(orchestrator.Config{
		Coordinator:  coord,
		Runs:         runRepo,
		Jobs:         jobRepo,
		Pool:         workers,
		NewListener:  newListener,
		PollInterval: cfg.Engine.PollInterval,
		ClaimTimeout: cfg.Engine.ClaimTimeout,
		Logger:       logger,
	})

	workers.Start(ctx)
	orch.Start(ctx)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Ожидаем сигнал завершения
	<-ctx.Done()

	orch.Stop()
	workers.Stop()

	// Возвращаем захваты остановленных слотов в очередь, чтобы другой
	// engine подобрал их сразу, а не после claim_timeout.
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace)
	released, err := coord.ReleaseClaims(releaseCtx, workers.ExecutorIDs())
	releaseCancel()
	if err != nil {
		logger.Warn("failed to release claims", "error", err)
	} else if released > 0 {
		logger.Info("released claims", "count", released)
	}

	if err := g.Wait(); err != nil {
		logger.Error("http server error", "error", err)
	}
	logger.Info("conveyor-engine stopped")
}
