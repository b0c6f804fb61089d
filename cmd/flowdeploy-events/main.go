// flowdeploy-events — обработчик событий runtime.
//
// Сервис:
//   - Объявляет топологию RabbitMQ
//   - Читает события из очереди и применяет их к runs и flows
//   - Отправляет отложенные stop_container после container_created
//   - Снимает истёкшие отложенные команды по расписанию
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/flowdeploy/internal/config"
	"github.com/shaiso/flowdeploy/internal/deploy"
	"github.com/shaiso/flowdeploy/internal/events"
	"github.com/shaiso/flowdeploy/internal/mq"
	"github.com/shaiso/flowdeploy/internal/repo"
	"github.com/shaiso/flowdeploy/internal/scheduler"
	"github.com/shaiso/flowdeploy/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting flowdeploy-events")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	flowRepo := repo.NewFlowRepo(pool)
	runRepo := repo.NewRunRepo(pool)
	logRepo := repo.NewLogRepo(pool)
	pendingRepo := repo.NewPendingRepo(pool)

	mqConn := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err := mqConn.Connect(); err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	topo := cfg.Topology()
	if err := mq.SetupTopology(ctx, mqConn, topo); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	publisher := mq.NewPublisher(mqConn, logger, mq.PublisherConfig{Topology: topo})

	orch := deploy.New(deploy.Config{
		Flows:        flowRepo,
		Runs:         runRepo,
		Pending:      pendingRepo,
		Publisher:    publisher,
		Artifacts:    deploy.NewArtifacts(cfg.ArtifactsDir),
		DefaultImage: cfg.DefaultImage,
		StopWait:     cfg.StopWait,
		Logger:       logger,
	})

	processor := events.New(events.Config{
		Flows:     flowRepo,
		Runs:      runRepo,
		Logs:      logRepo,
		Pending:   pendingRepo,
		Publisher: publisher,
		Lock:      orch,
		RetryWait: cfg.StopWait,
		Logger:    logger,
	})

	consumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
		Queue:   topo.EventQueue,
		Handler: processor.Process,
	})
	consumer.Start(ctx)

	sched := scheduler.New(scheduler.Config{
		Pending:   pendingRepo,
		Logs:      logRepo,
		Publisher: publisher,
		Logger:    logger,
		Spec:      cfg.SweepSpec,
	})
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			http.Error(w, "broker disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.EventsPort
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	sched.Stop()
	consumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("flowdeploy-events stopped")
}
