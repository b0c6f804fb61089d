// flowdeploy-api — HTTP API управления flows и их развёртыванием.
//
// Принимает запросы пользователя, пишет runs в БД и отправляет
// команды runtime через RabbitMQ. События runtime обрабатывает
// flowdeploy-events.
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

	"github.com/shaiso/flowdeploy/internal/api"
	"github.com/shaiso/flowdeploy/internal/config"
	"github.com/shaiso/flowdeploy/internal/deploy"
	"github.com/shaiso/flowdeploy/internal/mq"
	"github.com/shaiso/flowdeploy/internal/repo"
	"github.com/shaiso/flowdeploy/internal/telemetry"
)

var startTime = time.Now()

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting flowdeploy-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	flowRepo := repo.NewFlowRepo(pool)
	runRepo := repo.NewRunRepo(pool)
	logRepo := repo.NewLogRepo(pool)
	pendingRepo := repo.NewPendingRepo(pool)

	// Брокер может быть недоступен на старте: publisher подключится лениво,
	// а до тех пор команды вернут OK=false.
	mqConn := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err := mqConn.Connect(); err != nil {
		logger.Warn("RabbitMQ not available yet", "error", err)
	}
	defer mqConn.Close()

	topo := cfg.Topology()
	logger.Info("broker topology", "topology", mq.TopologyInfo(topo))

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

	handler := api.NewHandler(api.Config{
		Flows:    flowRepo,
		Runs:     runRepo,
		Logs:     logRepo,
		Deployer: orch,
		Logger:   logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler.RegisterRoutes(mux)

	addr := ":" + cfg.APIPort
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
