package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowdeploy"

var (
	// CommandsPublished — опубликованные команды по action и результату (ok/failed).
	CommandsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_published_total",
		Help:      "Commands published to the runtime, by action and result.",
	}, []string{"action", "result"})

	// EventsProcessed — обработанные события по имени и исходу
	// (matched, unmatched, failed).
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Runtime events processed, by event name and outcome.",
	}, []string{"event", "outcome"})

	// EventProcessingDuration — время обработки одного события.
	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "event_processing_seconds",
		Help:      "Time spent processing a single runtime event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event"})

	// PendingCommandsExpired — отложенные команды, так и не дождавшиеся контейнера.
	PendingCommandsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_commands_expired_total",
		Help:      "Pending commands that expired before their container was registered.",
	})

	// PendingCommandsDrained — отложенные команды, отправленные после container_created.
	PendingCommandsDrained = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_commands_drained_total",
		Help:      "Pending commands published once their container was registered.",
	})

	// HTTPRequests — запросы к HTTP API по маршруту и коду ответа.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP API requests, by method, route pattern and status code.",
	}, []string{"method", "route", "status"})
)
