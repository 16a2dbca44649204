package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container lifecycle metrics
	ContainersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "containerv_containers_created_total",
			Help: "Total number of containers created",
		},
	)

	ContainersDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "containerv_containers_destroyed_total",
			Help: "Total number of containers destroyed",
		},
	)

	ContainersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "containerv_containers_active",
			Help: "Number of containers currently alive",
		},
	)

	// Process metrics
	ProcessesSpawned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "containerv_processes_spawned_total",
			Help: "Total number of processes spawned by route",
		},
		[]string{"route"},
	)

	// Agent protocol metrics
	AgentRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "containerv_agent_requests_total",
			Help: "Total number of agent requests by operation",
		},
		[]string{"op"},
	)

	// Upload metrics
	UploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "containerv_upload_bytes_total",
			Help: "Total bytes uploaded to the artifact service",
		},
	)

	UploadBlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "containerv_upload_blocks_total",
			Help: "Total blocks uploaded to the artifact service",
		},
	)
)

// Register registers all metrics with the given registry
func Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		ContainersCreated,
		ContainersDestroyed,
		ContainersActive,
		ProcessesSpawned,
		AgentRequests,
		UploadBytes,
		UploadBlocks,
	}

	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// Handler returns an HTTP handler serving the given registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
