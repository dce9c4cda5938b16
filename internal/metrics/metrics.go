package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BinariesCompiled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lnorm_binaries_compiled_total",
		Help: "The total number of kernel programs compiled, by kernel name",
	}, []string{"kernel"})

	ProgramCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lnorm_program_cache_hits_total",
		Help: "Compiles answered from the engine program cache, by kernel name",
	}, []string{"kernel"})

	// Primitive resource metrics
	ResourcesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lnorm_resources_created_total",
		Help: "The total number of per-engine primitive resources created",
	}, []string{"primitive"})

	// Launch metrics
	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lnorm_kernel_launches_total",
		Help: "The total number of kernels run to completion or failure, by kernel name",
	}, []string{"kernel"})

	KernelLaunchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lnorm_kernel_launch_duration_ms",
		Help:    "Wall time of a kernel launch in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10us to ~330ms
	})
)
