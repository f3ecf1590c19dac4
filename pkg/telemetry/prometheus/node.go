package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	promCPULoad    prometheus.Gauge
	promNumCPUs    prometheus.Gauge
	promMemoryLoad prometheus.Gauge
	promLoadAvg    prometheus.Gauge
)

func initNodeStats(constLabels prometheus.Labels) {
	promCPULoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "node",
		Name:        "cpu_load",
		ConstLabels: constLabels,
	})
	promNumCPUs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "node",
		Name:        "num_cpus",
		ConstLabels: constLabels,
	})
	promMemoryLoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "node",
		Name:        "memory_load",
		ConstLabels: constLabels,
	})
	promLoadAvg = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   peerdialNamespace,
		Subsystem:   "node",
		Name:        "load_avg_1min",
		ConstLabels: constLabels,
	})

	prometheus.MustRegister(promCPULoad)
	prometheus.MustRegister(promNumCPUs)
	prometheus.MustRegister(promMemoryLoad)
	prometheus.MustRegister(promLoadAvg)
}

// SetNodeStats publishes the latest host sample. Callers are expected to
// have run Init first.
func SetNodeStats(cpuLoad float32, numCPUs uint32, memoryLoad float32, loadAvg1 float64) {
	promCPULoad.Set(float64(cpuLoad))
	promNumCPUs.Set(float64(numCPUs))
	promMemoryLoad.Set(float64(memoryLoad))
	promLoadAvg.Set(loadAvg1)
}
