package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/frostbyte73/core"
	"github.com/mackerelio/go-osstat/memory"

	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/pkg/telemetry/prometheus"
)

const DefaultInterval = 10 * time.Second

// Snapshot is one host sample.
type Snapshot struct {
	CPULoad     float32
	NumCPUs     uint32
	MemoryUsed  uint64
	MemoryTotal uint64
	LoadAvg1    float64
	SampledAt   time.Time
}

func (s Snapshot) MemoryLoad() float32 {
	if s.MemoryTotal == 0 {
		return 0
	}
	return float32(s.MemoryUsed) / float32(s.MemoryTotal)
}

// Poller samples host CPU, memory and load average on a fixed interval
// and publishes the numbers to prometheus. CPU load is computed between
// consecutive samples, so the first tick reports zero.
type Poller struct {
	interval time.Duration
	logger   logger.Logger

	mu   sync.RWMutex
	last Snapshot

	onSample func(Snapshot)
	stopped  core.Fuse
}

func NewPoller(interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		interval: interval,
		logger:   logger.GetLogger().WithName("stats"),
	}
}

// OnSample registers a callback fired after every sample. Set it before
// Start.
func (p *Poller) OnSample(f func(Snapshot)) {
	p.onSample = f
}

func (p *Poller) Start() {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.sample()
			case <-p.stopped.Watch():
				return
			}
		}
	}()
}

func (p *Poller) Stop() {
	p.stopped.Break()
}

func (p *Poller) Last() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Poller) sample() Snapshot {
	snap := Snapshot{SampledAt: time.Now()}

	cpuLoad, numCPUs, err := getCPUStats()
	if err != nil {
		p.logger.Warnw("could not sample cpu", err)
	} else {
		snap.CPULoad = cpuLoad
		snap.NumCPUs = numCPUs
	}

	if memInfo, err := memory.Get(); err == nil {
		snap.MemoryUsed = memInfo.Used
		snap.MemoryTotal = memInfo.Total
	}

	// load average is not available everywhere, those hosts report zero
	if la, err := getLoadAvg(); err == nil {
		snap.LoadAvg1 = la.Loadavg1
	}

	p.logger.Debugw("node sample",
		"cpu", fmt.Sprintf("%.1f%%", snap.CPULoad*100),
		"numCPUs", snap.NumCPUs,
		"memory", fmt.Sprintf("%s / %s", humanize.IBytes(snap.MemoryUsed), humanize.IBytes(snap.MemoryTotal)),
		"loadAvg1", snap.LoadAvg1,
	)
	prometheus.SetNodeStats(snap.CPULoad, snap.NumCPUs, snap.MemoryLoad(), snap.LoadAvg1)

	p.mu.Lock()
	p.last = snap
	p.mu.Unlock()

	if f := p.onSample; f != nil {
		f(snap)
	}
	return snap
}
