package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSnapshot is the latest sampled view of process and host resources,
// shared between the Prometheus gauges and the health endpoint.
type SystemSnapshot struct {
	CPUPercent     float64   `json:"cpuPercent"`
	MemAllocBytes  uint64    `json:"memAllocBytes"`
	MemRSSBytes    uint64    `json:"memRssBytes"`
	MemUsedPercent float64   `json:"memUsedPercent"`
	Goroutines     int       `json:"goroutines"`
	SampledAt      time.Time `json:"sampledAt"`
}

// Sampler measures system resources on a fixed interval and publishes them
// to the package gauges. One instance per process.
type Sampler struct {
	interval time.Duration
	logger   zerolog.Logger
	proc     *process.Process

	mu       sync.RWMutex
	snapshot SystemSnapshot

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSampler(interval time.Duration, logger zerolog.Logger) *Sampler {
	s := &Sampler{
		interval: interval,
		logger:   logger.With().Str("component", "sampler").Logger(),
		stop:     make(chan struct{}),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Warn().Err(err).Msg("process inspection unavailable, RSS sampling disabled")
	} else {
		s.proc = proc
	}
	return s
}

// Start launches the sampling goroutine. It takes one sample immediately so
// the health endpoint never reports zeros at boot.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.collect()
		for {
			select {
			case <-ticker.C:
				s.collect()
			case <-s.stop:
				return
			}
		}
	}()
	s.logger.Info().Dur("interval", s.interval).Msg("system sampler started")
}

func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Snapshot returns the latest sample.
func (s *Sampler) Snapshot() SystemSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *Sampler) collect() {
	snap := SystemSnapshot{SampledAt: time.Now()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else if err != nil {
		s.logger.Debug().Err(err).Msg("cpu sample failed")
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.MemAllocBytes = ms.Alloc
	snap.Goroutines = runtime.NumGoroutine()

	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil {
			snap.MemRSSBytes = info.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedPercent = vm.UsedPercent
	}

	cpuPercent.Set(snap.CPUPercent)
	memAllocBytes.Set(float64(snap.MemAllocBytes))
	memUsedPercent.Set(snap.MemUsedPercent)
	goroutinesActive.Set(float64(snap.Goroutines))

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}
