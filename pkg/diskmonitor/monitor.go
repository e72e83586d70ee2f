// Package diskmonitor runs the periodic disk-stat check (§4.14): it
// probes every registered data directory's health on a fixed interval,
// recomputes the available-medium-type census, and fails the process
// fast once too large a fraction of disks are broken. The ticker/stopCh
// loop shape is grounded on the teacher's Reconciler
// (pkg/reconciler/reconciler.go).
package diskmonitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakestor/storagenode/pkg/datadir"
	"github.com/lakestor/storagenode/pkg/log"
	"github.com/lakestor/storagenode/pkg/metrics"
	"github.com/lakestor/storagenode/pkg/types"
)

// ExitFunc terminates the process. Overridable in tests; production
// wiring passes os.Exit.
type ExitFunc func(code int)

// Monitor periodically health-checks every DataDir in a registry and
// fails fast when too many are broken (§4.14, §9 open question i: this
// exit(0) behavior is preserved deliberately, not treated as a bug).
type Monitor struct {
	interval     time.Duration
	maxBrokenPct float64
	registry     *datadir.Registry
	exit         ExitFunc
	logger       zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a Monitor. maxBrokenPct is a percentage in [0, 100],
// matching the config key max_percentage_of_error_disk.
func New(interval time.Duration, maxBrokenPct float64, registry *datadir.Registry, exit ExitFunc) *Monitor {
	return &Monitor{
		interval:     interval,
		maxBrokenPct: maxBrokenPct,
		registry:     registry,
		exit:         exit,
		logger:       log.WithComponent("disk-stat-monitor"),
	}
}

// Start begins the monitor loop in its own goroutine.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	go m.run(stopCh)
}

// Stop signals the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
}

func (m *Monitor) run(stopCh chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Msg("disk-stat monitor started")
	for {
		select {
		case <-ticker.C:
			m.RunOnce()
		case <-stopCh:
			m.logger.Info().Msg("disk-stat monitor stopped")
			return
		}
	}
}

// RunOnce executes a single disk-stat cycle: health-check every dir,
// recompute the medium-type census and per-state gauges, then fail fast
// if the broken fraction exceeds the configured threshold.
func (m *Monitor) RunOnce() {
	dirs := m.registry.All()

	counts := map[types.DiskHealth]int{}
	for _, d := range dirs {
		health := d.HealthCheck()
		counts[health]++
	}
	for state, n := range counts {
		metrics.DataDirsTotal.WithLabelValues(string(state)).Set(float64(n))
	}
	metrics.DiskStatCyclesTotal.Inc()

	available := m.registry.AvailableMediumTypeCount()
	m.logger.Debug().Int("available_medium_types", available).Msg("disk-stat cycle completed")

	brokenPct := m.registry.BrokenFraction() * 100
	if brokenPct > m.maxBrokenPct {
		m.logger.Error().
			Float64("broken_percentage", brokenPct).
			Float64("max_percentage_of_error_disk", m.maxBrokenPct).
			Msg("too many broken data directories; exiting")
		m.exit(0)
	}
}
