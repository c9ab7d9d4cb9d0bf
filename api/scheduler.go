/*
scheduler.go - Calibration monitor

PURPOSE:
  Periodically checks active mobile runs for expired calibration checks
  and publishes the count as a Prometheus gauge. Operators are expected to
  recalibrate before the next mix on that unit; the monitor only reports.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Asks production.Service for the calibration report across all tenants
  - Logs each expired run and sets production_calibration_expired_runs

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - MaxDays:       Expiry age in days (0 = policy default)
  - Enabled:       Whether monitor is active (default: true)

USAGE:
  monitor := NewCalibrationMonitor(service, metrics)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - handlers.go: GET /calibration-report (same report, on demand)
  - production/service.go: CalibrationReport
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/production-engine/production"
)

// CalibrationMonitor reports active runs with expired calibration.
type CalibrationMonitor struct {
	Service       *production.Service
	Metrics       *Metrics
	CheckInterval time.Duration
	MaxDays       int
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCalibrationMonitor creates a new monitor.
func NewCalibrationMonitor(service *production.Service, metrics *Metrics) *CalibrationMonitor {
	return &CalibrationMonitor{
		Service:       service,
		Metrics:       metrics,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the monitor.
func (m *CalibrationMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled {
		log.Println("[Monitor] Disabled, not starting")
		return
	}
	if m.ticker != nil {
		return
	}

	m.ticker = time.NewTicker(m.CheckInterval)
	m.stop = make(chan struct{})
	m.wg.Add(1)

	go m.run(m.ticker.C, m.stop)

	log.Printf("[Monitor] Started with check interval: %v", m.CheckInterval)
}

// Stop stops the monitor and waits for a running check to finish.
func (m *CalibrationMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ticker != nil {
		m.ticker.Stop()
		close(m.stop)
		m.wg.Wait()
		m.ticker = nil
		log.Println("[Monitor] Stopped")
	}
}

func (m *CalibrationMonitor) run(tick <-chan time.Time, stop <-chan struct{}) {
	defer m.wg.Done()

	// Run immediately on start
	m.Check(context.Background())

	for {
		select {
		case <-tick:
			m.Check(context.Background())
		case <-stop:
			return
		}
	}
}

// Check runs one pass and returns the number of expired runs, or -1 if the
// report could not be built.
func (m *CalibrationMonitor) Check(ctx context.Context) int {
	report, err := m.Service.CalibrationReport(ctx, "", m.MaxDays)
	if err != nil {
		log.Printf("[Monitor] Error building calibration report: %v", err)
		if m.Metrics != nil {
			m.Metrics.CalibrationCheckFailed()
		}
		return -1
	}

	for _, s := range report {
		log.Printf("[Monitor] Calibration expired: tenant=%s run=%s unit=%s age=%.1fd",
			s.TenantID, s.RunID, s.MobileUnitID, s.AgeDays)
	}
	if m.Metrics != nil {
		m.Metrics.SetExpiredCalibrations(len(report))
	}
	return len(report)
}
