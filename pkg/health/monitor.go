// Package health runs periodic component checks and tracks their status.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/udpmail/logger"
	"github.com/migadu/udpmail/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// Checker is implemented by components that can test themselves.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// failureWindow is the number of recent results the failure rate covers.
const failureWindow = 10

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // If true, failure affects overall system health

	// Fields below are protected by mu
	mu         sync.RWMutex
	LastCheck  time.Time
	LastError  error
	Status     ComponentStatus
	CheckCount int
	FailCount  int

	recent     [failureWindow]bool // true marks a failed check
	recentLen  int
	recentNext int
}

// record stores the outcome of one check and returns the failure rate
// over the last failureWindow checks. Caller holds mu.
func (hc *HealthCheck) record(failed bool) float64 {
	hc.recent[hc.recentNext] = failed
	hc.recentNext = (hc.recentNext + 1) % failureWindow
	if hc.recentLen < failureWindow {
		hc.recentLen++
	}

	var failures int
	for i := 0; i < hc.recentLen; i++ {
		if hc.recent[i] {
			failures++
		}
	}
	return float64(failures) / float64(hc.recentLen)
}

// CheckReport is a point-in-time view of one check.
type CheckReport struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check"`
	LastError string          `json:"last_error,omitempty"`
}

type HealthMonitor struct {
	checks        map[string]*HealthCheck
	mu            sync.RWMutex
	overallStatus ComponentStatus
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

// NewComponentCheck wraps a Checker as a critical check.
func NewComponentCheck(name string, c Checker, interval time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Check:    c.HealthCheck,
		Interval: interval,
		Critical: true,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	check.Status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every check once, then on its interval until ctx is done or
// Stop is called.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		hm.wg.Add(1)
		go hm.runHealthCheck(ctx, check)
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) runHealthCheck(ctx context.Context, check *HealthCheck) {
	defer hm.wg.Done()

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Info("Health monitoring started", "component", check.Name, "interval", check.Interval)

	hm.RunCheck(ctx, check.Name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.RunCheck(ctx, check.Name)
		}
	}
}

// RunCheck performs the named check now and returns its new status.
func (hm *HealthMonitor) RunCheck(ctx context.Context, name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, ok := hm.checks[name]
	hm.mu.RUnlock()
	if !ok {
		return StatusUnhealthy, false
	}

	status := hm.performCheck(ctx, check)
	hm.updateOverallStatus()
	return status, true
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) (status ComponentStatus) {
	// A panicking check marks its component unhealthy.
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("Panic during health check", "component", check.Name, "error", err)

			check.mu.Lock()
			check.record(true)
			check.Status = StatusUnhealthy
			check.LastError = err
			check.mu.Unlock()
			status = StatusUnhealthy
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	startTime := time.Now()
	err := check.Check(ctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(startTime).Seconds())

	check.mu.Lock()
	check.CheckCount++
	check.LastCheck = time.Now()
	previousStatus := check.Status
	failureRate := check.record(err != nil)

	if err != nil {
		check.FailCount++
		check.LastError = err

		// A high recent failure rate is unhealthy, an occasional failure degraded.
		if failureRate >= 0.5 {
			check.Status = StatusUnhealthy
		} else {
			check.Status = StatusDegraded
		}

		logger.Warn("Health check failed", "component", check.Name, "error", err,
			"status", check.Status, "failure_rate", failureRate)
	} else {
		check.LastError = nil
		check.Status = StatusHealthy
	}

	currentStatus := check.Status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(currentStatus)).Inc()

	var statusValue float64
	switch currentStatus {
	case StatusHealthy:
		statusValue = 3
	case StatusDegraded:
		statusValue = 2
	case StatusUnhealthy:
		statusValue = 1
	}
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue)

	if previousStatus != currentStatus {
		logger.Info("Health status changed", "component", check.Name, "from", previousStatus, "to", currentStatus)
	}
	return currentStatus
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool

	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.Status
		critical := check.Critical
		check.mu.RUnlock()

		if critical && status == StatusUnhealthy {
			criticalUnhealthy = true
		}
		if status != StatusHealthy {
			anyDegraded = true
		}
	}

	previousStatus := hm.overallStatus

	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}

	if previousStatus != hm.overallStatus {
		logger.Info("Overall health status changed", "from", previousStatus, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

// Reports returns the state of every check, in no particular order.
func (hm *HealthMonitor) Reports() []CheckReport {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mu.RUnlock()

	reports := make([]CheckReport, 0, len(checks))
	for _, check := range checks {
		check.mu.RLock()
		r := CheckReport{
			Name:      check.Name,
			Status:    check.Status,
			Critical:  check.Critical,
			LastCheck: check.LastCheck,
		}
		if check.LastError != nil {
			r.LastError = check.LastError.Error()
		}
		check.mu.RUnlock()
		reports = append(reports, r)
	}
	return reports
}
