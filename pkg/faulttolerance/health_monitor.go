package faulttolerance

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a single health check and its latest result.
type HealthCheck struct {
	Name      string       `json:"name"`
	Status    HealthStatus `json:"status"`
	LastCheck time.Time    `json:"last_check"`
	Error     string       `json:"error,omitempty"`

	checkFunc func(ctx context.Context) error
	failures  int
}

// HealthMonitor periodically runs registered checks and keeps their status.
// A check that fails once is degraded; three consecutive failures mark it
// unhealthy.
type HealthMonitor struct {
	checks   map[string]*HealthCheck
	mu       sync.RWMutex
	logger   *logrus.Logger
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor(logger *logrus.Logger, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		checks:   make(map[string]*HealthCheck),
		logger:   logger,
		interval: interval,
	}
}

// AddCheck registers a named health check.
func (hm *HealthMonitor) AddCheck(name string, checkFunc func(ctx context.Context) error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checks[name] = &HealthCheck{
		Name:      name,
		Status:    HealthStatusHealthy,
		checkFunc: checkFunc,
	}
	hm.logger.Infof("Added health check: %s", name)
}

// Start begins periodic checking until Stop is called.
func (hm *HealthMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	hm.cancel = cancel

	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()
		ticker := time.NewTicker(hm.interval)
		defer ticker.Stop()

		hm.runChecks(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hm.runChecks(ctx)
			}
		}
	}()
}

// Stop halts periodic checking and waits for the loop to exit.
func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) runChecks(ctx context.Context) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	for _, check := range hm.checks {
		checkCtx, cancel := context.WithTimeout(ctx, hm.interval)
		err := check.checkFunc(checkCtx)
		cancel()

		check.LastCheck = time.Now()
		if err != nil {
			check.failures++
			check.Error = err.Error()
			if check.failures >= 3 {
				check.Status = HealthStatusUnhealthy
			} else {
				check.Status = HealthStatusDegraded
			}
			hm.logger.Warnf("Health check %s failed (%d consecutive): %v", check.Name, check.failures, err)
		} else {
			check.failures = 0
			check.Error = ""
			check.Status = HealthStatusHealthy
		}
	}
}

// Report returns a snapshot of every check plus the overall status.
// Overall is the worst individual status.
func (hm *HealthMonitor) Report() (HealthStatus, []HealthCheck) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	overall := HealthStatusHealthy
	snapshot := make([]HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		snapshot = append(snapshot, *check)
		switch check.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}
	return overall, snapshot
}
