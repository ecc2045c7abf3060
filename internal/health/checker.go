// Package health runs readiness probes against idgate's dependencies.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe is one named dependency check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ProbeStatus is the last known state of one probe.
type ProbeStatus struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Checker periodically runs probes. A probe turns healthy after
// HealthyThreshold consecutive successes and unhealthy after
// UnhealthyThreshold consecutive failures; every probe starts unhealthy.
type Checker struct {
	probes []Probe
	logger *slog.Logger
	config CheckerConfig

	mu           sync.RWMutex
	running      bool
	done         chan struct{}
	wg           sync.WaitGroup
	status       map[string]ProbeStatus
	successCount map[string]int
	failureCount map[string]int
}

// CheckerConfig contains health check configuration.
type CheckerConfig struct {
	// Interval between health checks (default: 30s)
	Interval time.Duration

	// Timeout for each probe (default: 5s)
	Timeout time.Duration

	// UnhealthyThreshold: how many consecutive failures before marking unhealthy (default: 3)
	UnhealthyThreshold int

	// HealthyThreshold: how many consecutive successes before marking healthy (default: 1)
	HealthyThreshold int
}

// NewChecker creates a new health checker.
func NewChecker(probes []Probe, logger *slog.Logger, config CheckerConfig) *Checker {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.UnhealthyThreshold == 0 {
		config.UnhealthyThreshold = 3
	}
	if config.HealthyThreshold == 0 {
		config.HealthyThreshold = 1
	}

	status := make(map[string]ProbeStatus, len(probes))
	for _, p := range probes {
		status[p.Name] = ProbeStatus{}
	}

	return &Checker{
		probes:       probes,
		logger:       logger,
		config:       config,
		done:         make(chan struct{}),
		status:       status,
		successCount: make(map[string]int),
		failureCount: make(map[string]int),
	}
}

// Start begins periodic health checking in a background goroutine.
// Call Stop() to terminate.
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("health checker started",
		"interval", c.config.Interval,
		"timeout", c.config.Timeout,
		"probes", len(c.probes),
	)

	c.wg.Add(1)
	go c.checkLoop(ctx)
	return nil
}

// Stop stops the health checker and waits for the loop to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	c.logger.Info("health checker stopped")
}

func (c *Checker) checkLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll runs every probe once, concurrently.
func (c *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range c.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			c.checkOne(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (c *Checker) checkOne(ctx context.Context, p Probe) {
	checkCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	err := p.Check(checkCtx)
	now := time.Now()

	c.mu.Lock()
	st := c.status[p.Name]
	wasHealthy := st.Healthy
	st.LastChecked = now
	if err != nil {
		st.LastError = err.Error()
		c.failureCount[p.Name]++
		c.successCount[p.Name] = 0
		if c.failureCount[p.Name] >= c.config.UnhealthyThreshold {
			st.Healthy = false
		}
	} else {
		st.LastError = ""
		c.failureCount[p.Name] = 0
		c.successCount[p.Name]++
		if c.successCount[p.Name] >= c.config.HealthyThreshold {
			st.Healthy = true
		}
	}
	c.status[p.Name] = st
	c.mu.Unlock()

	switch {
	case wasHealthy && !st.Healthy:
		c.logger.Warn("dependency became unhealthy", "probe", p.Name, "error", err)
	case !wasHealthy && st.Healthy:
		c.logger.Info("dependency became healthy", "probe", p.Name)
	}
}

// Ready reports whether every probe is healthy.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, st := range c.status {
		if !st.Healthy {
			return false
		}
	}
	return true
}

// Status returns a copy of every probe's state.
func (c *Checker) Status() map[string]ProbeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ProbeStatus, len(c.status))
	for k, v := range c.status {
		out[k] = v
	}
	return out
}
