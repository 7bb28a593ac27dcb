// Package backpressure adapts dispatch concurrency to provider health and
// gates completed beads behind review checks
package backpressure

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// ControllerConfig holds backpressure controller configuration
type ControllerConfig struct {
	MaxConcurrent      int           // Hard ceiling on simultaneous executions
	MinConcurrent      int           // Never shrink below this
	SlowThreshold      time.Duration // Execution time considered slow; zero disables
	SlowCountThreshold int           // Consecutive slow results before shrinking
}

// DefaultControllerConfig returns default backpressure controller configuration
func DefaultControllerConfig(maxConcurrent int) ControllerConfig {
	return ControllerConfig{
		MaxConcurrent:      maxConcurrent,
		MinConcurrent:      1,
		SlowThreshold:      10 * time.Minute,
		SlowCountThreshold: 3,
	}
}

// Controller limits how many beads may execute at once. The limit starts
// at the configured maximum, halves on rate limits and climbs back one
// slot per success.
type Controller struct {
	mu     sync.RWMutex
	config ControllerConfig
	logger *log.Logger

	limit           int
	consecutiveSlow int
}

// NewController creates a new backpressure controller. A nil logger discards output.
func NewController(cfg ControllerConfig, logger *log.Logger) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MinConcurrent <= 0 || cfg.MinConcurrent > cfg.MaxConcurrent {
		cfg.MinConcurrent = 1
	}
	if cfg.SlowCountThreshold <= 0 {
		cfg.SlowCountThreshold = 3
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Controller{config: cfg, logger: logger, limit: cfg.MaxConcurrent}
}

// OnResult feeds the outcome of one execution back into the controller.
// An empty kind is a success.
func (c *Controller) OnResult(kind types.ErrorKind, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case "":
		if c.config.SlowThreshold > 0 && elapsed >= c.config.SlowThreshold {
			c.handleSlow()
			return
		}
		c.handleOK()
	case types.KindRateLimited, types.KindAllProvidersExhausted:
		c.handleRateLimit()
	case types.KindTransient:
		c.handleSlow()
	}
}

// handleRateLimit halves the limit
func (c *Controller) handleRateLimit() {
	c.consecutiveSlow = 0
	next := max(c.config.MinConcurrent, c.limit/2)
	if next != c.limit {
		c.limit = next
		c.logger.Printf("🔄 Rate limit detected, concurrency reduced to %d", c.limit)
	}
}

// handleSlow shrinks the limit by one after enough consecutive slow results
func (c *Controller) handleSlow() {
	c.consecutiveSlow++
	if c.consecutiveSlow < c.config.SlowCountThreshold {
		return
	}
	c.consecutiveSlow = 0
	if c.limit > c.config.MinConcurrent {
		c.limit--
		c.logger.Printf("🔄 Slow executions, concurrency reduced to %d", c.limit)
	}
}

// handleOK resets the slow counter and grows the limit by one
func (c *Controller) handleOK() {
	c.consecutiveSlow = 0
	if c.limit < c.config.MaxConcurrent {
		c.limit++
		if c.limit == c.config.MaxConcurrent {
			c.logger.Printf("✅ Recovered to full concurrency: %d", c.limit)
		}
	}
}

// CanSpawn reports whether another execution may start while inFlight are running
func (c *Controller) CanSpawn(inFlight int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return inFlight < c.limit
}

// Limit returns the current concurrency limit
func (c *Controller) Limit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limit
}

// SetMaxConcurrent changes the ceiling, clamping the current limit to it
func (c *Controller) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.MaxConcurrent = n
	if c.config.MinConcurrent > n {
		c.config.MinConcurrent = n
	}
	if c.limit > n {
		c.limit = n
	}
}

// Reset restores the full configured concurrency
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = c.config.MaxConcurrent
	c.consecutiveSlow = 0
}
