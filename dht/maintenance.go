package dht

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds configuration for periodic maintenance.
type MaintenanceConfig struct {
	// How often Handler.Tick runs
	TickInterval time.Duration
	// How often the node looks itself up to refresh its neighbourhood
	LookupInterval time.Duration
}

// DefaultMaintenanceConfig returns sensible defaults for maintenance.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		TickInterval:   1 * time.Second,
		LookupInterval: 5 * time.Minute,
	}
}

// Maintainer turns wall-clock time into handler ticks and periodic
// self-lookups. It never touches the handler directly: work is handed to
// submit, which must run it on the goroutine that owns the handler.
type Maintainer struct {
	handler *Handler
	submit  func(func()) bool
	clock   clock.Clock
	config  *MaintenanceConfig
}

// NewMaintainer creates a maintenance loop for h.
func NewMaintainer(h *Handler, submit func(func()) bool, clk clock.Clock, config *MaintenanceConfig) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Maintainer{
		handler: h,
		submit:  submit,
		clock:   clk,
		config:  config,
	}
}

// Run schedules maintenance until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) error {
	tick := m.clock.Ticker(m.config.TickInterval)
	defer tick.Stop()
	lookup := m.clock.Ticker(m.config.LookupInterval)
	defer lookup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if !m.submit(m.handler.Tick) {
				return nil
			}
		case <-lookup.C:
			if !m.submit(m.refresh) {
				return nil
			}
		}
	}
}

// refresh looks up our own identifier, which fills the buckets nearest to
// us and lets peers near us learn about us.
func (m *Maintainer) refresh() {
	self := m.handler.Self()
	m.handler.StartLookup(self, func(l *Lookup) {
		logrus.WithFields(logrus.Fields{
			"function":   "refresh",
			"state":      l.State().String(),
			"candidates": len(l.Candidates()),
			"contacts":   m.handler.Peers().ContactCount(),
		}).Debug("Self lookup finished")
	})
}
