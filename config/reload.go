package config

import (
	"context"
	"log/slog"

	"github.com/flowmesh/orchestra/coordinator"
	"github.com/flowmesh/orchestra/monitor"
)

// ApplyReload drains ch (as returned by Watch) and pushes each reloaded
// Config's coordinator- and monitor-relevant fields into the running
// components, so an edited matcherWeights/retryDefaults/cancelGraceMs/
// alertRules takes effect without restarting the engine (SPEC_FULL.md
// §1.3's hot-reload path). It blocks until ctx is cancelled or ch is
// closed, so callers run it on its own goroutine alongside Watch.
// healthScore is re-threaded into each reloaded coordinator.Config the
// same way the initial wiring did, since Config itself carries no
// function-valued fields (they can't round-trip through YAML).
func ApplyReload(ctx context.Context, ch <-chan Config, coord *coordinator.Coordinator, mon *monitor.Monitor, healthScore func() float64) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			if coord != nil {
				coord.UpdateConfig(cfg.CoordinatorConfig(healthScore))
			}
			if mon != nil {
				mon.SetRules(cfg.MonitorConfig().Rules)
			}
			slog.Info("config: applied reloaded configuration")
		}
	}
}
