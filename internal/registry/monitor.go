package registry

import (
	"context"
	"log/slog"
	"time"

	"agentpay/internal/trade"
	"agentpay/pkg/logger"
)

// MonitorConfig tunes the supervision loop.
type MonitorConfig struct {
	Interval         time.Duration
	CreditsThreshold int64
	TradeMaxAge      time.Duration
	PruneInterval    time.Duration
}

// Monitor periodically inspects registered agents and keeps the trade
// ledger from growing without bound.
type Monitor struct {
	registry *Registry
	trades   *trade.Ledger
	cfg      MonitorConfig
}

// NewMonitor creates a Monitor over the given registry and trade ledger.
func NewMonitor(registry *Registry, trades *trade.Ledger, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = cfg.Interval
	}
	return &Monitor{registry: registry, trades: trades, cfg: cfg}
}

// Run blocks until ctx is cancelled, checking agent credit levels on the
// monitor interval and pruning aged terminal trades on the prune interval.
func (m *Monitor) Run(ctx context.Context) {
	log := logger.Named("monitor")
	check := time.NewTicker(m.cfg.Interval)
	defer check.Stop()
	prune := time.NewTicker(m.cfg.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			m.checkAgents(log)
		case <-prune.C:
			if m.cfg.TradeMaxAge > 0 {
				if removed := m.trades.Prune(m.cfg.TradeMaxAge); removed > 0 {
					log.Info("pruned settled trades", "removed", removed)
				}
			}
		}
	}
}

func (m *Monitor) checkAgents(log *slog.Logger) {
	for _, agent := range m.registry.List() {
		if agent.Status == StatusError {
			log.Warn("agent in error state", "agent_id", agent.AgentID)
			continue
		}
		if agent.Credits < m.cfg.CreditsThreshold {
			log.Warn("agent credits below threshold",
				"agent_id", agent.AgentID,
				"credits", agent.Credits,
				"threshold", m.cfg.CreditsThreshold)
		}
	}
}
