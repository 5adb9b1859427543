package buyer

import (
	"context"
	"log/slog"
	"time"

	"agentpay/pkg/logger"
)

// MonitorConfig tunes the auto-purchase loop.
type MonitorConfig struct {
	Interval         time.Duration
	CreditsThreshold int64
	PurchaseCredits  int64
}

// Monitor tops the buyer's credit balance up whenever it falls below the
// configured threshold.
type Monitor struct {
	client *Client
	cfg    MonitorConfig
}

// NewMonitor creates a Monitor over the buyer client.
func NewMonitor(client *Client, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.PurchaseCredits <= 0 {
		cfg.PurchaseCredits = 10
	}
	return &Monitor{client: client, cfg: cfg}
}

// Run blocks until ctx is cancelled. One purchase check runs immediately,
// then one per interval. Purchase failures are logged and retried on the
// next tick.
func (m *Monitor) Run(ctx context.Context) {
	log := logger.Named("buyer-monitor")
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.check(ctx, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, log)
		}
	}
}

func (m *Monitor) check(ctx context.Context, log *slog.Logger) {
	if !m.client.NeedsCredits(m.cfg.CreditsThreshold) {
		return
	}
	log.Info("credits below threshold, purchasing",
		"credits", m.client.Credits(),
		"threshold", m.cfg.CreditsThreshold)
	if _, err := m.client.Purchase(ctx, m.cfg.PurchaseCredits); err != nil {
		log.Warn("credit purchase failed", "error", err)
	}
}
