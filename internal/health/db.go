package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DBChecker probes database connectivity through a HealthPinger and
// caches the outcome for non-blocking reads. It reports unhealthy
// until the first successful probe.
type DBChecker struct {
	pinger       HealthPinger
	healthy      atomic.Bool
	log          zerolog.Logger
	probeTimeout time.Duration
}

func NewDBChecker(p HealthPinger, log zerolog.Logger, probeTimeout time.Duration) *DBChecker {
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &DBChecker{pinger: p, log: log, probeTimeout: probeTimeout}
}

func (hc *DBChecker) Name() string { return "db" }

func (hc *DBChecker) IsHealthy() bool { return hc.healthy.Load() }

// Start probes the database every interval until ctx is canceled.
func (hc *DBChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, hc.probeTimeout)
		defer cancel()

		if err := hc.pinger.HealthPing(probeCtx); err != nil {
			hc.log.Error().Err(err).Str("checker", hc.Name()).Msg("db health probe failed")
			hc.healthy.Store(false)
			return
		}
		hc.healthy.Store(true)
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
