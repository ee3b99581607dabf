package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HealthChecker is a named readiness probe for one dependency. Start
// blocks, refreshing the cached flag until ctx is canceled; IsHealthy
// reads the cache without blocking.
type HealthChecker interface {
	Name() string
	IsHealthy() bool
	Start(ctx context.Context, interval time.Duration)
}

// ServiceHealthChecker folds the dependency checkers into the single
// flag served on /healthz. The service is up only while every
// dependency is.
type ServiceHealthChecker struct {
	healthy atomic.Bool
	deps    []HealthChecker
	log     zerolog.Logger
}

func NewServiceHealthChecker(log zerolog.Logger, deps ...HealthChecker) *ServiceHealthChecker {
	return &ServiceHealthChecker{deps: deps, log: log}
}

func (h *ServiceHealthChecker) IsHealthy() bool { return h.healthy.Load() }

// Start re-evaluates dependency health every interval and logs the
// up/down transitions.
func (h *ServiceHealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	eval := func() {
		up := true
		for _, dep := range h.deps {
			if !dep.IsHealthy() {
				up = false
				h.log.Warn().Str("checker", dep.Name()).Msg("dependency unhealthy")
			}
		}
		if h.healthy.Swap(up) != up {
			if up {
				h.log.Info().Msg("service healthy")
			} else {
				h.log.Error().Msg("service unhealthy")
			}
		}
	}

	eval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eval()
		}
	}
}
