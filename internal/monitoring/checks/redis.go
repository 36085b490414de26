package checks

import (
	"context"
	"time"

	"github.com/charlesng35/sentinel/internal/monitoring"
)

// Pinger is satisfied by cache.RedisStore.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Redis probes the shared cache. A server running on the in-process cache reports up, and
// one that wanted Redis but fell back reports degraded.
func Redis(client Pinger, enabled bool, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("redis", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		switch {
		case !enabled:
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "redis disabled"}
		case client == nil:
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: "redis unavailable, using fallback cache"}
		}

		probeCtx, cancel := context.WithTimeout(ctx, orDefault(timeout))
		defer cancel()
		return monitoring.ResultFromError("redis", client.Ping(probeCtx), time.Since(start))
	})
}
