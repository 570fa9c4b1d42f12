package observer

import (
	"fmt"

	"github.com/nxmango/bouncer/internal/config"
	"github.com/nxmango/bouncer/internal/corrstore"
)

// NewCorrelationStore builds the queue-id to hash correlation backend
// selected by cfg. Shared by bouncer-observer and bouncer-journal so both
// daemons can point at the same Redis instance when run on separate hosts.
func NewCorrelationStore(cfg config.CorrelationConfig) (corrstore.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return corrstore.NewMemory(), nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("correlation.redis_url is required when backend=redis")
		}
		return corrstore.NewRedis(cfg.RedisURL, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown correlation backend %q", cfg.Backend)
	}
}
