package host

import (
	"context"
	"fmt"

	"github.com/tombee/baton/internal/config"
	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/store/memory"
	"github.com/tombee/baton/internal/store/redis"
	"github.com/tombee/baton/internal/store/sqlite"
	"github.com/tombee/baton/pkg/activity"
	"github.com/tombee/baton/pkg/persistence"
)

// OpenStore builds an instance store from host configuration.
func OpenStore(ctx context.Context, cfg *config.Config) (persistence.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		return sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: true})
	case config.DriverRedis:
		return redis.New(ctx, redis.Config{Addr: cfg.Store.Addr, KeyPrefix: cfg.Store.KeyPrefix})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// NewFromConfig creates a host wired from a configuration: logger, store,
// and timeouts. Additional options apply on top.
func NewFromConfig(ctx context.Context, definition activity.Activity, cfg *config.Config, opts ...Option) (*Host, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger := log.New("host", log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	base := []Option{
		WithStore(store),
		WithHostLogger(logger),
		WithOperationTimeout(cfg.Timeouts.Operation),
		WithPersistenceTimeout(cfg.Timeouts.Persistence),
	}
	return New(definition, append(base, opts...)...), nil
}
