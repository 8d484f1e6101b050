package cronjob

import (
	"context"
	"fmt"

	"github.com/tgifai/crond/internal/config"
)

// OpenBackend builds the backend selected by cfg.Driver.
func OpenBackend(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case "", config.StoreDriverFile:
		return NewFileBackend(cfg.Path), nil
	case config.StoreDriverSQLite:
		b, err := OpenSQLiteBackend(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.StoreDriverNATS:
		b, err := OpenNATSBackend(ctx, cfg.NATSURL, cfg.NATSBucket)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
