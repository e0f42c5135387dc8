package ledger

import (
	"context"
	"errors"
	"strings"

	logx "funnelbot/pkg/logx"
)

// Store is the persistence API used by the funnel and broadcast services.
type Store interface {
	Upsert(ctx context.Context, e Entry) error
	Get(ctx context.Context, userID int64) (Entry, bool, error)
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the ledger is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown ledger driver: " + driver)
	}
}
