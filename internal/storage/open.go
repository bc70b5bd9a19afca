package storage

import (
	"context"
	"fmt"
	"strings"

	logx "tickwheel/pkg/logx"
)

// Store is an append-only journal of bus events.
type Store interface {
	AppendEvent(ctx context.Context, r Record) error
	// Recent returns up to limit records, newest first. limit <= 0 means all.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Driver canonicalizes a driver name. It returns "" for a disabled store and
// an error for a name no opener is registered under.
func Driver(name string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(name))
	switch d {
	case "", "none":
		return "", nil
	case "sqlite3":
		return "sqlite", nil
	}
	if _, ok := drivers[d]; !ok {
		return "", fmt.Errorf("unknown storage driver %q", name)
	}
	return d, nil
}

// Open returns (nil, nil) when storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	d, err := Driver(cfg.Driver)
	if err != nil || d == "" {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return drivers[d](cfg, log.With(logx.String("driver", d)))
}
