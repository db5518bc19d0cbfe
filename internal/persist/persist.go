// Package persist provides durable archives for completed collaboration
// sessions.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/roundtable/internal/db"
	"github.com/zulandar/roundtable/internal/session"
)

// DriverPostgres selects the pgx-backed archive.
const DriverPostgres = "postgres"

// Archive is a session.Store that also supports retention and cleanup.
type Archive interface {
	session.Store
	// Prune deletes terminal sessions completed before the cutoff and
	// returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Opts selects and configures an archive backend.
type Opts struct {
	Driver string // sqlite, mysql or postgres
	DSN    string

	// AutoMigrate creates missing tables on open.
	AutoMigrate bool
}

// Open connects to the archive backend named by opts.Driver.
func Open(ctx context.Context, opts Opts) (Archive, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("persist: open: dsn is required")
	}
	switch opts.Driver {
	case DriverPostgres:
		a, err := OpenPostgres(ctx, PostgresOpts{DSN: opts.DSN, AutoMigrate: opts.AutoMigrate})
		if err != nil {
			return nil, err
		}
		return a, nil
	case db.DriverSQLite, db.DriverMySQL:
		gdb, err := db.Connect(opts.Driver, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("persist: open: %w", err)
		}
		if opts.AutoMigrate {
			if err := db.AutoMigrate(gdb); err != nil {
				db.Close(gdb)
				return nil, fmt.Errorf("persist: open: %w", err)
			}
		}
		return NewGorm(gdb), nil
	default:
		return nil, fmt.Errorf("persist: open: unsupported driver %q", opts.Driver)
	}
}

func marshalSnapshot(s *session.Session) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalSnapshot(data []byte) (*session.Session, error) {
	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Insights == nil {
		s.Insights = map[session.Role]session.Insight{}
	}
	return &s, nil
}

var activeStatuses = []string{string(session.StatusPending), string(session.StatusRunning)}

var terminalStatuses = []string{string(session.StatusCompleted), string(session.StatusFailed)}
