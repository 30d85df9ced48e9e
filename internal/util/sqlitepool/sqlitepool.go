// Package sqlitepool opens the embedded SQLite file the replication
// core owns, with the keep_last aggregate and WAL journaling attached
// to every connection.
package sqlitepool

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/merge"
)

// driverName is registered once per process; database/sql panics on
// duplicate registration.
const driverName = "sqlite3_meshlite"

var registerOnce sync.Once

// Pool wraps the singleton database handle. The core is the exclusive
// writer, so the pool is pinned to one connection: SQLite in serialized
// mode with WAL gives single-writer semantics without locks.
type Pool struct {
	*sql.DB

	Path string
}

// Option is passed to Open.
type Option func(*config)

type config struct {
	busyTimeout time.Duration
	waitForFile bool
}

// WithBusyTimeout overrides the default 5s SQLITE_BUSY timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *config) { c.busyTimeout = d }
}

// WithWaitForStartup retries the initial ping while the database file
// is still locked by a previous process.
func WithWaitForStartup() Option {
	return func(c *config) { c.waitForFile = true }
}

// Open opens (creating if needed) the SQLite file at path. The returned
// cancel function closes the pool.
func Open(ctx context.Context, path string, options ...Option) (*Pool, func(), error) {
	cfg := &config{busyTimeout: 5 * time.Second}
	for _, opt := range options {
		opt(cfg)
	}

	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				if err := merge.RegisterKeepLast(conn); err != nil {
					return err
				}
				for _, pragma := range []string{
					"PRAGMA journal_mode = WAL",
					"PRAGMA synchronous = NORMAL",
					"PRAGMA foreign_keys = ON",
				} {
					if _, err := conn.Exec(pragma, nil); err != nil {
						return err
					}
				}
				return nil
			},
		})
	})

	dsn := path + "?_busy_timeout=" + strconv.FormatInt(cfg.busyTimeout.Milliseconds(), 10)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	// One connection: all writes, peer-stat mutations, and sequence-id
	// allocation serialize through it.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	ret := &Pool{DB: db, Path: path}

ping:
	if err := db.PingContext(ctx); err != nil {
		if cfg.waitForFile {
			log.WithError(err).Info("waiting for database to become ready")
			select {
			case <-ctx.Done():
				_ = db.Close()
				return nil, nil, ctx.Err()
			case <-time.After(time.Second):
				goto ping
			}
		}
		_ = db.Close()
		return nil, nil, errors.Wrap(err, "could not ping the database")
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		_ = db.Close()
		return nil, nil, errors.Wrap(err, "could not query version")
	}
	log.WithFields(log.Fields{"path": path, "version": version}).Debug("opened database")

	return ret, func() {
		if err := db.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warn("could not close database connection")
		}
	}, nil
}
