// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repostate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/forgemirror/lib/audit"
	"github.com/bureau-foundation/forgemirror/lib/clock"
	"github.com/bureau-foundation/forgemirror/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS repos (
	name        TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	last_synced TEXT NOT NULL DEFAULT '',
	sync_count  INTEGER NOT NULL DEFAULT 0,
	deleted_at  TEXT NOT NULL DEFAULT '',
	archived_to TEXT NOT NULL DEFAULT ''
);
`

// SQLiteBackend stores State in a SQLite database. Save replaces every
// row inside one immediate transaction, so readers on other
// connections see the previous map or the next one.
type SQLiteBackend struct {
	pool *sqlitepool.Pool
}

// corruptSuffixLayout stamps a database that was set aside.
const corruptSuffixLayout = "2006-01-02-15-04-05"

// SQLiteConfig configures OpenSQLiteBackend.
type SQLiteConfig struct {
	Path string

	// Auditor receives the event recorded when an unreadable database
	// is set aside.
	Auditor audit.Appender
	Clock   clock.Clock
	Logger  *slog.Logger
}

// OpenSQLiteBackend opens (creating if needed) the database at
// config.Path. A database that cannot be opened or fails its integrity
// check is renamed to "<path>.corrupt-<timestamp>" and replaced by an
// empty one, so a damaged file never blocks startup.
func OpenSQLiteBackend(config SQLiteConfig) (*SQLiteBackend, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	backend, openErr := openSQLite(config.Path, config.Logger)
	if openErr == nil {
		return backend, nil
	}
	if _, err := os.Stat(config.Path); err != nil {
		// Nothing on disk to blame: the directory or the driver is at
		// fault and a fresh file would fail the same way.
		return nil, openErr
	}

	movedTo := config.Path + ".corrupt-" + config.Clock.Now().UTC().Format(corruptSuffixLayout)
	config.Logger.Error("state database unreadable, starting empty",
		"path", config.Path,
		"moved_to", movedTo,
		"error", openErr,
	)
	if err := os.Rename(config.Path, movedTo); err != nil {
		return nil, fmt.Errorf("setting aside unreadable state database: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(config.Path+suffix, movedTo+suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("setting aside unreadable state database: %w", err)
		}
	}
	if config.Auditor != nil {
		auditErr := config.Auditor.Append("state", "_service", audit.Fields{
			"result":   audit.ResultFailed,
			"reason":   "state file unreadable",
			"moved_to": movedTo,
		})
		if auditErr != nil {
			config.Logger.Error("recording state audit event", "error", auditErr)
		}
	}

	return openSQLite(config.Path, config.Logger)
}

func openSQLite(path string, logger *slog.Logger) (*SQLiteBackend, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	backend := &SQLiteBackend{pool: pool}
	if err := backend.check(); err != nil {
		pool.Close()
		return nil, err
	}
	return backend, nil
}

// check takes a connection, which applies the pragmas and schema, and
// runs a quick integrity check.
func (b *SQLiteBackend) check() error {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	verdict := ""
	err = sqlitex.ExecuteTransient(conn, "PRAGMA quick_check", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if verdict == "" {
				verdict = stmt.ColumnText(0)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("checking state database: %w", err)
	}
	if verdict != "ok" {
		return fmt.Errorf("state database failed integrity check: %s", verdict)
	}
	return nil
}

// Load reads the meta and repos tables. A database without a
// service_id row has never been saved and yields ErrNotFound.
func (b *SQLiteBackend) Load() (State, error) {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return State{}, err
	}
	defer b.pool.Put(conn)

	state := State{Repos: map[string]Record{}}
	saved := false
	err = sqlitex.Execute(conn, "SELECT key, value FROM meta", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value := stmt.ColumnText(1)
			switch stmt.ColumnText(0) {
			case "service_id":
				state.ServiceID = value
				saved = true
			case "node_name":
				state.NodeName = value
			case "started_at":
				state.StartedAt = parseTime(value)
			}
			return nil
		},
	})
	if err != nil {
		return State{}, fmt.Errorf("reading state metadata: %w", err)
	}
	if !saved {
		return State{}, ErrNotFound
	}

	err = sqlitex.Execute(conn,
		"SELECT name, status, last_synced, sync_count, deleted_at, archived_to FROM repos",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				state.Repos[stmt.ColumnText(0)] = Record{
					Status:     Status(stmt.ColumnText(1)),
					LastSynced: parseTime(stmt.ColumnText(2)),
					SyncCount:  stmt.ColumnInt(3),
					DeletedAt:  parseTime(stmt.ColumnText(4)),
					ArchivedTo: stmt.ColumnText(5),
				}
				return nil
			},
		})
	if err != nil {
		return State{}, fmt.Errorf("reading repository records: %w", err)
	}
	return state, nil
}

// Save rewrites both tables in one transaction.
func (b *SQLiteBackend) Save(state State) (err error) {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin state transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.ExecuteTransient(conn, "DELETE FROM meta", nil); err != nil {
		return err
	}
	if err = sqlitex.ExecuteTransient(conn, "DELETE FROM repos", nil); err != nil {
		return err
	}

	meta := [][2]string{
		{"service_id", state.ServiceID},
		{"node_name", state.NodeName},
		{"started_at", formatTime(state.StartedAt)},
	}
	for _, entry := range meta {
		err = sqlitex.Execute(conn, "INSERT INTO meta (key, value) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{entry[0], entry[1]},
		})
		if err != nil {
			return fmt.Errorf("writing %s: %w", entry[0], err)
		}
	}

	for name, record := range state.Repos {
		err = sqlitex.Execute(conn,
			`INSERT INTO repos (name, status, last_synced, sync_count, deleted_at, archived_to)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					name,
					string(record.Status),
					formatTime(record.LastSynced),
					record.SyncCount,
					formatTime(record.DeletedAt),
					record.ArchivedTo,
				},
			})
		if err != nil {
			return fmt.Errorf("writing record %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (b *SQLiteBackend) Close() error {
	return b.pool.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
