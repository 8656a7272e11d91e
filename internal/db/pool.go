// Package db opens the execution store for the configured driver.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentexec/internal/common/config"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Pool provides separate read and write connections.
//
// For SQLite the writer is a single connection so writes serialize without
// SQLITE_BUSY, and the reader is a small read-only pool working off WAL
// snapshots. For PostgreSQL both return the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is used for INSERT, UPDATE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// Open opens the store selected by cfg.Driver.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "postgres":
		raw, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		conn := sqlx.NewDb(raw, DriverPostgres)
		return NewPool(conn, conn), nil
	case "sqlite", "":
		path, err := config.ExpandHome(cfg.Path)
		if err != nil {
			return nil, err
		}
		writerRaw, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		readerRaw, err := OpenSQLiteReader(path)
		if err != nil {
			_ = writerRaw.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(writerRaw, DriverSQLite), sqlx.NewDb(readerRaw, DriverSQLite)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
