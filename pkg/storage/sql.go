// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage opens the SQL databases behind the workflow, audit and
// confirmation stores.
package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jllopis/kyrax/pkg/errors"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Options tunes the connection pool. Zero values keep the driver defaults
// used by Open.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	DialTimeout     time.Duration
}

// Open connects to driver/dsn and pings it. SQLite databases are limited
// to a single connection so writers serialize.
func Open(ctx context.Context, driver, dsn string, opts Options) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "database dsn is required", nil).
			WithContext("driver", driver)
	}

	var (
		db  *sql.DB
		err error
	)
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3":
		db, err = sql.Open(DriverSQLite, dsn)
		if err == nil {
			db.SetMaxOpenConns(1)
		}
	case DriverMySQL:
		db, err = openMySQL(dsn, opts)
	default:
		return nil, errors.New(errors.CodeInvalidInput, "unsupported database driver", nil).
			WithContext("driver", driver)
	}
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "open database", err).WithContext("driver", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeInternal, "ping database", err).
			WithContext("driver", driver).
			WithRecoverable(true)
	}
	return db, nil
}

func openMySQL(dsn string, opts Options) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.DialTimeout > 0 {
		cfg.Timeout = opts.DialTimeout
	} else if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, nil
}

// IsDuplicateKey reports whether err is a primary key or unique constraint
// violation on either supported driver.
func IsDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if stderrors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}
