// Package libsqldb opens a libSQL (Turso) database for the meta merger,
// either as a pure remote connection or as an embedded replica that syncs
// from a primary.
package libsqldb

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/tursodatabase/go-libsql"
)

// Config selects between remote and embedded-replica mode.
type Config struct {
	// URL of the primary, e.g. libsql://db-org.turso.io
	URL string

	// AuthToken for the primary (optional for local sqld)
	AuthToken string

	// ReplicaPath enables embedded-replica mode when set
	ReplicaPath string

	// SyncInterval for embedded replicas (0 = manual sync only)
	SyncInterval time.Duration
}

// DB is a libSQL pool plus the replica connector when one is in use.
type DB struct {
	conn      *sql.DB
	connector *libsql.Connector
}

// Open connects according to cfg.
func Open(cfg Config) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("libsql url is required")
	}

	if cfg.ReplicaPath == "" {
		conn, err := sql.Open("libsql", remoteDSN(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to open libsql database: %w", err)
		}
		if err := conn.Ping(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to ping libsql database: %w", err)
		}
		return &DB{conn: conn}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.ReplicaPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create replica directory: %w", err)
	}

	opts := []libsql.Option{}
	if cfg.AuthToken != "" {
		opts = append(opts, libsql.WithAuthToken(cfg.AuthToken))
	}
	if cfg.SyncInterval > 0 {
		opts = append(opts, libsql.WithSyncInterval(cfg.SyncInterval))
	}

	connector, err := libsql.NewEmbeddedReplicaConnector(cfg.ReplicaPath, cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded replica: %w", err)
	}

	return &DB{conn: sql.OpenDB(connector), connector: connector}, nil
}

func remoteDSN(cfg Config) string {
	if cfg.AuthToken == "" {
		return cfg.URL
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return cfg.URL
	}
	q := u.Query()
	q.Set("authToken", cfg.AuthToken)
	u.RawQuery = q.Encode()
	return u.String()
}

// RawDB returns the pool. *sql.DB satisfies merger.Engine.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the pool and the replica connector.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	if db.connector != nil {
		if cerr := db.connector.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	db.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close libsql database: %w", err)
	}
	return nil
}
