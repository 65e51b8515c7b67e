package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fpsync/fpsync/internal/auth"
	"github.com/fpsync/fpsync/internal/config"
	"github.com/fpsync/fpsync/internal/logging"
	"github.com/fpsync/fpsync/internal/merger"
	"github.com/fpsync/fpsync/internal/protocol"
	"github.com/fpsync/fpsync/internal/store"
	"github.com/fpsync/fpsync/internal/store/libsqldb"
	"github.com/fpsync/fpsync/internal/transport"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// mustLoad reads settings and applies the global flag overrides.
func mustLoad() (*config.Source, *config.Config) {
	src, err := config.NewSource(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	cfg, err := src.Config()
	if err != nil {
		fatalf("invalid config: %v", err)
	}
	if urlFlag != "" {
		cfg.Client.URL = urlFlag
	}
	if reqIDFlag != "" {
		cfg.Client.ReqID = reqIDFlag
	}
	return src, cfg
}

func mustLogging(cfg *config.Config) *logging.Logging {
	logs, err := logging.New(cfg.Log)
	if err != nil {
		fatalf("failed to open log file: %v", err)
	}
	return logs
}

// openMerger opens the configured engine, initializes the meta tables and
// returns the merger with a close func for the engine.
func openMerger(ctx context.Context, cfg config.StoreConfig, logs *logging.Logging) (*merger.Merger, func() error, error) {
	var (
		engine merger.Engine
		closer func() error
	)
	switch cfg.Driver {
	case config.DriverLibSQL:
		db, err := libsqldb.Open(libsqldb.Config{
			URL:          cfg.URL,
			AuthToken:    cfg.AuthToken,
			ReplicaPath:  cfg.ReplicaPath,
			SyncInterval: cfg.SyncInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		engine, closer = db.RawDB(), db.Close
	default:
		db, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		engine, closer = db.RawDB(), db.Close
	}

	m := merger.New(engine, logs.Logger("merger"))
	if err := m.InitSchema(ctx); err != nil {
		_ = closer()
		return nil, nil, err
	}
	return m, closer, nil
}

// clientConfig builds transport settings from the client section.
func clientConfig(cfg *config.Config, logs *logging.Logging) (*transport.Config, error) {
	g, err := cfg.ClientGestalt()
	if err != nil {
		return nil, err
	}
	tc := &transport.Config{
		URL:     cfg.Client.URL,
		Gestalt: g,
		ReqID:   cfg.Client.ReqID,
		Settings: &transport.Settings{
			RequestTimeout: cfg.Client.RequestTimeout,
			ConnectTimeout: cfg.Client.ConnectTimeout,
		},
		Logger: logs.Logger("transport"),
	}
	if cfg.Auth.Secret != "" {
		tc.Auth = &auth.JWTProvider{
			Secret:  []byte(cfg.Auth.Secret),
			Subject: cfg.Auth.Subject,
			Tenants: cfg.Auth.Tenants,
			TTL:     cfg.Auth.TTL,
		}
	}
	return tc, nil
}

// mustConnect loads settings and opens a session. The caller closes it.
func mustConnect(ctx context.Context) (*transport.Session, *config.Config, *logging.Logging) {
	_, cfg := mustLoad()
	logs := mustLogging(cfg)
	tc, err := clientConfig(cfg, logs)
	if err != nil {
		fatalf("%v", err)
	}
	sess, _, err := transport.Connect(ctx, tc)
	if err != nil {
		fatalf("failed to connect to %s: %v", cfg.Client.URL, err)
	}
	return sess, cfg, logs
}

func tenantLedger(tenant, ledger string) protocol.TenantLedger {
	tl := protocol.TenantLedger{Tenant: tenant, Ledger: ledger}
	if err := tl.Validate(); err != nil {
		fatalf("%v", err)
	}
	return tl
}
