// Package merger implements the meta merger: a SQL-resident, per
// tenant/ledger log of clock-advancement events with per-connection
// delivery bookkeeping.
//
// The frontier table holds only current heads. A connection identity
// (reqId, resId) is never handed the same frontier entry twice; any other
// identity, including a reconnect under a new reqId, receives the whole
// current frontier once.
//
// Each operation runs in a single transaction, and callers inside one
// process are additionally serialized per tenant/ledger.
package merger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fpsync/fpsync/internal/protocol"
)

//go:embed schema.sql
var schemaSQL string

// Engine is the SQL surface the merger needs. *sql.DB from either the
// embedded SQLite store or libSQL satisfies it.
type Engine interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Merger owns the meta tables.
type Merger struct {
	db     Engine
	logger *log.Logger
	locks  *keyedMutex
	now    func() time.Time
}

// New creates a merger on db. If logger is nil, a default logger writing
// to stderr is used. Call InitSchema before first use.
func New(db Engine, logger *log.Logger) *Merger {
	if logger == nil {
		logger = log.New(os.Stderr, "[merger] ", log.LstdFlags)
	}
	return &Merger{
		db:     db,
		logger: logger,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}
}

// InitSchema creates the merger tables. Safe to call repeatedly.
func (m *Merger) InitSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize merger schema: %w", err)
		}
	}
	return nil
}

// AddMetaReq is one put-meta batch.
type AddMetaReq struct {
	TenantLedger protocol.TenantLedger
	Conn         protocol.QSId
	Metas        []protocol.CRDTEntry
}

// Sink identifies the consumer MetaToSend delivers to.
type Sink struct {
	TenantLedger protocol.TenantLedger
	Conn         protocol.QSId
}

// DelMetaReq removes entries; no CIDs means every entry of the tenant/ledger.
type DelMetaReq struct {
	TenantLedger protocol.TenantLedger
	Conn         protocol.QSId
	CIDs         []string
}

// AddMeta tombstones every stored entry named as a parent in the batch,
// then upserts the batch. Entries that are parents of other entries in the
// same batch are not stored. A row that fails to upsert is logged and
// skipped; the rest of the batch is still written.
func (m *Merger) AddMeta(ctx context.Context, req AddMetaReq) error {
	if err := req.TenantLedger.Validate(); err != nil {
		return fmt.Errorf("invalid add meta request: %w", err)
	}
	if len(req.Metas) == 0 {
		return nil
	}

	unlock := m.locks.Lock(req.TenantLedger.String())
	defer unlock()

	parents := make(map[string]bool)
	for _, e := range req.Metas {
		for _, p := range e.Parents {
			parents[p] = true
		}
	}

	now := m.now().UTC().Format(time.RFC3339Nano)

	return m.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteCIDs(ctx, tx, req.TenantLedger, keys(parents)); err != nil {
			return fmt.Errorf("failed to tombstone parents: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
		INSERT INTO tenant_ledgers (tenant, ledger, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant, ledger) DO NOTHING
		`, req.TenantLedger.Tenant, req.TenantLedger.Ledger, now)
		if err != nil {
			return fmt.Errorf("failed to ensure tenant ledger: %w", err)
		}

		for _, e := range req.Metas {
			if parents[e.CID] {
				continue
			}
			if err := upsertEntry(ctx, tx, req.TenantLedger, e, now); err != nil {
				m.logger.Printf("WARNING: Failed to add meta %q for %s: %v", e.CID, req.TenantLedger, err)
				continue
			}
		}
		return nil
	})
}

// upsertEntry writes one frontier row inside a savepoint so that a failure
// leaves the surrounding transaction usable.
func upsertEntry(ctx context.Context, tx *sql.Tx, tl protocol.TenantLedger, e protocol.CRDTEntry, now string) error {
	if e.CID == "" {
		return fmt.Errorf("cid is required")
	}
	if e.Parents == nil {
		e.Parents = []string{}
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT meta_row"); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO meta_frontier (tenant, ledger, meta_cid, meta, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(tenant, ledger, meta_cid) DO UPDATE SET
		meta = excluded.meta,
		updated_at = excluded.updated_at
	`, tl.Tenant, tl.Ledger, e.CID, string(payload), now)
	if err != nil {
		_, _ = tx.ExecContext(ctx, "ROLLBACK TO meta_row")
		_, _ = tx.ExecContext(ctx, "RELEASE meta_row")
		return fmt.Errorf("failed to upsert frontier row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "RELEASE meta_row"); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// DelMeta removes delivery markers and frontier rows for the given CIDs.
func (m *Merger) DelMeta(ctx context.Context, req DelMetaReq) error {
	if err := req.TenantLedger.Validate(); err != nil {
		return fmt.Errorf("invalid del meta request: %w", err)
	}

	unlock := m.locks.Lock(req.TenantLedger.String())
	defer unlock()

	return m.inTx(ctx, func(tx *sql.Tx) error {
		if len(req.CIDs) == 0 {
			return deleteAll(ctx, tx, req.TenantLedger)
		}
		return deleteCIDs(ctx, tx, req.TenantLedger, req.CIDs)
	})
}

// MetaToSend returns every frontier entry not yet delivered to sink.Conn
// and marks exactly those entries as delivered, in one transaction.
func (m *Merger) MetaToSend(ctx context.Context, sink Sink) ([]protocol.CRDTEntry, error) {
	if err := sink.TenantLedger.Validate(); err != nil {
		return nil, fmt.Errorf("invalid meta sink: %w", err)
	}
	if sink.Conn.ReqID == "" || sink.Conn.ResID == "" {
		return nil, fmt.Errorf("invalid meta sink: connection %q is not open", sink.Conn)
	}

	unlock := m.locks.Lock(sink.TenantLedger.String())
	defer unlock()

	var out []protocol.CRDTEntry
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		tl := sink.TenantLedger
		rows, err := tx.QueryContext(ctx, `
		SELECT f.meta_cid, f.meta
		FROM meta_frontier f
		WHERE f.tenant = ? AND f.ledger = ?
		  AND NOT EXISTS (
			SELECT 1 FROM meta_sends s
			WHERE s.tenant = f.tenant AND s.ledger = f.ledger
			  AND s.meta_cid = f.meta_cid
			  AND s.req_id = ? AND s.res_id = ?
		  )
		ORDER BY f.updated_at ASC, f.meta_cid ASC
		`, tl.Tenant, tl.Ledger, sink.Conn.ReqID, sink.Conn.ResID)
		if err != nil {
			return fmt.Errorf("failed to query pending meta: %w", err)
		}

		entries, err := scanEntries(rows)
		if err != nil {
			return err
		}

		now := m.now().UTC().Format(time.RFC3339Nano)
		for _, e := range entries {
			_, err := tx.ExecContext(ctx, `
			INSERT INTO meta_sends (tenant, ledger, req_id, res_id, meta_cid, send_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant, ledger, req_id, res_id, meta_cid) DO NOTHING
			`, tl.Tenant, tl.Ledger, sink.Conn.ReqID, sink.Conn.ResID, e.CID, now)
			if err != nil {
				return fmt.Errorf("failed to mark meta %q sent: %w", e.CID, err)
			}
		}
		out = entries
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Frontier lists the current heads of tl without touching delivery state.
func (m *Merger) Frontier(ctx context.Context, tl protocol.TenantLedger) ([]protocol.CRDTEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
	SELECT meta_cid, meta FROM meta_frontier
	WHERE tenant = ? AND ledger = ?
	ORDER BY updated_at ASC, meta_cid ASC
	`, tl.Tenant, tl.Ledger)
	if err != nil {
		return nil, fmt.Errorf("failed to query frontier: %w", err)
	}
	return scanEntries(rows)
}

// Stats counts the rows of each merger table.
type Stats struct {
	TenantLedgers int `json:"tenant_ledgers"`
	FrontierRows  int `json:"frontier_rows"`
	SendRows      int `json:"send_rows"`
}

// Stats returns table sizes.
func (m *Merger) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"tenant_ledgers", &s.TenantLedgers},
		{"meta_frontier", &s.FrontierRows},
		{"meta_sends", &s.SendRows},
	}
	for _, c := range counts {
		rows, err := m.db.QueryContext(ctx, "SELECT COUNT(*) FROM "+c.table)
		if err != nil {
			return Stats{}, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
		if rows.Next() {
			if err := rows.Scan(c.dst); err != nil {
				rows.Close()
				return Stats{}, fmt.Errorf("failed to scan %s count: %w", c.table, err)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return Stats{}, fmt.Errorf("error counting %s: %w", c.table, err)
		}
	}
	return s, nil
}

func (m *Merger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func deleteCIDs(ctx context.Context, tx *sql.Tx, tl protocol.TenantLedger, cids []string) error {
	if len(cids) == 0 {
		return nil
	}
	in := "?" + strings.Repeat(", ?", len(cids)-1)
	args := make([]any, 0, len(cids)+2)
	args = append(args, tl.Tenant, tl.Ledger)
	for _, c := range cids {
		args = append(args, c)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM meta_sends WHERE tenant = ? AND ledger = ? AND meta_cid IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete meta sends: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM meta_frontier WHERE tenant = ? AND ledger = ? AND meta_cid IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete frontier rows: %w", err)
	}
	return nil
}

func deleteAll(ctx context.Context, tx *sql.Tx, tl protocol.TenantLedger) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM meta_sends WHERE tenant = ? AND ledger = ?`, tl.Tenant, tl.Ledger); err != nil {
		return fmt.Errorf("failed to delete meta sends: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM meta_frontier WHERE tenant = ? AND ledger = ?`, tl.Tenant, tl.Ledger); err != nil {
		return fmt.Errorf("failed to delete frontier rows: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]protocol.CRDTEntry, error) {
	defer rows.Close()

	var entries []protocol.CRDTEntry
	for rows.Next() {
		var cid, payload string
		if err := rows.Scan(&cid, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan meta row: %w", err)
		}
		var e protocol.CRDTEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal meta %q: %w", cid, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating meta rows: %w", err)
	}
	return entries, nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
