package merger

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fpsync/fpsync/internal/protocol"
	"github.com/fpsync/fpsync/internal/store"
)

var tl = protocol.TenantLedger{Tenant: "t", Ledger: "l"}

// newTestMerger opens a fresh SQLite-backed merger in a temp dir
func newTestMerger(t *testing.T) (*Merger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	return openMerger(t, path), path
}

func openMerger(t *testing.T, path string) *Merger {
	t.Helper()
	db, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := New(db.RawDB(), log.New(io.Discard, "", 0))
	if err := m.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return m
}

func conn(req, res string) protocol.QSId {
	return protocol.QSId{ReqID: req, ResID: res}
}

func cids(entries []protocol.CRDTEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.CID)
	}
	sort.Strings(out)
	return out
}

func mustAdd(t *testing.T, m *Merger, metas ...protocol.CRDTEntry) {
	t.Helper()
	err := m.AddMeta(context.Background(), AddMetaReq{TenantLedger: tl, Conn: conn("w", "w"), Metas: metas})
	if err != nil {
		t.Fatalf("AddMeta() failed: %v", err)
	}
}

func frontier(t *testing.T, m *Merger) []string {
	t.Helper()
	entries, err := m.Frontier(context.Background(), tl)
	if err != nil {
		t.Fatalf("Frontier() failed: %v", err)
	}
	return cids(entries)
}

func TestInitSchema_Idempotent(t *testing.T) {
	m, _ := newTestMerger(t)
	if err := m.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestAddMeta_TombstonesParents(t *testing.T) {
	m, _ := newTestMerger(t)

	mustAdd(t, m, protocol.CRDTEntry{CID: "a", Parents: []string{}, Data: "x"})
	mustAdd(t, m, protocol.CRDTEntry{CID: "b", Parents: []string{"a"}, Data: "y"})

	if diff := cmp.Diff([]string{"b"}, frontier(t, m)); diff != "" {
		t.Errorf("frontier mismatch (-want +got):\n%s", diff)
	}
}

func TestAddMeta_ConcurrentHeadsCoexist(t *testing.T) {
	m, _ := newTestMerger(t)

	mustAdd(t, m, protocol.CRDTEntry{CID: "a", Parents: []string{}})
	mustAdd(t, m, protocol.CRDTEntry{CID: "b", Parents: []string{"a"}})
	mustAdd(t, m, protocol.CRDTEntry{CID: "c", Parents: []string{"a"}})

	if diff := cmp.Diff([]string{"b", "c"}, frontier(t, m)); diff != "" {
		t.Errorf("frontier mismatch (-want +got):\n%s", diff)
	}

	mustAdd(t, m, protocol.CRDTEntry{CID: "d", Parents: []string{"b", "c"}})
	if diff := cmp.Diff([]string{"d"}, frontier(t, m)); diff != "" {
		t.Errorf("frontier after merge mismatch (-want +got):\n%s", diff)
	}
}

func TestAddMeta_SkipsAncestorsInSameBatch(t *testing.T) {
	m, _ := newTestMerger(t)

	mustAdd(t, m,
		protocol.CRDTEntry{CID: "a", Parents: []string{}},
		protocol.CRDTEntry{CID: "b", Parents: []string{"a"}},
	)

	if diff := cmp.Diff([]string{"b"}, frontier(t, m)); diff != "" {
		t.Errorf("frontier mismatch (-want +got):\n%s", diff)
	}
}

func TestAddMeta_PartialFailureKeepsGoing(t *testing.T) {
	m, _ := newTestMerger(t)

	mustAdd(t, m,
		protocol.CRDTEntry{CID: "", Parents: []string{}},
		protocol.CRDTEntry{CID: "x", Parents: []string{}},
	)

	if diff := cmp.Diff([]string{"x"}, frontier(t, m)); diff != "" {
		t.Errorf("frontier mismatch (-want +got):\n%s", diff)
	}
}

func TestAddMeta_InvalidTenantLedger(t *testing.T) {
	m, _ := newTestMerger(t)

	err := m.AddMeta(context.Background(), AddMetaReq{
		TenantLedger: protocol.TenantLedger{Tenant: "t"},
		Metas:        []protocol.CRDTEntry{{CID: "a"}},
	})
	if err == nil {
		t.Error("AddMeta() accepted a missing ledger")
	}
}

func TestMetaToSend_DedupPerConnection(t *testing.T) {
	m, _ := newTestMerger(t)
	ctx := context.Background()

	mustAdd(t, m,
		protocol.CRDTEntry{CID: "m1", Parents: []string{}, Data: "one"},
		protocol.CRDTEntry{CID: "m2", Parents: []string{}, Data: "two"},
	)

	first, err := m.MetaToSend(ctx, Sink{TenantLedger: tl, Conn: conn("r1", "s1")})
	if err != nil {
		t.Fatalf("MetaToSend() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, cids(first)); diff != "" {
		t.Errorf("first delivery mismatch (-want +got):\n%s", diff)
	}

	second, err := m.MetaToSend(ctx, Sink{TenantLedger: tl, Conn: conn("r1", "s1")})
	if err != nil {
		t.Fatalf("MetaToSend() failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second delivery = %v, want empty", cids(second))
	}

	other, err := m.MetaToSend(ctx, Sink{TenantLedger: tl, Conn: conn("r2", "s1")})
	if err != nil {
		t.Fatalf("MetaToSend() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, cids(other)); diff != "" {
		t.Errorf("new reqId delivery mismatch (-want +got):\n%s", diff)
	}

	rotated, err := m.MetaToSend(ctx, Sink{TenantLedger: tl, Conn: conn("r1", "s2")})
	if err != nil {
		t.Fatalf("MetaToSend() failed: %v", err)
	}
	if len(rotated) != 2 {
		t.Errorf("new resId delivery = %v, want full frontier", cids(rotated))
	}
}

func TestMetaToSend_OnlyNewHeadsAfterDelivery(t *testing.T) {
	m, _ := newTestMerger(t)
	ctx := context.Background()
	sink := Sink{TenantLedger: tl, Conn: conn("r1", "s1")}

	mustAdd(t, m, protocol.CRDTEntry{CID: "a", Parents: []string{}})
	if _, err := m.MetaToSend(ctx, sink); err != nil {
		t.Fatalf("MetaToSend() failed: %v", err)
	}

	mustAdd(t, m, protocol.CRDTEntry{CID: "b", Parents: []string{"a"}})
	got, err := m.MetaToSend(ctx, sink)
	if err != nil {
		t.Fatalf("MetaToSend() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"b"}, cids(got)); diff != "" {
		t.Errorf("delivery mismatch (-want +got):\n%s", diff)
	}
}

func TestMetaToSend_PreservesPayload(t *testing.T) {
	m, _ := newTestMerger(t)
	want := protocol.CRDTEntry{CID: "m1", Parents: []string{"p0", "p1"}, Data: "Y2FyIGJ5dGVz"}
	mustAdd(t, m, want)

	got, err := m.MetaToSend(context.Background(), Sink{TenantLedger: tl, Conn: conn("r", "s")})
	if err != nil {
		t.Fatalf("MetaToSend() failed: %v", err)
	}
	if diff := cmp.Diff([]protocol.CRDTEntry{want}, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestMetaToSend_RequiresOpenConnection(t *testing.T) {
	m, _ := newTestMerger(t)
	_, err := m.MetaToSend(context.Background(), Sink{TenantLedger: tl, Conn: conn("r", "")})
	if err == nil {
		t.Error("MetaToSend() accepted a connection without resId")
	}
}

func TestMetaToSend_IsolatedByTenantLedger(t *testing.T) {
	m, _ := newTestMerger(t)
	mustAdd(t, m, protocol.CRDTEntry{CID: "a", Parents: []string{}})

	got, err := m.MetaToSend(context.Background(), Sink{
		TenantLedger: protocol.TenantLedger{Tenant: "t", Ledger: "other"},
		Conn:         conn("r", "s"),
	})
	if err != nil {
		t.Fatalf("MetaToSend() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("other ledger received %v", cids(got))
	}
}

func TestMetaToSend_ConcurrentConsumersNeverDuplicate(t *testing.T) {
	m, path := newTestMerger(t)
	peer := openMerger(t, path) // a second pool on the same file
	ctx := context.Background()

	var metas []protocol.CRDTEntry
	for i := 0; i < 20; i++ {
		metas = append(metas, protocol.CRDTEntry{CID: fmt.Sprintf("c%02d", i), Parents: []string{}})
	}
	mustAdd(t, m, metas...)

	sink := Sink{TenantLedger: tl, Conn: conn("same", "identity")}
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mm := m
			if i%2 == 1 {
				mm = peer
			}
			got, err := mm.MetaToSend(ctx, sink)
			if err != nil {
				t.Errorf("MetaToSend() failed: %v", err)
				return
			}
			mu.Lock()
			for _, e := range got {
				seen[e.CID]++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(seen) != len(metas) {
		t.Errorf("delivered %d distinct entries, want %d", len(seen), len(metas))
	}
	for cid, n := range seen {
		if n != 1 {
			t.Errorf("entry %s delivered %d times", cid, n)
		}
	}
}

func TestDelMeta(t *testing.T) {
	m, _ := newTestMerger(t)
	ctx := context.Background()

	mustAdd(t, m,
		protocol.CRDTEntry{CID: "a", Parents: []string{}},
		protocol.CRDTEntry{CID: "b", Parents: []string{}},
		protocol.CRDTEntry{CID: "c", Parents: []string{}},
	)
	if _, err := m.MetaToSend(ctx, Sink{TenantLedger: tl, Conn: conn("r", "s")}); err != nil {
		t.Fatalf("MetaToSend() failed: %v", err)
	}

	if err := m.DelMeta(ctx, DelMetaReq{TenantLedger: tl, CIDs: []string{"a"}}); err != nil {
		t.Fatalf("DelMeta() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "c"}, frontier(t, m)); diff != "" {
		t.Errorf("frontier after del mismatch (-want +got):\n%s", diff)
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.SendRows != 2 {
		t.Errorf("SendRows = %d, want 2 after deleting a", stats.SendRows)
	}

	if err := m.DelMeta(ctx, DelMetaReq{TenantLedger: tl}); err != nil {
		t.Fatalf("DelMeta(all) failed: %v", err)
	}
	if got := frontier(t, m); len(got) != 0 {
		t.Errorf("frontier after delete-all = %v, want empty", got)
	}

	stats, err = m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	want := Stats{TenantLedgers: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestStats_ReportsFailures(t *testing.T) {
	t.Run("cancelled context", func(t *testing.T) {
		m, _ := newTestMerger(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := m.Stats(ctx); err == nil {
			t.Error("Stats() with a cancelled context should fail")
		}
	})

	t.Run("closed database", func(t *testing.T) {
		db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "closed.db"))
		if err != nil {
			t.Fatalf("OpenSQLite() failed: %v", err)
		}
		m := New(db.RawDB(), log.New(io.Discard, "", 0))
		if err := m.InitSchema(context.Background()); err != nil {
			t.Fatalf("InitSchema() failed: %v", err)
		}
		db.Close()

		stats, err := m.Stats(context.Background())
		if err == nil {
			t.Fatal("Stats() on a closed database should fail")
		}
		if stats != (Stats{}) {
			t.Errorf("Stats() = %+v on failure, want zero value", stats)
		}
	})
}

func TestKeyedMutex_ForgetsReleasedKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()

	if len(k.locks) != 0 {
		t.Errorf("locks = %d entries, want 0", len(k.locks))
	}
}
