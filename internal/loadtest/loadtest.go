// Package loadtest drives the meta merger with many concurrent peers and
// checks that delivery stays exactly-once under contention.
//
// Each simulated peer holds its own connection identity, publishes a
// series of independent frontier entries and pulls after every publish.
// When all peers are done, every peer must have been handed every entry
// exactly once.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/fpsync/fpsync/internal/merger"
	"github.com/fpsync/fpsync/internal/protocol"
)

// Options controls the shape of a run.
type Options struct {
	Peers        int
	PutsPerPeer  int
	TenantLedger protocol.TenantLedger
}

// LatencyStats captures per-operation timings.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of one run.
type Report struct {
	Puts       LatencyStats
	Pulls      LatencyStats
	Delivered  int
	Duplicates int
	Missing    int
	Elapsed    time.Duration
}

type peerResult struct {
	conn     protocol.QSId
	puts     []time.Duration
	pulls    []time.Duration
	received map[string]int
}

// Run executes the load against m. The ledger is cleared first so runs
// can be repeated against the same store.
func Run(ctx context.Context, m *merger.Merger, opts Options) (*Report, error) {
	if opts.Peers <= 0 || opts.PutsPerPeer <= 0 {
		return nil, fmt.Errorf("peers and puts per peer must be positive")
	}
	tl := opts.TenantLedger
	if err := tl.Validate(); err != nil {
		return nil, err
	}
	if err := m.DelMeta(ctx, merger.DelMetaReq{TenantLedger: tl}); err != nil {
		return nil, fmt.Errorf("failed to clear ledger: %w", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	resultsChan := make(chan *peerResult, opts.Peers)
	errorsChan := make(chan error, opts.Peers)

	// shared per run so repeated runs never reuse delivery markers
	runID := protocol.NewTid()
	conns := make([]protocol.QSId, opts.Peers)
	for i := range conns {
		conns[i] = protocol.QSId{ReqID: fmt.Sprintf("peer-%03d", i), ResID: runID}
	}

	for i := 0; i < opts.Peers; i++ {
		wg.Add(1)
		go func(peer int) {
			defer wg.Done()

			conn := conns[peer]
			res := &peerResult{conn: conn, received: make(map[string]int)}
			for j := 0; j < opts.PutsPerPeer; j++ {
				entry := protocol.CRDTEntry{
					CID:     fmt.Sprintf("bafy-%03d-%04d", peer, j),
					Parents: []string{},
					Data:    fmt.Sprintf(`{"peer":%d,"seq":%d}`, peer, j),
				}
				t0 := time.Now()
				if err := m.AddMeta(ctx, merger.AddMetaReq{TenantLedger: tl, Conn: conn, Metas: []protocol.CRDTEntry{entry}}); err != nil {
					errorsChan <- fmt.Errorf("peer %d put %d failed: %w", peer, j, err)
					return
				}
				res.puts = append(res.puts, time.Since(t0))

				if err := pull(ctx, m, tl, conn, res); err != nil {
					errorsChan <- fmt.Errorf("peer %d pull %d failed: %w", peer, j, err)
					return
				}
			}
			resultsChan <- res
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	if err, ok := <-errorsChan; ok {
		return nil, err
	}

	// final sweep so every peer sees what was published after its last pull
	results := make([]*peerResult, 0, opts.Peers)
	for res := range resultsChan {
		results = append(results, res)
	}
	report := &Report{}
	var puts, pulls []time.Duration
	want := opts.Peers * opts.PutsPerPeer
	for _, res := range results {
		if err := pull(ctx, m, tl, res.conn, res); err != nil {
			return nil, err
		}
		puts = append(puts, res.puts...)
		pulls = append(pulls, res.pulls...)
		for _, n := range res.received {
			report.Delivered += n
			if n > 1 {
				report.Duplicates += n - 1
			}
		}
		report.Missing += want - len(res.received)
	}
	report.Puts = computeLatencyStats(puts)
	report.Pulls = computeLatencyStats(pulls)
	report.Elapsed = time.Since(start)
	return report, nil
}

func pull(ctx context.Context, m *merger.Merger, tl protocol.TenantLedger, conn protocol.QSId, res *peerResult) error {
	t0 := time.Now()
	metas, err := m.MetaToSend(ctx, merger.Sink{TenantLedger: tl, Conn: conn})
	if err != nil {
		return err
	}
	res.pulls = append(res.pulls, time.Since(t0))
	for _, e := range metas {
		res.received[e.CID]++
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print formats the report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Elapsed:    %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Delivered:  %d (duplicates %d, missing %d)\n", r.Delivered, r.Duplicates, r.Missing)
	for _, s := range []struct {
		name  string
		stats LatencyStats
	}{{"put", r.Puts}, {"pull", r.Pulls}} {
		fmt.Fprintf(w, "%-5s n=%-6d min=%-10v p50=%-10v mean=%-10v p95=%-10v p99=%-10v max=%v\n",
			s.name, s.stats.Count, s.stats.Min, s.stats.P50, s.stats.Mean, s.stats.P95, s.stats.P99, s.stats.Max)
	}
}
