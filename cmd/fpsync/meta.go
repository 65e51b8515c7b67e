package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpsync/fpsync/internal/protocol"
	"github.com/fpsync/fpsync/internal/ui"
)

var metaCmd = &cobra.Command{
	Use:     "meta",
	GroupID: "client",
	Short:   "Read and write ledger meta entries",
}

var metaPutCmd = &cobra.Command{
	Use:   "put TENANT LEDGER CID",
	Short: "Publish a frontier entry",
	Long: `Publish one frontier entry. Every connection bound to the ledger receives it,
except the one that published it.

Example usage:
  fpsync meta put acme books bafy1 --data '{"clock":1}'
  fpsync meta put acme books bafy2 --parent bafy1 --data '{"clock":2}'`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		data, _ := cmd.Flags().GetString("data")
		parents, _ := cmd.Flags().GetStringSlice("parent")
		tl := tenantLedger(args[0], args[1])

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		sess, _, logs := mustConnect(ctx)
		defer logs.Close()
		defer sess.Close(context.Background())

		entry := protocol.CRDTEntry{CID: args[2], Parents: parents, Data: data}
		if entry.Parents == nil {
			entry.Parents = []string{}
		}
		if _, err := sess.PutMeta(ctx, tl, []protocol.CRDTEntry{entry}); err != nil {
			fatalf("put failed: %v", err)
		}
		fmt.Printf("%s Published %s to %s\n", ui.RenderPass("✓"), entry.CID, tl)
	},
}

var metaGetCmd = &cobra.Command{
	Use:   "get TENANT LEDGER",
	Short: "Fetch entries this connection has not seen",
	Long: `Fetch the frontier entries this connection has not been sent yet. With
--follow, keep the subscription open and print entries as they arrive
(WebSocket servers only).

Reuse --req-id across invocations to fetch only what is new since the
last call.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		follow, _ := cmd.Flags().GetBool("follow")
		wait, _ := cmd.Flags().GetDuration("wait")
		asJSON, _ := cmd.Flags().GetBool("json")
		tl := tenantLedger(args[0], args[1])

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		sess, _, logs := mustConnect(ctx)
		defer logs.Close()
		defer sess.Close(context.Background())

		stream, err := sess.BindMeta(ctx, tl)
		if err != nil {
			fatalf("bind failed: %v", err)
		}
		defer stream.Cancel()

		printed := 0
		for {
			nctx, cancel := ctx, context.CancelFunc(func() {})
			if !follow {
				nctx, cancel = context.WithTimeout(ctx, wait)
			}
			m, err := stream.Next(nctx)
			cancel()
			switch {
			case errors.Is(err, io.EOF):
				if follow {
					fmt.Fprintf(os.Stderr, "%s Server cannot stream; showing one snapshot\n", ui.RenderWarn("⚠"))
				}
				finishGet(printed, asJSON)
				return
			case errors.Is(err, context.DeadlineExceeded) && !follow:
				finishGet(printed, asJSON)
				return
			case ctx.Err() != nil:
				return
			case err != nil:
				fatalf("%v", err)
			}
			if err := m.Err(); err != nil {
				fatalf("%v", err)
			}
			printEntries(m.Metas, asJSON)
			printed += len(m.Metas)
			if !follow {
				finishGet(printed, asJSON)
				return
			}
		}
	},
}

func finishGet(printed int, asJSON bool) {
	if printed == 0 && !asJSON {
		fmt.Printf("%s No new entries\n", ui.RenderMuted("·"))
	}
}

func printEntries(metas []protocol.CRDTEntry, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range metas {
			_ = enc.Encode(e)
		}
		return
	}
	for _, e := range metas {
		parents := "-"
		if len(e.Parents) > 0 {
			parents = strings.Join(e.Parents, ",")
		}
		fmt.Printf("%s  %s  %s\n", ui.RenderAccent(e.CID), ui.RenderMuted(parents), e.Data)
	}
}

var metaDelCmd = &cobra.Command{
	Use:   "del TENANT LEDGER [CID...]",
	Short: "Remove frontier entries (all of them when no CID is given)",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		tl := tenantLedger(args[0], args[1])
		cids := args[2:]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		sess, _, logs := mustConnect(ctx)
		defer logs.Close()
		defer sess.Close(context.Background())

		if err := sess.DelMeta(ctx, tl, cids); err != nil {
			fatalf("delete failed: %v", err)
		}
		if len(cids) == 0 {
			fmt.Printf("%s Cleared %s\n", ui.RenderPass("✓"), tl)
			return
		}
		fmt.Printf("%s Removed %d entries from %s\n", ui.RenderPass("✓"), len(cids), tl)
	},
}

func init() {
	metaPutCmd.Flags().String("data", "", "entry payload")
	metaPutCmd.Flags().StringSlice("parent", nil, "parent CID (repeatable)")

	metaGetCmd.Flags().Bool("follow", false, "keep printing entries as they are published")
	metaGetCmd.Flags().Duration("wait", 2*time.Second, "how long to wait for entries without --follow")
	metaGetCmd.Flags().Bool("json", false, "print one JSON entry per line")

	metaCmd.AddCommand(metaPutCmd)
	metaCmd.AddCommand(metaGetCmd)
	metaCmd.AddCommand(metaDelCmd)
	rootCmd.AddCommand(metaCmd)
}
