package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpsync/fpsync/internal/config"
	"github.com/fpsync/fpsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status [TENANT LEDGER]",
	GroupID: "server",
	Short:   "Show meta store status",
	Long: `Show row counts of the configured meta store. With TENANT and LEDGER, also
list that ledger's current frontier.

This reads the store directly and does not need a running server.`,
	Args: cobra.MatchAll(cobra.MaximumNArgs(2), func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return fmt.Errorf("TENANT and LEDGER go together")
		}
		return nil
	}),
	Run: func(cmd *cobra.Command, args []string) {
		_, cfg := mustLoad()
		logs := mustLogging(cfg)
		defer logs.Close()

		if cfg.Store.Driver == config.DriverSQLite {
			if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
				fmt.Printf("\n%s Meta store not initialized\n", ui.RenderWarn("⚠"))
				fmt.Printf("   Run 'fpsync serve' to create %s\n\n", cfg.Store.Path)
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, closeDB, err := openMerger(ctx, cfg.Store, logs)
		if err != nil {
			fatalf("failed to open store: %v", err)
		}
		defer closeDB()

		st, err := m.Stats(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("\n%s Meta Store Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Store: %s\n", storeLabel(cfg.Store))
		fmt.Printf("Ledgers: %d\n", st.TenantLedgers)
		fmt.Printf("Frontier entries: %d\n", st.FrontierRows)
		fmt.Printf("Delivery records: %d\n", st.SendRows)

		if len(args) == 2 {
			tl := tenantLedger(args[0], args[1])
			heads, err := m.Frontier(ctx, tl)
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("\n%s\n", ui.RenderHeader("Frontier of "+tl.String()))
			if len(heads) == 0 {
				fmt.Printf("%s empty\n", ui.RenderMuted("·"))
			}
			printEntries(heads, false)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
