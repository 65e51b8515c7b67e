package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fpsync/fpsync/internal/auth"
	"github.com/fpsync/fpsync/internal/config"
	"github.com/fpsync/fpsync/internal/server"
	"github.com/fpsync/fpsync/internal/sign"
	"github.com/fpsync/fpsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the sync server",
	Long: `Run the sync server in the foreground.

Routes:
  PUT /fp       request/response envelopes (JSON or CBOR)
  GET /ws       WebSocket sessions
  GET /health   liveness and member counts
  GET /metrics  Prometheus metrics

Data and WAL requests are answered with signed URLs when sign.secret and
sign.base_url are set. Editing log.debug in the config file takes effect
without a restart.

Example usage:
  fpsync serve                      # listen on :8787 with .fpsync/meta.db
  fpsync serve --addr :9000
  FPSYNC_STORE_DRIVER=libsql FPSYNC_STORE_URL=libsql://db.turso.io fpsync serve`,
	Run: func(cmd *cobra.Command, args []string) {
		src, cfg := mustLoad()
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		statsEvery, _ := cmd.Flags().GetDuration("stats-interval")

		logs := mustLogging(cfg)
		defer logs.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m, closeDB, err := openMerger(ctx, cfg.Store, logs)
		if err != nil {
			fatalf("failed to open store: %v", err)
		}
		defer closeDB()

		gestalt, err := cfg.ServerGestalt()
		if err != nil {
			fatalf("%v", err)
		}

		scfg := &server.Config{
			Addr:         cfg.Server.Addr,
			Gestalt:      gestalt,
			Merger:       m,
			RateLimit:    cfg.Server.RateLimit,
			RateBurst:    cfg.Server.RateBurst,
			WriteTimeout: cfg.Server.WriteTimeout,
			Debug:        cfg.Log.Debug,
			Logger:       logs.Logger("server"),
		}
		if cfg.Sign.Secret != "" {
			signer, err := sign.NewJWTSigner(cfg.Sign.BaseURL, []byte(cfg.Sign.Secret))
			if err != nil {
				fatalf("%v", err)
			}
			scfg.Bridge = sign.NewBridge(signer, logs.Logger("sign"))
		}
		if cfg.Auth.Required {
			scfg.Verifier = &auth.JWTVerifier{Secret: []byte(cfg.Auth.Secret)}
		}

		srv, err := server.New(scfg)
		if err != nil {
			fatalf("%v", err)
		}
		if err := srv.Start(); err != nil {
			fatalf("failed to start server: %v", err)
		}

		src.Watch(logs.Logger("config"), func(c *config.Config) {
			logs.SetDebug(c.Log.Debug)
			srv.SetDebug(c.Log.Debug)
		})

		fmt.Printf("%s Sync server started on %s\n", ui.RenderPass("✓"), srv.Addr())
		fmt.Printf("   Store: %s\n", storeLabel(cfg.Store))
		fmt.Printf("   Gestalt: %s (%v, %v)\n", gestalt.ID, gestalt.ProtocolCapabilities, gestalt.Encodings)
		if file := src.File(); file != "" {
			fmt.Printf("   Config: %s\n", file)
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		g, gctx := errgroup.WithContext(ctx)
		if statsEvery > 0 {
			logger := logs.Logger("stats")
			g.Go(func() error {
				ticker := time.NewTicker(statsEvery)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						st, err := m.Stats(gctx)
						if err != nil {
							logger.Printf("WARNING: Failed to read merger stats: %v", err)
							continue
						}
						logger.Printf("members=%d sockets=%d ledgers=%d frontier=%d sends=%d",
							srv.MemberCount(), srv.SocketCount(), st.TenantLedgers, st.FrontierRows, st.SendRows)
					}
				}
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			fmt.Println("\nShutting down sync server...")
			return srv.Stop()
		})

		if err := g.Wait(); err != nil {
			fatalf("shutdown failed: %v", err)
		}
		fmt.Println("Sync server stopped")
	},
}

func storeLabel(s config.StoreConfig) string {
	if s.Driver == config.DriverLibSQL {
		if s.ReplicaPath != "" {
			return fmt.Sprintf("libsql %s (replica %s)", s.URL, s.ReplicaPath)
		}
		return "libsql " + s.URL
	}
	return "sqlite " + s.Path
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().Duration("stats-interval", time.Minute, "how often to log merger stats (0 disables)")
	rootCmd.AddCommand(serveCmd)
}
