package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fpsync/fpsync/internal/protocol"
	"github.com/fpsync/fpsync/internal/transport"
	"github.com/fpsync/fpsync/internal/ui"
)

var chatCmd = &cobra.Command{
	Use:     "chat [TEXT...]",
	GroupID: "client",
	Short:   "Send or listen for chat messages between connections",
	Long: `Relay a text message to every other connection of the server, or with
--listen print messages from other connections until interrupted
(WebSocket servers only).

Example usage:
  fpsync chat --listen
  fpsync chat hello from the build box`,
	Run: func(cmd *cobra.Command, args []string) {
		listen, _ := cmd.Flags().GetBool("listen")
		if !listen && len(args) == 0 {
			fatalf("nothing to send (pass TEXT or --listen)")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		sess, _, logs := mustConnect(ctx)
		defer logs.Close()
		defer sess.Close(context.Background())

		if len(args) > 0 {
			if err := sess.Chat(ctx, strings.Join(args, " ")); err != nil {
				fatalf("chat failed: %v", err)
			}
			fmt.Printf("%s Sent\n", ui.RenderPass("✓"))
		}
		if !listen {
			return
		}

		if _, ok := sess.Raw().(*transport.HTTPConn); ok {
			fatalf("the server was reached over HTTP; listening needs a WebSocket")
		}
		own, _ := sess.Conn()
		unsubscribe := sess.OnMsg(func(m *protocol.Msg) {
			if m.Type != protocol.ResChat || m.Conn == nil || *m.Conn == own {
				return
			}
			fmt.Printf("%s %s\n", ui.RenderAccent(m.Conn.ReqID+">"), m.Message)
		})
		defer unsubscribe()

		fmt.Printf("Listening as %s. Press Ctrl+C to stop...\n", own)
		<-ctx.Done()
	},
}

func init() {
	chatCmd.Flags().Bool("listen", false, "print messages from other connections")
	rootCmd.AddCommand(chatCmd)
}
