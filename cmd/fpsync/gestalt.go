package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fpsync/fpsync/internal/protocol"
	"github.com/fpsync/fpsync/internal/transport"
)

var gestaltCmd = &cobra.Command{
	Use:     "gestalt",
	GroupID: "client",
	Short:   "Print a gestalt descriptor",
	Long: `Print the gestalt this configuration would advertise, or with --remote the
gestalt a running server returns to a gestalt request.

Example usage:
  fpsync gestalt                         # server gestalt from local config
  fpsync gestalt --client --format toml  # what client commands advertise
  fpsync gestalt --remote --url http://localhost:8787`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		remote, _ := cmd.Flags().GetBool("remote")
		client, _ := cmd.Flags().GetBool("client")

		_, cfg := mustLoad()

		var (
			g   protocol.Gestalt
			err error
		)
		switch {
		case remote:
			logs := mustLogging(cfg)
			defer logs.Close()
			tc, cerr := clientConfig(cfg, logs)
			if cerr != nil {
				fatalf("%v", cerr)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			g, err = transport.Negotiate(ctx, tc)
		case client:
			g, err = cfg.ClientGestalt()
		default:
			g, err = cfg.ServerGestalt()
		}
		if err != nil {
			fatalf("%v", err)
		}

		out, err := encodeGestalt(g, format)
		if err != nil {
			fatalf("%v", err)
		}
		os.Stdout.Write(out)
	},
}

func encodeGestalt(g protocol.Gestalt, format string) ([]byte, error) {
	switch format {
	case "json":
		out, err := json.MarshalIndent(g, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil
	case "yaml":
		return yaml.Marshal(g)
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(g); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown format %q (want json, yaml or toml)", format)
}

func init() {
	gestaltCmd.Flags().String("format", "json", "output format: json, yaml or toml")
	gestaltCmd.Flags().Bool("remote", false, "ask the server at --url instead of using local config")
	gestaltCmd.Flags().Bool("client", false, "print the client gestalt instead of the server one")
	rootCmd.AddCommand(gestaltCmd)
}
