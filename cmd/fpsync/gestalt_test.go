package main

import (
	"strings"
	"testing"

	"github.com/fpsync/fpsync/internal/protocol"
)

func TestEncodeGestalt(t *testing.T) {
	g := protocol.NewGestalt(protocol.GestaltParams{ID: "fp-test"})

	for _, format := range []string{"json", "yaml", "toml"} {
		t.Run(format, func(t *testing.T) {
			out, err := encodeGestalt(g, format)
			if err != nil {
				t.Fatalf("encodeGestalt(%s) failed: %v", format, err)
			}
			if !strings.Contains(string(out), "fp-test") || !strings.Contains(string(out), "wsEndpoints") {
				t.Errorf("encodeGestalt(%s) = %s", format, out)
			}
		})
	}

	if _, err := encodeGestalt(g, "xml"); err == nil {
		t.Error("encodeGestalt(xml) should fail")
	}
}

func TestObjectCommands(t *testing.T) {
	for _, store := range []string{"data", "wal"} {
		cmd, _, err := rootCmd.Find([]string{store, "put"})
		if err != nil {
			t.Fatalf("Find(%s put) failed: %v", store, err)
		}
		if !strings.Contains(cmd.Long, "curl -X PUT") {
			t.Errorf("%s put help = %q", store, cmd.Long)
		}
	}
}
