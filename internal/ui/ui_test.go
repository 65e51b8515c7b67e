package ui

import "testing"

func TestPlainRendering(t *testing.T) {
	SetPlain(true)
	defer SetPlain(false)

	for _, fn := range []func(string) string{RenderPass, RenderWarn, RenderFail, RenderAccent, RenderMuted, RenderHeader} {
		if got := fn("ok"); got != "ok" {
			t.Errorf("plain render = %q, want %q", got, "ok")
		}
	}
}
