package reqconfig

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAction(cluster, name string, fields func(*Action)) *Action {
	a := &Action{
		Cluster:          cluster,
		Name:             name,
		Enabled:          true,
		Expression:       "pattern@ua/unicorn",
		RespStatus:       429,
		RespReason:       "Too many requests",
		ThrottleRequests: 500,
		ThrottleInterval: 30,
		ThrottleDuration: 1000,
	}
	if fields != nil {
		fields(a)
	}
	return a
}

func TestRenderVCLBan(t *testing.T) {
	out, err := RenderVCL(context.Background(),
		[]*Action{testAction("text", "block_unicorns", nil)},
		testPatterns(translationPatterns))
	require.NoError(t, err)

	assert.Contains(t, out, "if (!req.http.X-Requestctl) {\n    set req.http.X-Requestctl = \"\";\n}")
	assert.Contains(t, out, `if (req.http.User-Agent ~ "^unicorn/") {`)
	assert.Contains(t, out, `return (synth(429, "Too many requests"));`)
	assert.Contains(t, out, `set req.http.X-Requestctl = regsub(req.http.X-Requestctl, "^,", "");`)
}

func TestRenderVCLThrottle(t *testing.T) {
	a := testAction("text", "throttle_unicorns", func(a *Action) {
		a.DoThrottle = true
	})
	out, err := RenderVCL(context.Background(), []*Action{a}, testPatterns(translationPatterns))
	require.NoError(t, err)
	assert.Contains(t, out,
		`vsthrottle.is_denied("requestctl:throttle_unicorns", 500, 30s, 1000s)`)
	assert.Contains(t, out, "set req.http.Retry-After = 1000;")

	a.ThrottlePerIP = true
	out, err = RenderVCL(context.Background(), []*Action{a}, testPatterns(translationPatterns))
	require.NoError(t, err)
	assert.Contains(t, out,
		`vsthrottle.is_denied("requestctl:throttle_unicorns" + req.http.X-Client-IP, 500, 30s, 1000s)`)
}

func TestRenderVCLRetryAfterFloor(t *testing.T) {
	a := testAction("text", "tiny", func(a *Action) {
		a.DoThrottle = true
		a.ThrottleDuration = 0
	})
	out, err := RenderVCL(context.Background(), []*Action{a}, testPatterns(translationPatterns))
	require.NoError(t, err)
	assert.Contains(t, out, "set req.http.Retry-After = 1;")
}

func TestRenderVCLLogOnly(t *testing.T) {
	a := testAction("text", "watch_unicorns", func(a *Action) {
		a.Enabled = false
		a.LogMatching = true
	})
	out, err := RenderVCL(context.Background(), []*Action{a}, testPatterns(translationPatterns))
	require.NoError(t, err)
	assert.Contains(t, out, `set req.http.X-Requestctl = req.http.X-Requestctl + ",watch_unicorns";`)
	assert.NotContains(t, out, "synth")
}

func TestRenderVCLSortsActions(t *testing.T) {
	actions := []*Action{
		testAction("text", "zebra", nil),
		testAction("text", "aardvark", nil),
	}
	out, err := RenderVCL(context.Background(), actions, testPatterns(translationPatterns))
	require.NoError(t, err)
	assert.Less(t, strings.Index(out, "aardvark"), strings.Index(out, "zebra"))
}

func TestRenderVCLEmpty(t *testing.T) {
	out, err := RenderVCL(context.Background(), nil, testPatterns(translationPatterns))
	require.NoError(t, err)
	assert.Empty(t, out)
}
