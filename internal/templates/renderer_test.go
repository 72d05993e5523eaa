package templates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderStringPassesPlainValues(t *testing.T) {
	r := NewRenderer(NewSandbox(false, nil))
	out, err := r.RenderString("header", "application/json")
	require.NoError(t, err)
	require.Equal(t, "application/json", out)
}

func TestRenderStringResolvesAllowedEnv(t *testing.T) {
	t.Setenv("YIELDSYNC_API_KEY", "k-123")
	r := NewRenderer(NewSandbox(true, []string{"YIELDSYNC_API_KEY"}))

	out, err := r.RenderString("apikey", `{{ env "YIELDSYNC_API_KEY" }}`)
	require.NoError(t, err)
	require.Equal(t, "k-123", out)
}

func TestRenderStringHidesUnlistedEnv(t *testing.T) {
	t.Setenv("YIELDSYNC_SECRET", "nope")
	r := NewRenderer(NewSandbox(true, []string{"YIELDSYNC_API_KEY"}))

	out, err := r.RenderString("apikey", `{{ env "YIELDSYNC_SECRET" }}`)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestRendererRemovesFilesystemHelpers(t *testing.T) {
	r := NewRenderer(NewSandbox(true, nil))
	_, err := r.Compile("bad", `{{ readFile "/etc/passwd" }}`)
	require.Error(t, err)
}

func TestCompileEmptySourceReturnsNil(t *testing.T) {
	r := NewRenderer(nil)
	tmpl, err := r.Compile("empty", "   ")
	require.NoError(t, err)
	require.Nil(t, tmpl)
}

func TestExpandenvHonorsSandbox(t *testing.T) {
	t.Setenv("YIELDSYNC_TOKEN", "tok")
	r := NewRenderer(NewSandbox(true, []string{"YIELDSYNC_TOKEN"}))

	out, err := r.RenderString("auth", `{{ expandenv "Bearer $YIELDSYNC_TOKEN" }}`)
	require.NoError(t, err)
	require.Equal(t, "Bearer tok", out)
}
