package templates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSandboxEnvironment(t *testing.T) {
	t.Setenv("YIELDSYNC_TEST_KEY", "secret")
	t.Setenv("YIELDSYNC_OTHER_KEY", "hidden")

	sb := NewSandbox(true, []string{"YIELDSYNC_TEST_KEY"})
	env := sb.Environment()
	require.Equal(t, map[string]string{"YIELDSYNC_TEST_KEY": "secret"}, env)

	disabled := NewSandbox(false, []string{"YIELDSYNC_TEST_KEY"})
	require.Empty(t, disabled.Environment())
}

func TestSandboxEnvironmentFiltersMissing(t *testing.T) {
	sb := NewSandbox(true, []string{"YIELDSYNC_UNSET_KEY"})
	env := sb.Environment()
	require.NotContains(t, env, "YIELDSYNC_UNSET_KEY")
}

func TestSandboxAllowedDropsEmptyNames(t *testing.T) {
	sb := NewSandbox(true, []string{"", "A", ""})
	require.Equal(t, []string{"A"}, sb.Allowed())
}

func TestNilSandboxEnvironmentIsEmpty(t *testing.T) {
	var sb *Sandbox
	require.Empty(t, sb.Environment())
	require.Nil(t, sb.Allowed())
}
