package agentdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissing(t *testing.T) {
	_, err := Load("qa", filepath.Join(t.TempDir(), "nope"), 1, "t1")
	require.ErrorIs(t, err, ErrMissing)
}

func TestLoadValid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, systemPromptFile), []byte("# QA agent\n\nBe terse."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, toolConfigFile), []byte(`{"allowedTools":["bash"]}`), 0o644))

	d, err := Load("qa", dir, 3, "t1")
	require.NoError(t, err)
	require.Equal(t, "qa", d.Name)
	require.EqualValues(t, 3, d.Version)
	require.Equal(t, "t1", d.TenantID)
	require.ElementsMatch(t, []string{"bash"}, d.ToolConfig.AllowedTools)
}

func TestLoadEmptyPromptRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, systemPromptFile), []byte("   \n"), 0o644))
	_, err := Load("qa", dir, 1, "t1")
	require.Error(t, err, "expected error for empty system prompt")
}
