package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "gtpbot.yaml"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "gtpbot.toml"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "gtpbot.toml"), 0o755))

	p, err := FindUp(deep, "gtpbot.toml", "gtpbot.yaml")
	require.NoError(t, err)
	// directories with a matching name are skipped
	assert.Equal(t, filepath.Join(root, "a", "gtpbot.yaml"), p)

	p, err = FindUp(deep, "nothing-here-9f2c")
	require.NoError(t, err)
	assert.Empty(t, p)
}
