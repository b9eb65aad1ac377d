package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("APP_ENV=test\n"), 0o600))

	assert.Equal(t, path, EnvPath([]string{"api", "--env=" + path}))
	assert.Empty(t, EnvPath([]string{"api"}))
	assert.Empty(t, EnvPath([]string{"api", "--env=" + path + ".missing"}))
}
