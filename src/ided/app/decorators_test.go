package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/config"
	"go.uber.org/goleak"
)

func TestDecorateConfigProvider(t *testing.T) {
	dir := t.TempDir()
	infoPath := filepath.Join(dir, "nested", "ided-info.json")

	cfg, err := config.NewStaticProvider(map[string]interface{}{
		_configKeyInfoFile: infoPath,
	})
	require.NoError(t, err)

	result, err := decorateConfigProvider(DecorateConfigParams{Cfg: cfg})
	assert.NoError(t, err)
	assert.Equal(t, cfg, result)

	info, err := os.Stat(filepath.Dir(infoPath))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDecorateConfigProviderNoPath(t *testing.T) {
	cfg, err := config.NewStaticProvider(map[string]interface{}{})
	require.NoError(t, err)

	_, err = decorateConfigProvider(DecorateConfigParams{Cfg: cfg})
	assert.NoError(t, err)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
