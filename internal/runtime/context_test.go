package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInitLoadsSettingsAndLogger(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	rt := New("v1.2.3", "2026-01-01")
	rt.ConfigFile = writeConfig(t, `
debug: true
main:
  name: lab-a
  log:
    console:
      enabled: false
server:
  listen: ":9090"
`)
	require.NoError(t, rt.Init())
	t.Cleanup(func() { assert.NoError(t, rt.Close()) })

	require.NotNil(t, rt.Settings)
	assert.Equal(t, "v1.2.3", rt.Settings.Version)
	assert.Equal(t, "lab-a", rt.Settings.Main.Name)
	assert.Equal(t, ":9090", rt.Settings.Server.Listen)
	assert.Equal(t, "debug", rt.Settings.Main.Log.DefaultLevel)
	assert.NotNil(t, rt.Logger("serve"))
}

func TestInitRejectsInvalidSettings(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	rt := New("dev", "")
	rt.ConfigFile = writeConfig(t, `
database:
  type: postgres
`)
	assert.Error(t, rt.Init())
	assert.Nil(t, rt.Settings)
	assert.NoError(t, rt.Close())
}

func TestLoggerBeforeInit(t *testing.T) {
	rt := New("dev", "")
	log := rt.Logger("submit")
	require.NotNil(t, log)
	log.Info("discarded")
	assert.NoError(t, rt.Close())
}
