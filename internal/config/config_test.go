package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/data/adb", cfg.Paths.AdbDir)
	assert.Equal(t, "/data/adb/modules", cfg.Paths.ModulesDir)
	assert.Equal(t, "/data/adb/ksu/profile.db", cfg.Paths.ProfileDB)
	assert.Equal(t, UpdateStatePreserve, cfg.Module.UpdateState)
	assert.Equal(t, 100, cfg.Module.DefaultPriority)
	assert.Equal(t, "KSU", cfg.Overlay.SourceLabel)
	assert.True(t, *cfg.Module.AllowDowngrade)
	assert.Equal(t, 10*time.Second, cfg.ScriptTimeout())
	assert.Equal(t, "/data/adb/ksu/.verbose", cfg.VerboseMarker())
	assert.Equal(t, "u:r:su:s0", cfg.Profile.DefaultDomain)
	assert.Equal(t, "/system/bin/sh", cfg.Su.Shell)
}

func TestLoad_ParsesFields(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ksud.yaml")
	if err := os.WriteFile(cfgPath, []byte(`
paths:
  adb_dir: "`+dir+`"
logging:
  level: debug
  format: json
module:
  update_state: reset
  priority_step: 5
  script_timeout: 30s
  allow_downgrade: false
overlay:
  partitions: [system, vendor]
  exclude: ["**/.git/**"]
manager:
  package: com.example.manager
  expected_size: 1337
  expected_hash: "`+"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"+`"
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "modules"), cfg.Paths.ModulesDir)
	assert.Equal(t, filepath.Join(dir, "ksu", "profile.db"), cfg.Paths.ProfileDB)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, UpdateStateReset, cfg.Module.UpdateState)
	assert.Equal(t, 5, cfg.Module.PriorityStep)
	assert.Equal(t, 30*time.Second, cfg.ScriptTimeout())
	assert.False(t, *cfg.Module.AllowDowngrade)
	assert.Equal(t, []string{"system", "vendor"}, cfg.Overlay.Partitions)
	assert.Equal(t, []string{"**/.git/**"}, cfg.Overlay.Exclude)
	assert.Equal(t, "com.example.manager", cfg.Manager.Package)
	assert.EqualValues(t, 1337, cfg.Manager.ExpectedSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KSUD_ADB_DIR", dir)
	t.Setenv("KSUD_UPDATE_STATE", "reset")
	t.Setenv("KSUD_LOG_LEVEL", "warn")

	cfg, err := LoadFromBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "modules"), cfg.Paths.ModulesDir)
	assert.Equal(t, UpdateStateReset, cfg.Module.UpdateState)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"update state": "module:\n  update_state: sometimes\n",
		"log level":    "logging:\n  level: loud\n",
		"log format":   "logging:\n  format: xml\n",
		"timeout":      "module:\n  script_timeout: soon\n",
		"hash length":  "manager:\n  expected_hash: abc\n",
		"partition":    "overlay:\n  partitions: [\"../etc\"]\n",
		"yaml":         "paths: [",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(data))
			assert.Error(t, err)
		})
	}
}
