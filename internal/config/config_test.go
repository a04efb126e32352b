package config

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, data any) {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configFileName), b, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// setupConfigDir creates a temp data dir, sets the env var,
// and returns (dir, configPath).
func setupConfigDir(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(dataDirEnv, dir)
	for _, k := range []string{
		"OFFLINESALES_REMOTE_URL", "OFFLINESALES_REMOTE_TOKEN",
		"OFFLINESALES_STOCK_FILE", "OFFLINESALES_LISTEN_ADDR",
		"OFFLINESALES_MAX_ATTEMPTS", "OFFLINESALES_CALL_TIMEOUT",
		"OFFLINESALES_SYNC_INTERVAL", "OFFLINESALES_RETENTION",
	} {
		t.Setenv(k, "")
	}
	return dir, filepath.Join(dir, configFileName)
}

// readConfigFile reads config.json into a generic map.
func readConfigFile(t *testing.T, dir string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		t.Fatalf("reading config file: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("parsing config file: %v", err)
	}
	return m
}

func TestLoadMinimal_Defaults(t *testing.T) {
	dir, _ := setupConfigDir(t)

	cfg, err := LoadMinimal()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "queue.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "stock.json"), cfg.StockFile)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, time.Second, cfg.ConnectivityDebounce)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Empty(t, cfg.RemoteURL)
}

func TestLoadMinimal_File(t *testing.T) {
	dir, _ := setupConfigDir(t)
	writeConfig(t, dir, map[string]any{
		"remote_url":            "https://sales.example.com",
		"remote_token":          "tok",
		"stock_file":            "/srv/stock.json",
		"call_timeout":          "5s",
		"connectivity_debounce": "250ms",
		"sync_interval":         "1m",
		"retention":             "72h",
		"max_attempts":          0,
	})

	cfg, err := LoadMinimal()
	require.NoError(t, err)

	assert.Equal(t, "https://sales.example.com", cfg.RemoteURL)
	assert.Equal(t, "tok", cfg.RemoteToken)
	assert.Equal(t, "/srv/stock.json", cfg.StockFile)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.ConnectivityDebounce)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
	assert.Equal(t, 72*time.Hour, cfg.Retention)
	assert.Equal(t, 0, cfg.MaxAttempts, "explicit zero means unlimited")
	assert.Equal(t, 15*time.Second, cfg.ProbeInterval, "unset keeps default")
}

func TestLoadMinimal_EnvOverridesFile(t *testing.T) {
	dir, _ := setupConfigDir(t)
	writeConfig(t, dir, map[string]any{
		"remote_url":   "https://file.example.com",
		"retention":    "72h",
		"max_attempts": 2,
	})
	t.Setenv("OFFLINESALES_REMOTE_URL", "https://env.example.com")
	t.Setenv("OFFLINESALES_RETENTION", "1h")
	t.Setenv("OFFLINESALES_MAX_ATTEMPTS", "9")

	cfg, err := LoadMinimal()
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.RemoteURL)
	assert.Equal(t, time.Hour, cfg.Retention)
	assert.Equal(t, 9, cfg.MaxAttempts)
}

func TestLoadMinimal_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "invalid json",
			file:    "{invalid-json",
			wantErr: "parsing config",
		},
		{
			name:    "bad duration in file",
			file:    `{"call_timeout": "soon"}`,
			wantErr: "call_timeout",
		},
		{
			name:    "negative duration",
			file:    `{"retention": "-1h"}`,
			wantErr: "retention must not be negative",
		},
		{
			name:    "negative attempts",
			file:    `{"max_attempts": -1}`,
			wantErr: "max_attempts",
		},
		{
			name:    "bad env duration",
			env:     map[string]string{"OFFLINESALES_SYNC_INTERVAL": "often"},
			wantErr: "OFFLINESALES_SYNC_INTERVAL",
		},
		{
			name:    "bad env attempts",
			env:     map[string]string{"OFFLINESALES_MAX_ATTEMPTS": "many"},
			wantErr: "OFFLINESALES_MAX_ATTEMPTS",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, path := setupConfigDir(t)
			if tt.file != "" {
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0o600))
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadMinimal()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDeviceID_GeneratedAndPersisted(t *testing.T) {
	dir, _ := setupConfigDir(t)

	cfg1, err := LoadMinimal()
	require.NoError(t, err)
	require.NotEmpty(t, cfg1.DeviceID)
	assert.Equal(t, cfg1.DeviceID, readConfigFile(t, dir)["device_id"])

	cfg2, err := LoadMinimal()
	require.NoError(t, err)
	assert.Equal(t, cfg1.DeviceID, cfg2.DeviceID)
}

func TestDeviceID_PreservesOtherFields(t *testing.T) {
	dir, _ := setupConfigDir(t)
	writeConfig(t, dir, map[string]any{
		"remote_url": "https://sales.example.com",
		"custom":     "kept",
	})

	cfg, err := LoadMinimal()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.DeviceID)

	m := readConfigFile(t, dir)
	assert.Equal(t, "https://sales.example.com", m["remote_url"])
	assert.Equal(t, "kept", m["custom"])
	assert.Equal(t, cfg.DeviceID, m["device_id"])
}

func TestLoad_FlagsOverrideEverything(t *testing.T) {
	dir, _ := setupConfigDir(t)
	writeConfig(t, dir, map[string]any{
		"remote_url":    "https://file.example.com",
		"sync_interval": "10m",
	})
	t.Setenv("OFFLINESALES_REMOTE_URL", "https://env.example.com")

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	RegisterRunFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-remote", "https://flag.example.com",
		"-sync-interval", "30s",
		"-max-attempts", "3",
	}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "https://flag.example.com", cfg.RemoteURL)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout, "unset flag keeps lower layer")
}

func TestLoad_RejectsNegativeFlag(t *testing.T) {
	setupConfigDir(t)
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	RegisterRunFlags(fs)
	require.NoError(t, fs.Parse([]string{"-call-timeout", "-1s"}))

	_, err := Load(fs)
	assert.ErrorContains(t, err, "call_timeout")
}

func TestSaveRemote(t *testing.T) {
	dir, _ := setupConfigDir(t)
	cfg, err := LoadMinimal()
	require.NoError(t, err)

	require.NoError(t, cfg.SaveRemote("https://a.example.com", "tok-1"))
	assert.Equal(t, "https://a.example.com", cfg.RemoteURL)
	assert.Equal(t, "tok-1", cfg.RemoteToken)

	require.NoError(t, cfg.SaveRemote("https://b.example.com", ""))
	m := readConfigFile(t, dir)
	assert.Equal(t, "https://b.example.com", m["remote_url"])
	assert.Equal(t, "tok-1", m["remote_token"], "empty token keeps stored one")
	assert.Equal(t, cfg.DeviceID, m["device_id"])

	reloaded, err := LoadMinimal()
	require.NoError(t, err)
	assert.Equal(t, "https://b.example.com", reloaded.RemoteURL)
}

func TestSaveRemote_InvalidExistingConfig(t *testing.T) {
	_, path := setupConfigDir(t)
	cfg, err := LoadMinimal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	err = cfg.SaveRemote("https://a.example.com", "")
	assert.ErrorContains(t, err, "existing config is invalid")
}

func TestResolveDataDir(t *testing.T) {
	dir, _ := setupConfigDir(t)
	got, err := ResolveDataDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
	_, statErr := os.Stat(filepath.Join(dir, configFileName))
	assert.True(t, os.IsNotExist(statErr), "ResolveDataDir reads no files")
}
