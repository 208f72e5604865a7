package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{
		{ID: 1, Host: "news.example.com", Port: 563, MaxConnections: 10, TLS: true},
	}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		wantErr     bool
		errContains string
	}{
		{
			name:   "default config with provider - ok",
			mutate: func(c *Config) {},
		},
		{
			name:        "empty main dir - error",
			mutate:      func(c *Config) { c.Paths.MainDir = "" },
			wantErr:     true,
			errContains: "main_dir",
		},
		{
			name:        "zero workers - error",
			mutate:      func(c *Config) { c.Download.Workers = 0 },
			wantErr:     true,
			errContains: "workers",
		},
		{
			name:        "bad log level - error",
			mutate:      func(c *Config) { c.Log.Level = "verbose" },
			wantErr:     true,
			errContains: "log.level",
		},
		{
			name:        "provider without host - error",
			mutate:      func(c *Config) { c.Providers[0].Host = "" },
			wantErr:     true,
			errContains: "host",
		},
		{
			name:        "provider port out of range - error",
			mutate:      func(c *Config) { c.Providers[0].Port = 70000 },
			wantErr:     true,
			errContains: "port",
		},
		{
			name: "scheduler bad time - error",
			mutate: func(c *Config) {
				c.Scheduler = []TaskConfig{{Time: "25:00", Command: "pause"}}
			},
			wantErr:     true,
			errContains: "out of range",
		},
		{
			name: "scheduler unknown command - error",
			mutate: func(c *Config) {
				c.Scheduler = []TaskConfig{{Time: "08:30", Command: "reboot"}}
			},
			wantErr:     true,
			errContains: "unknown command",
		},
		{
			name: "scheduler rate task - ok",
			mutate: func(c *Config) {
				c.Scheduler = []TaskConfig{{Time: "08:30", Command: "rate", Param: "1000"}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_DeepCopy(t *testing.T) {
	cfg := validConfig()
	cfg.PostProcess.CleanupExt = []string{".par2"}

	clone := cfg.DeepCopy()
	require.NotNil(t, clone)

	clone.Providers[0].Host = "other.example.com"
	clone.PostProcess.CleanupExt[0] = ".sfv"

	assert.Equal(t, "news.example.com", cfg.Providers[0].Host)
	assert.Equal(t, ".par2", cfg.PostProcess.CleanupExt[0])
}

func TestConfig_ProvidersEqual(t *testing.T) {
	a := validConfig()
	b := a.DeepCopy()
	assert.True(t, a.ProvidersEqual(b))

	b.Providers[0].MaxConnections = 20
	assert.False(t, a.ProvidersEqual(b))

	b = a.DeepCopy()
	b.Providers = append(b.Providers, ProviderConfig{ID: 2, Host: "x", Port: 119, MaxConnections: 1})
	assert.False(t, a.ProvidersEqual(b))
}

func TestConfig_ToProviders_SkipsDisabled(t *testing.T) {
	disabled := false
	cfg := validConfig()
	cfg.Providers = append(cfg.Providers, ProviderConfig{
		ID: 2, Host: "off.example.com", Port: 119, MaxConnections: 5, Enabled: &disabled,
	})

	providers := cfg.ToProviders()
	require.Len(t, providers, 1)
	assert.Equal(t, "news.example.com", providers[0].Host)
}

func TestConfig_Options(t *testing.T) {
	cfg := validConfig()
	cfg.Paths.MainDir = "/downloads"
	cfg.Paths.DestDir = "dst"
	cfg.PostProcess.Unpack = true

	opts := cfg.Options()
	assert.Equal(t, "/downloads/dst", opts["DESTDIR"])
	assert.Equal(t, "yes", opts["UNPACK"])
	assert.Equal(t, "news.example.com", opts["SERVER1.HOST"])
}

func TestManager_UpdateConfig_NotifiesCallbacks(t *testing.T) {
	cfg := validConfig()
	manager := NewManager(cfg, "")

	var gotOld, gotNew *Config
	manager.OnConfigChange(func(oldConfig, newConfig *Config) {
		gotOld, gotNew = oldConfig, newConfig
	})

	next := cfg.DeepCopy()
	next.Download.SpeedLimitKB = 2048
	require.NoError(t, manager.UpdateConfig(next))

	require.NotNil(t, gotOld)
	assert.EqualValues(t, 0, gotOld.Download.SpeedLimitKB)
	assert.EqualValues(t, 2048, gotNew.Download.SpeedLimitKB)
	assert.Same(t, next, manager.GetConfig())
}

func TestSaveAndLoadConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := validConfig()
	cfg.Download.Workers = 12
	cfg.Scheduler = []TaskConfig{{Time: "02:00", WeekDays: []int{1, 2, 3}, Command: "rate", Param: "500"}}
	require.NoError(t, SaveToFile(cfg, path))

	_, err := os.Stat(path)
	require.NoError(t, err)

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 12, loaded.Download.Workers)
	require.Len(t, loaded.Scheduler, 1)
	assert.Equal(t, "rate", loaded.Scheduler[0].Command)
	assert.Equal(t, []int{1, 2, 3}, loaded.Scheduler[0].WeekDays)
}
