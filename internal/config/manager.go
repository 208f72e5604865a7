package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Paths       PathsConfig       `yaml:"paths" mapstructure:"paths"`
	Download    DownloadConfig    `yaml:"download" mapstructure:"download"`
	Dupe        DupeConfig        `yaml:"dupe" mapstructure:"dupe"`
	PostProcess PostProcessConfig `yaml:"post_process" mapstructure:"post_process"`
	Scan        ScanConfig        `yaml:"scan" mapstructure:"scan"`
	Scheduler   []TaskConfig      `yaml:"scheduler" mapstructure:"scheduler"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Providers   []ProviderConfig  `yaml:"providers" mapstructure:"providers"`
}

// ServerConfig holds the control API listener settings.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// PathsConfig holds every directory the daemon works in.
type PathsConfig struct {
	// MainDir is the parent for relative paths below.
	MainDir string `yaml:"main_dir" mapstructure:"main_dir"`
	// DestDir receives finished downloads.
	DestDir string `yaml:"dest_dir" mapstructure:"dest_dir"`
	// InterDir holds downloads in progress; empty means download straight
	// into DestDir.
	InterDir string `yaml:"inter_dir" mapstructure:"inter_dir"`
	// NzbDir is watched for incoming nzb files.
	NzbDir string `yaml:"nzb_dir" mapstructure:"nzb_dir"`
	// QueueDir stores the persistent queue state.
	QueueDir string `yaml:"queue_dir" mapstructure:"queue_dir"`
	// TempDir holds per-article temp files.
	TempDir string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// DownloadConfig tunes the download engine.
type DownloadConfig struct {
	Workers            int   `yaml:"workers" mapstructure:"workers"`
	ArticleCacheMB     int   `yaml:"article_cache_mb" mapstructure:"article_cache_mb"`
	DirectWrite        bool  `yaml:"direct_write" mapstructure:"direct_write"`
	Preallocate        bool  `yaml:"preallocate" mapstructure:"preallocate"`
	SpeedLimitKB       int64 `yaml:"speed_limit_kb" mapstructure:"speed_limit_kb"`
	PauseOnStart       bool  `yaml:"pause_on_start" mapstructure:"pause_on_start"`
	FlushDiskstate     bool  `yaml:"flush_diskstate" mapstructure:"flush_diskstate"`
	ContinuePartial    bool  `yaml:"continue_partial" mapstructure:"continue_partial"`
	KeepHistory        bool  `yaml:"keep_history" mapstructure:"keep_history"`
	PauseExtraPars     bool  `yaml:"pause_extra_pars" mapstructure:"pause_extra_pars"`
	QueueScripts       []string `yaml:"queue_scripts" mapstructure:"queue_scripts"`
	EventIntervalSec   int   `yaml:"event_interval_sec" mapstructure:"event_interval_sec"`
}

// DupeConfig controls the duplicate coordinator.
type DupeConfig struct {
	Enabled *bool `yaml:"enabled" mapstructure:"enabled"`
}

// PostProcessConfig controls the post-processing stages.
type PostProcessConfig struct {
	ParCheck           bool     `yaml:"par_check" mapstructure:"par_check"`
	ParRepair          bool     `yaml:"par_repair" mapstructure:"par_repair"`
	ParTimeLimitMin    int      `yaml:"par_time_limit_min" mapstructure:"par_time_limit_min"`
	Unpack             bool     `yaml:"unpack" mapstructure:"unpack"`
	CleanupExt         []string `yaml:"cleanup_ext" mapstructure:"cleanup_ext"`
	PostScripts        []string `yaml:"post_scripts" mapstructure:"post_scripts"`
	ScriptGraceSeconds int      `yaml:"script_grace_seconds" mapstructure:"script_grace_seconds"`
}

// ScanConfig controls the incoming-directory scanner.
type ScanConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds" mapstructure:"interval_seconds"`
	FileAgeSeconds  int    `yaml:"file_age_seconds" mapstructure:"file_age_seconds"`
	ScanScript      string `yaml:"scan_script" mapstructure:"scan_script"`
}

// TaskConfig is one scheduler entry. Time is "hh:mm"; WeekDays lists
// time.Weekday numbers (0=Sunday), empty meaning every day.
type TaskConfig struct {
	Time     string `yaml:"time" mapstructure:"time"`
	WeekDays []int  `yaml:"week_days" mapstructure:"week_days"`
	Command  string `yaml:"command" mapstructure:"command"`
	Param    string `yaml:"param" mapstructure:"param"`
}

// LogConfig represents logging configuration with rotation support
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`               // Log file path (empty = console only)
	Level      string `yaml:"level" mapstructure:"level"`             // Log level (debug, info, warn, error)
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // Max size in MB before rotation
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // Max age in days to keep files
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // Max number of old files to keep
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // Compress old log files
}

// ProviderConfig represents a single NNTP provider configuration
type ProviderConfig struct {
	ID             int    `yaml:"id" mapstructure:"id"`
	Host           string `yaml:"host" mapstructure:"host"`
	Port           int    `yaml:"port" mapstructure:"port"`
	Username       string `yaml:"username" mapstructure:"username"`
	Password       string `yaml:"password" mapstructure:"password"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections"`
	TLS            bool   `yaml:"tls" mapstructure:"tls"`
	InsecureTLS    bool   `yaml:"insecure_tls" mapstructure:"insecure_tls"`
	Enabled        *bool  `yaml:"enabled" mapstructure:"enabled"`
}

// DeepCopy returns a deep copy of the configuration
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}
	var copyCfg Config
	if err := copier.CopyWithOption(&copyCfg, c, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on invalid arguments; a value copy is the
		// acceptable fallback.
		copyCfg = *c
	}
	return &copyCfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if c.Paths.MainDir == "" {
		return fmt.Errorf("paths main_dir cannot be empty")
	}
	if c.Paths.DestDir == "" {
		return fmt.Errorf("paths dest_dir cannot be empty")
	}
	if c.Paths.QueueDir == "" {
		return fmt.Errorf("paths queue_dir cannot be empty")
	}

	if c.Download.Workers <= 0 {
		return fmt.Errorf("download workers must be greater than 0")
	}
	if c.Download.ArticleCacheMB < 0 {
		return fmt.Errorf("download article_cache_mb must be non-negative")
	}
	if c.Download.SpeedLimitKB < 0 {
		return fmt.Errorf("download speed_limit_kb must be non-negative")
	}

	if c.Log.Level != "" {
		switch c.Log.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("log.level must be one of: debug, info, warn, error")
		}
	}
	if c.Log.MaxSize < 0 {
		return fmt.Errorf("log.max_size must be non-negative")
	}
	if c.Log.MaxAge < 0 {
		return fmt.Errorf("log.max_age must be non-negative")
	}
	if c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_backups must be non-negative")
	}

	if c.Scan.IntervalSeconds < 0 {
		return fmt.Errorf("scan interval_seconds must be non-negative")
	}
	if c.Scan.FileAgeSeconds < 0 {
		return fmt.Errorf("scan file_age_seconds must be non-negative")
	}

	for i, task := range c.Scheduler {
		var h, m int
		if _, err := fmt.Sscanf(task.Time, "%d:%d", &h, &m); err != nil {
			return fmt.Errorf("scheduler task %d: bad time %q", i, task.Time)
		}
		if h < 0 || h > 23 || m < 0 || m > 59 {
			return fmt.Errorf("scheduler task %d: time %q out of range", i, task.Time)
		}
		switch task.Command {
		case "pause", "unpause", "rate", "script":
		default:
			return fmt.Errorf("scheduler task %d: unknown command %q", i, task.Command)
		}
	}

	for i, provider := range c.Providers {
		if provider.Host == "" {
			return fmt.Errorf("provider %d: host cannot be empty", i)
		}
		if provider.Port <= 0 || provider.Port > 65535 {
			return fmt.Errorf("provider %d: port must be between 1 and 65535", i)
		}
		if provider.MaxConnections <= 0 {
			return fmt.Errorf("provider %d: max_connections must be greater than 0", i)
		}
	}

	return nil
}

// ProvidersEqual compares the providers in this config with another config for equality
func (c *Config) ProvidersEqual(other *Config) bool {
	if len(c.Providers) != len(other.Providers) {
		return false
	}

	oldMap := make(map[int]ProviderConfig)
	newMap := make(map[int]ProviderConfig)
	for _, provider := range c.Providers {
		oldMap[provider.ID] = provider
	}
	for _, provider := range other.Providers {
		newMap[provider.ID] = provider
	}

	for id, oldProvider := range oldMap {
		newProvider, exists := newMap[id]
		if !exists {
			return false
		}
		if oldProvider.Host != newProvider.Host ||
			oldProvider.Port != newProvider.Port ||
			oldProvider.Username != newProvider.Username ||
			oldProvider.Password != newProvider.Password ||
			oldProvider.MaxConnections != newProvider.MaxConnections ||
			oldProvider.TLS != newProvider.TLS ||
			oldProvider.InsecureTLS != newProvider.InsecureTLS ||
			enabledValue(oldProvider.Enabled) != enabledValue(newProvider.Enabled) {
			return false
		}
	}
	for id := range newMap {
		if _, exists := oldMap[id]; !exists {
			return false
		}
	}
	return true
}

func enabledValue(b *bool) bool {
	return b == nil || *b
}

// ChangeCallback represents a function called when configuration changes
type ChangeCallback func(oldConfig, newConfig *Config)

// ConfigGetter represents a function that returns the current configuration
type ConfigGetter func() *Config

// Manager manages configuration state and persistence
type Manager struct {
	current    *Config
	configFile string
	mutex      sync.RWMutex
	callbacks  []ChangeCallback
}

// NewManager creates a new configuration manager
func NewManager(config *Config, configFile string) *Manager {
	return &Manager{
		current:    config,
		configFile: configFile,
	}
}

// ConfigFile returns the path the manager loads from and saves to
func (m *Manager) ConfigFile() string {
	return m.configFile
}

// GetConfig returns the current configuration (thread-safe)
func (m *Manager) GetConfig() *Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// GetConfigGetter returns a function that provides the current configuration
func (m *Manager) GetConfigGetter() ConfigGetter {
	return m.GetConfig
}

// UpdateConfig updates the current configuration (thread-safe)
func (m *Manager) UpdateConfig(config *Config) error {
	m.mutex.Lock()
	// Take a deep copy of the old config so callbacks get an immutable snapshot
	var oldConfig *Config
	if m.current != nil {
		oldConfig = m.current.DeepCopy()
	}
	m.current = config
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mutex.Unlock()

	// Notify callbacks after releasing the lock
	for _, callback := range callbacks {
		callback(oldConfig, config)
	}
	return nil
}

// OnConfigChange registers a callback to be called when configuration changes
func (m *Manager) OnConfigChange(callback ChangeCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// ReloadConfig reloads configuration from file
func (m *Manager) ReloadConfig() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	viper.SetConfigFile(m.configFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", m.configFile, err)
	}

	config := DefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.current = config
	return nil
}

// SaveConfig saves the current configuration to file
func (m *Manager) SaveConfig() error {
	m.mutex.RLock()
	config := m.current
	m.mutex.RUnlock()

	if config == nil {
		return fmt.Errorf("no configuration to save")
	}
	return SaveToFile(config, m.configFile)
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	dupeEnabled := true

	return &Config{
		Server: ServerConfig{
			Port: 6789,
		},
		Paths: PathsConfig{
			MainDir:  "./downloads",
			DestDir:  "./downloads/dst",
			InterDir: "./downloads/inter",
			NzbDir:   "./downloads/nzb",
			QueueDir: "./downloads/queue",
			TempDir:  "./downloads/tmp",
		},
		Download: DownloadConfig{
			Workers:          8,
			ArticleCacheMB:   200,
			DirectWrite:      true,
			Preallocate:      false,
			SpeedLimitKB:     0,
			FlushDiskstate:   true,
			ContinuePartial:  true,
			KeepHistory:      true,
			PauseExtraPars:   true,
			EventIntervalSec: 0,
		},
		Dupe: DupeConfig{
			Enabled: &dupeEnabled,
		},
		PostProcess: PostProcessConfig{
			ParCheck:           false,
			ParRepair:          true,
			ParTimeLimitMin:    0,
			Unpack:             true,
			CleanupExt:         []string{".par2", ".sfv"},
			ScriptGraceSeconds: 5,
		},
		Scan: ScanConfig{
			IntervalSeconds: 5,
			FileAgeSeconds:  60,
		},
		Log: LogConfig{
			File:       "",     // Empty = console only
			Level:      "info", // Default log level
			MaxSize:    100,    // 100MB max size
			MaxAge:     30,     // Keep for 30 days
			MaxBackups: 10,     // Keep 10 old files
			Compress:   true,   // Compress old files
		},
		Providers: []ProviderConfig{},
	}
}

// SaveToFile saves a configuration to a YAML file
func SaveToFile(config *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("no config file path provided")
	}

	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadConfig loads configuration from file and merges with defaults
func LoadConfig(configFile string) (*Config, error) {
	config := DefaultConfig()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if configFile != "" {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		return nil, fmt.Errorf("no configuration file found. Please create config.yaml or use --config flag")
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// GetConfigFilePath returns the configuration file path used by viper
func GetConfigFilePath() string {
	return viper.ConfigFileUsed()
}
