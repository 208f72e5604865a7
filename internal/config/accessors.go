package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/javi11/nzbd/internal/nntp"
)

// Duration accessors with default fallbacks. These provide safe access to
// interval values when the config leaves them unset or invalid.

// GetScanInterval returns the incoming-directory scan interval.
func (c *Config) GetScanInterval() time.Duration {
	if c.Scan.IntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Scan.IntervalSeconds) * time.Second
}

// GetScanMinAge returns how long an incoming file must be unchanged before
// it is admitted.
func (c *Config) GetScanMinAge() time.Duration {
	if c.Scan.FileAgeSeconds < 0 {
		return 0
	}
	return time.Duration(c.Scan.FileAgeSeconds) * time.Second
}

// GetScriptGrace returns how long a terminated script gets between SIGTERM
// and SIGKILL.
func (c *Config) GetScriptGrace() time.Duration {
	if c.PostProcess.ScriptGraceSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PostProcess.ScriptGraceSeconds) * time.Second
}

// GetEventInterval returns the FILE_DOWNLOADED queue-script cooldown.
// Negative disables the event entirely.
func (c *Config) GetEventInterval() time.Duration {
	return time.Duration(c.Download.EventIntervalSec) * time.Second
}

// GetParTimeLimit returns the par-check time budget; zero means unlimited.
func (c *Config) GetParTimeLimit() time.Duration {
	if c.PostProcess.ParTimeLimitMin <= 0 {
		return 0
	}
	return time.Duration(c.PostProcess.ParTimeLimitMin) * time.Minute
}

// GetArticleCacheBytes returns the article cache budget in bytes.
func (c *Config) GetArticleCacheBytes() int64 {
	if c.Download.ArticleCacheMB <= 0 {
		return 0
	}
	return int64(c.Download.ArticleCacheMB) * 1024 * 1024
}

// GetSpeedLimitBytes returns the download rate limit in bytes per second;
// zero means unlimited.
func (c *Config) GetSpeedLimitBytes() int64 {
	if c.Download.SpeedLimitKB <= 0 {
		return 0
	}
	return c.Download.SpeedLimitKB * 1024
}

// GetDupeCheck reports whether the duplicate coordinator is active.
func (c *Config) GetDupeCheck() bool {
	return c.Dupe.Enabled == nil || *c.Dupe.Enabled
}

// ResolvePath makes relative paths absolute against MainDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.MainDir, p)
}

// ToProviders converts enabled provider entries into pool providers.
func (c *Config) ToProviders() []nntp.Provider {
	providers := make([]nntp.Provider, 0, len(c.Providers))
	for i, p := range c.Providers {
		if p.Enabled != nil && !*p.Enabled {
			continue
		}
		id := p.ID
		if id == 0 {
			id = i + 1
		}
		providers = append(providers, nntp.Provider{
			ID:             id,
			Host:           p.Host,
			Port:           p.Port,
			Username:       p.Username,
			Password:       p.Password,
			TLS:            p.TLS,
			InsecureTLS:    p.InsecureTLS,
			MaxConnections: p.MaxConnections,
		})
	}
	return providers
}

// Options flattens the configuration into the option map exposed to
// scripts. Keys follow the classic option names scripts expect.
func (c *Config) Options() map[string]string {
	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}

	opts := map[string]string{
		"MAINDIR":      c.Paths.MainDir,
		"DESTDIR":      c.ResolvePath(c.Paths.DestDir),
		"INTERDIR":     c.ResolvePath(c.Paths.InterDir),
		"NZBDIR":       c.ResolvePath(c.Paths.NzbDir),
		"QUEUEDIR":     c.ResolvePath(c.Paths.QueueDir),
		"TEMPDIR":      c.ResolvePath(c.Paths.TempDir),
		"PARCHECK":     yesNo(c.PostProcess.ParCheck),
		"PARREPAIR":    yesNo(c.PostProcess.ParRepair),
		"PARTIMELIMIT": strconv.Itoa(c.PostProcess.ParTimeLimitMin),
		"UNPACK":       yesNo(c.PostProcess.Unpack),
		"EXTCLEANUPDISK": strings.Join(c.PostProcess.CleanupExt, ", "),
		"KEEPHISTORY":  yesNo(c.Download.KeepHistory),
		"DUPECHECK":    yesNo(c.GetDupeCheck()),
		"DOWNLOADRATE": strconv.FormatInt(c.Download.SpeedLimitKB, 10),
		"ARTICLECACHE": strconv.Itoa(c.Download.ArticleCacheMB),
		"DIRECTWRITE":  yesNo(c.Download.DirectWrite),
	}
	for i, p := range c.Providers {
		n := i + 1
		opts[fmt.Sprintf("SERVER%d.HOST", n)] = p.Host
		opts[fmt.Sprintf("SERVER%d.PORT", n)] = strconv.Itoa(p.Port)
		opts[fmt.Sprintf("SERVER%d.CONNECTIONS", n)] = strconv.Itoa(p.MaxConnections)
	}
	return opts
}
