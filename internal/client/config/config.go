package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/flagx"
	"github.com/spf13/pflag"
)

// Config holds runtime settings for the device agent.
type Config struct {
	DataDir             string
	ServerEndpointAddr  string
	AccessToken         string
	OnlineCheckInterval time.Duration

	// Local store.
	OpenTimeout       time.Duration
	BlockedRetryDelay time.Duration
	LegacyFile        string

	// Reconciliation.
	FetchDelayMin    time.Duration
	FetchDelayMax    time.Duration
	FetchTimeout     time.Duration
	ReconnectBackoff time.Duration

	// BroadcastDir is the spool directory shared by agents on this device.
	// Empty keeps notices inside this process.
	BroadcastDir string
	BroadcastTTL time.Duration
	UIAddr       string

	LogLevel string
	LogFile  string
}

// Defaults returns the built-in settings.
func Defaults() *Config {
	return &Config{
		DataDir:             "data",
		ServerEndpointAddr:  "127.0.0.1:50051",
		OnlineCheckInterval: 3 * time.Second,
		OpenTimeout:         8 * time.Second,
		BlockedRetryDelay:   250 * time.Millisecond,
		FetchDelayMin:       500 * time.Millisecond,
		FetchDelayMax:       800 * time.Millisecond,
		FetchTimeout:        15 * time.Second,
		ReconnectBackoff:    2 * time.Second,
		BroadcastTTL:        time.Minute,
		UIAddr:              "127.0.0.1:7420",
		LogLevel:            "info",
	}
}

// DBPath is the local store file inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "fieldsync.db")
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.FetchDelayMin < 0 || c.FetchDelayMax < c.FetchDelayMin {
		return fmt.Errorf("fetch_delay_max (%s) must not be below fetch_delay_min (%s)", c.FetchDelayMax, c.FetchDelayMin)
	}
	if c.OnlineCheckInterval <= 0 {
		return fmt.Errorf("online_check_interval must be positive")
	}
	return nil
}

// Loader binds the agent flags and layers defaults, file and flags.
type Loader struct {
	file  string
	flags Config
}

// Bind registers the agent flags on fs.
func (l *Loader) Bind(fs *pflag.FlagSet) {
	d := Defaults()
	flagx.ConfigFlag(fs, &l.file)

	fs.StringVarP(&l.flags.DataDir, "data-dir", "d", d.DataDir, "directory for the local store")
	fs.StringVarP(&l.flags.ServerEndpointAddr, "addr", "a", d.ServerEndpointAddr, "address and port of the sync gateway")
	fs.StringVar(&l.flags.AccessToken, "token", "", "access token for the sync gateway")
	fs.DurationVarP(&l.flags.OnlineCheckInterval, "online-check-interval", "i", d.OnlineCheckInterval, "gateway reachability check interval")
	fs.DurationVar(&l.flags.OpenTimeout, "open-timeout", d.OpenTimeout, "local store open timeout")
	fs.DurationVar(&l.flags.BlockedRetryDelay, "blocked-retry-delay", d.BlockedRetryDelay, "pause before retrying a blocked store open")
	fs.StringVar(&l.flags.LegacyFile, "legacy-file", "", "legacy key/value export to import once")
	fs.DurationVar(&l.flags.FetchDelayMin, "fetch-delay-min", d.FetchDelayMin, "minimum delay before fetching a noticed change")
	fs.DurationVar(&l.flags.FetchDelayMax, "fetch-delay-max", d.FetchDelayMax, "maximum delay before fetching a noticed change")
	fs.DurationVar(&l.flags.FetchTimeout, "fetch-timeout", d.FetchTimeout, "timeout of one fetch and merge cycle")
	fs.DurationVar(&l.flags.ReconnectBackoff, "reconnect-backoff", d.ReconnectBackoff, "pause before resubscribing a failed feed")
	fs.StringVar(&l.flags.BroadcastDir, "broadcast-dir", "", "spool directory shared with other agents on this device")
	fs.DurationVar(&l.flags.BroadcastTTL, "broadcast-ttl", d.BroadcastTTL, "age after which spooled notices are swept")
	fs.StringVar(&l.flags.UIAddr, "ui-addr", d.UIAddr, "listen address of the page feed, empty to disable")
	fs.StringVar(&l.flags.LogLevel, "log-level", d.LogLevel, "debug, info, warn or error")
	fs.StringVar(&l.flags.LogFile, "log-file", "", "write logs to a rotated file instead of stderr")
}

// Load builds the Config after fs was parsed.
func (l *Loader) Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := Defaults()

	if l.file != "" {
		var fc fileConfig
		if err := flagx.DecodeFile(l.file, &fc); err != nil {
			return nil, err
		}
		fc.apply(cfg)
	}

	f := &l.flags
	flagx.Visit(fs, map[string]func(){
		"data-dir":              func() { cfg.DataDir = f.DataDir },
		"addr":                  func() { cfg.ServerEndpointAddr = f.ServerEndpointAddr },
		"token":                 func() { cfg.AccessToken = f.AccessToken },
		"online-check-interval": func() { cfg.OnlineCheckInterval = f.OnlineCheckInterval },
		"open-timeout":          func() { cfg.OpenTimeout = f.OpenTimeout },
		"blocked-retry-delay":   func() { cfg.BlockedRetryDelay = f.BlockedRetryDelay },
		"legacy-file":           func() { cfg.LegacyFile = f.LegacyFile },
		"fetch-delay-min":       func() { cfg.FetchDelayMin = f.FetchDelayMin },
		"fetch-delay-max":       func() { cfg.FetchDelayMax = f.FetchDelayMax },
		"fetch-timeout":         func() { cfg.FetchTimeout = f.FetchTimeout },
		"reconnect-backoff":     func() { cfg.ReconnectBackoff = f.ReconnectBackoff },
		"broadcast-dir":         func() { cfg.BroadcastDir = f.BroadcastDir },
		"broadcast-ttl":         func() { cfg.BroadcastTTL = f.BroadcastTTL },
		"ui-addr":               func() { cfg.UIAddr = f.UIAddr },
		"log-level":             func() { cfg.LogLevel = f.LogLevel },
		"log-file":              func() { cfg.LogFile = f.LogFile },
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
