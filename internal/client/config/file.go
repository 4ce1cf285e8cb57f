package config

import (
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/timex"
)

// fileConfig is the DTO for config files. timex.Duration lets files give
// intervals as "3s" or as integer nanoseconds. Only keys present in the
// file override the defaults.
type fileConfig struct {
	DataDir             *string         `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	ServerEndpointAddr  *string         `json:"server_endpoint_addr" yaml:"server_endpoint_addr" toml:"server_endpoint_addr"`
	AccessToken         *string         `json:"access_token" yaml:"access_token" toml:"access_token"`
	OnlineCheckInterval *timex.Duration `json:"online_check_interval" yaml:"online_check_interval" toml:"online_check_interval"`
	OpenTimeout         *timex.Duration `json:"open_timeout" yaml:"open_timeout" toml:"open_timeout"`
	BlockedRetryDelay   *timex.Duration `json:"blocked_retry_delay" yaml:"blocked_retry_delay" toml:"blocked_retry_delay"`
	LegacyFile          *string         `json:"legacy_file" yaml:"legacy_file" toml:"legacy_file"`
	FetchDelayMin       *timex.Duration `json:"fetch_delay_min" yaml:"fetch_delay_min" toml:"fetch_delay_min"`
	FetchDelayMax       *timex.Duration `json:"fetch_delay_max" yaml:"fetch_delay_max" toml:"fetch_delay_max"`
	FetchTimeout        *timex.Duration `json:"fetch_timeout" yaml:"fetch_timeout" toml:"fetch_timeout"`
	ReconnectBackoff    *timex.Duration `json:"reconnect_backoff" yaml:"reconnect_backoff" toml:"reconnect_backoff"`
	BroadcastDir        *string         `json:"broadcast_dir" yaml:"broadcast_dir" toml:"broadcast_dir"`
	BroadcastTTL        *timex.Duration `json:"broadcast_ttl" yaml:"broadcast_ttl" toml:"broadcast_ttl"`
	UIAddr              *string         `json:"ui_addr" yaml:"ui_addr" toml:"ui_addr"`
	LogLevel            *string         `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFile             *string         `json:"log_file" yaml:"log_file" toml:"log_file"`
}

func (fc *fileConfig) apply(cfg *Config) {
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.ServerEndpointAddr, fc.ServerEndpointAddr)
	setString(&cfg.AccessToken, fc.AccessToken)
	setDuration(&cfg.OnlineCheckInterval, fc.OnlineCheckInterval)
	setDuration(&cfg.OpenTimeout, fc.OpenTimeout)
	setDuration(&cfg.BlockedRetryDelay, fc.BlockedRetryDelay)
	setString(&cfg.LegacyFile, fc.LegacyFile)
	setDuration(&cfg.FetchDelayMin, fc.FetchDelayMin)
	setDuration(&cfg.FetchDelayMax, fc.FetchDelayMax)
	setDuration(&cfg.FetchTimeout, fc.FetchTimeout)
	setDuration(&cfg.ReconnectBackoff, fc.ReconnectBackoff)
	setString(&cfg.BroadcastDir, fc.BroadcastDir)
	setDuration(&cfg.BroadcastTTL, fc.BroadcastTTL)
	setString(&cfg.UIAddr, fc.UIAddr)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFile, fc.LogFile)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
