package config

import "github.com/dmitrijs2005/fieldsync/internal/timex"

// fileConfig is the DTO for config files; only keys present override.
type fileConfig struct {
	EndpointAddrGRPC *string         `json:"endpoint_addr_grpc" yaml:"endpoint_addr_grpc" toml:"endpoint_addr_grpc"`
	DatabaseDSN      *string         `json:"database_dsn" yaml:"database_dsn" toml:"database_dsn"`
	SecretKey        *string         `json:"secret_key" yaml:"secret_key" toml:"secret_key"`
	TokenValidity    *timex.Duration `json:"token_validity" yaml:"token_validity" toml:"token_validity"`
	LogLevel         *string         `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFile          *string         `json:"log_file" yaml:"log_file" toml:"log_file"`
}

func (fc *fileConfig) apply(cfg *Config) {
	if fc.EndpointAddrGRPC != nil {
		cfg.EndpointAddrGRPC = *fc.EndpointAddrGRPC
	}
	if fc.DatabaseDSN != nil {
		cfg.DatabaseDSN = *fc.DatabaseDSN
	}
	if fc.SecretKey != nil {
		cfg.SecretKey = *fc.SecretKey
	}
	if fc.TokenValidity != nil {
		cfg.TokenValidity = fc.TokenValidity.Duration
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.LogFile != nil {
		cfg.LogFile = *fc.LogFile
	}
}
