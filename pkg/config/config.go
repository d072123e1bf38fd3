package config

// Package config provides a reusable loader for Quorumchain configuration
// files and environment variables. It is versioned so that applications
// can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"quorumchain/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config mirrors the YAML files under cmd/config and covers every
// recognized tuning option of the node.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		GatewayAddr    string   `mapstructure:"gateway_addr" json:"gateway_addr"`
	} `mapstructure:"network" json:"network"`

	Peers struct {
		K                        int `mapstructure:"k" json:"k"`
		MaxPendingPeers          int `mapstructure:"max_pending_peers" json:"max_pending_peers"`
		MaxPeersPerSubnet        int `mapstructure:"max_peers_per_subnet" json:"max_peers_per_subnet"`
		EvictionChallengeTimeout int `mapstructure:"eviction_challenge_timeout_secs" json:"eviction_challenge_timeout_secs"`
		VerifyDeadlineSecs       int `mapstructure:"verify_deadline_secs" json:"verify_deadline_secs"`
	} `mapstructure:"peers" json:"peers"`

	Bus struct {
		ReplayWindowSecs       int `mapstructure:"replay_window_secs" json:"replay_window_secs"`
		TimestampPastTolerance int `mapstructure:"timestamp_tolerance_secs" json:"timestamp_tolerance_secs"`
		TimestampFutureSecs    int `mapstructure:"timestamp_future_secs" json:"timestamp_future_secs"`
	} `mapstructure:"bus" json:"bus"`

	Mempool struct {
		MaxTransactions int    `mapstructure:"max_transactions" json:"max_transactions"`
		MaxPerAccount   int    `mapstructure:"max_per_account" json:"max_per_account"`
		MinGasPrice     uint64 `mapstructure:"min_gas_price" json:"min_gas_price"`
	} `mapstructure:"mempool" json:"mempool"`

	Consensus struct {
		BaseTimeoutMS   int `mapstructure:"base_timeout_ms" json:"base_timeout_ms"`
		MaxViewExponent int `mapstructure:"max_view_exponent" json:"max_view_exponent"`
	} `mapstructure:"consensus" json:"consensus"`

	Assembly struct {
		TimeoutSecs int `mapstructure:"assembly_timeout_secs" json:"assembly_timeout_secs"`
		MaxPending  int `mapstructure:"max_pending_assemblies" json:"max_pending_assemblies"`
	} `mapstructure:"assembly" json:"assembly"`

	Finality struct {
		EpochLength      int `mapstructure:"epoch_length" json:"epoch_length"`
		BreakerWindow    int `mapstructure:"breaker_window" json:"breaker_window"`
		BreakerThreshold int `mapstructure:"breaker_threshold" json:"breaker_threshold"`
	} `mapstructure:"finality" json:"finality"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("QCHAIN")
	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the QCHAIN_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("QCHAIN_ENV", ""))
}
