package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full node configuration, one section per component.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Quorum    QuorumConfig    `mapstructure:"quorum"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Fork      ForkConfig      `mapstructure:"fork"`
	Signature SignatureConfig `mapstructure:"signature"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// NodeConfig holds the local node identity and storage settings
type NodeConfig struct {
	Port           int    `mapstructure:"port"`
	DataDir        string `mapstructure:"data_dir"`
	KeyFile        string `mapstructure:"key_file"`
	MaxActivePeers int    `mapstructure:"max_active_peers"`
}

// QuorumConfig holds adaptive quorum manager settings
type QuorumConfig struct {
	DetectionWindow    time.Duration `mapstructure:"detection_window"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	StabilityThreshold float64       `mapstructure:"stability_threshold"`
}

// ConsensusConfig holds sampling consensus engine settings
type ConsensusConfig struct {
	SampleSize            int           `mapstructure:"sample_size"`
	Beta                  uint32        `mapstructure:"beta"`
	FinalizationThreshold float64       `mapstructure:"finalization_threshold"`
	MaxRounds             uint64        `mapstructure:"max_rounds"`
	MinNetworkSize        int           `mapstructure:"min_network_size"`
	QueryTimeout          time.Duration `mapstructure:"query_timeout"`
}

// ForkConfig holds fork detector and resolver settings
type ForkConfig struct {
	MinWeightAdvantage float64       `mapstructure:"min_weight_advantage"`
	ResolutionTimeout  time.Duration `mapstructure:"resolution_timeout"`
	MaxChainWalk       int           `mapstructure:"max_chain_walk"`
}

// SignatureConfig holds multi-signature aggregator settings
type SignatureConfig struct {
	Threshold       float64       `mapstructure:"threshold"`
	MaxSignatureAge time.Duration `mapstructure:"max_signature_age"`
}

// RecoveryConfig holds peer recovery manager settings
type RecoveryConfig struct {
	InitialBackoff       time.Duration `mapstructure:"initial_backoff"`
	BackoffMultiplier    float64       `mapstructure:"backoff_multiplier"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	ConnectionTimeout    time.Duration `mapstructure:"connection_timeout"`
	StateTransferTimeout time.Duration `mapstructure:"state_transfer_timeout"`
	MonitorInterval      time.Duration `mapstructure:"monitor_interval"`
}

// SyncConfig holds state synchronizer settings
type SyncConfig struct {
	LargeGapThreshold uint64 `mapstructure:"large_gap_threshold"`
	BatchSize         uint64 `mapstructure:"batch_size"`
}

// MetricsConfig holds the metrics listener settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads configuration in priority order: defaults, then an optional
// config file, then DAGMESH_-prefixed environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configPath)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("DAGMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.port", 9520)
	v.SetDefault("node.data_dir", "data")
	v.SetDefault("node.key_file", "data/node.key")
	v.SetDefault("node.max_active_peers", 128)

	v.SetDefault("quorum.detection_window", 300*time.Second)
	v.SetDefault("quorum.cooldown", 600*time.Second)
	v.SetDefault("quorum.stability_threshold", 0.8)

	v.SetDefault("consensus.sample_size", 30)
	v.SetDefault("consensus.beta", 20)
	v.SetDefault("consensus.finalization_threshold", 0.95)
	v.SetDefault("consensus.max_rounds", 1000)
	v.SetDefault("consensus.min_network_size", 100)
	v.SetDefault("consensus.query_timeout", 10*time.Second)

	v.SetDefault("fork.min_weight_advantage", 0.10)
	v.SetDefault("fork.resolution_timeout", 300*time.Second)
	v.SetDefault("fork.max_chain_walk", 1_000_000)

	v.SetDefault("signature.threshold", 0.67)
	v.SetDefault("signature.max_signature_age", 300*time.Second)

	v.SetDefault("recovery.initial_backoff", time.Second)
	v.SetDefault("recovery.backoff_multiplier", 2.0)
	v.SetDefault("recovery.max_backoff", 60*time.Second)
	v.SetDefault("recovery.max_attempts", 5)
	v.SetDefault("recovery.connection_timeout", 5*time.Second)
	v.SetDefault("recovery.state_transfer_timeout", 30*time.Second)
	v.SetDefault("recovery.monitor_interval", 5*time.Second)

	v.SetDefault("sync.large_gap_threshold", 1000)
	v.SetDefault("sync.batch_size", 100)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9620)
}

// Validate rejects configurations that would compromise safety
func Validate(c *Config) error {
	if c.Consensus.SampleSize <= 0 {
		return fmt.Errorf("consensus.sample_size must be positive, got %d", c.Consensus.SampleSize)
	}
	if c.Node.MaxActivePeers <= 0 {
		return fmt.Errorf("node.max_active_peers must be positive, got %d", c.Node.MaxActivePeers)
	}
	if c.Consensus.MinNetworkSize <= 0 {
		return fmt.Errorf("consensus.min_network_size must be positive, got %d", c.Consensus.MinNetworkSize)
	}
	if c.Consensus.FinalizationThreshold <= 0.5 || c.Consensus.FinalizationThreshold > 1.0 {
		return fmt.Errorf("consensus.finalization_threshold must be in (0.5, 1.0], got %f", c.Consensus.FinalizationThreshold)
	}
	if c.Signature.Threshold <= 0.5 || c.Signature.Threshold > 1.0 {
		return fmt.Errorf("signature.threshold must be in (0.5, 1.0], got %f", c.Signature.Threshold)
	}
	if c.Fork.MinWeightAdvantage < 0 {
		return fmt.Errorf("fork.min_weight_advantage must not be negative, got %f", c.Fork.MinWeightAdvantage)
	}
	if c.Recovery.BackoffMultiplier < 1.0 {
		return fmt.Errorf("recovery.backoff_multiplier must be at least 1.0, got %f", c.Recovery.BackoffMultiplier)
	}
	if c.Recovery.MaxAttempts <= 0 {
		return fmt.Errorf("recovery.max_attempts must be positive, got %d", c.Recovery.MaxAttempts)
	}
	if c.Sync.BatchSize == 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	return nil
}
