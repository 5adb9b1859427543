package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything an agent process needs at startup.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Server     ServerConfig     `yaml:"server"`
	Network    NetworkConfig    `yaml:"network"`
	Asset      AssetConfig      `yaml:"asset"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Credential CredentialConfig `yaml:"credential"`
	Settlement SettlementConfig `yaml:"settlement"`
	NonceStore NonceStoreConfig `yaml:"nonce_store"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Buyer      BuyerConfig      `yaml:"buyer"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AgentConfig identifies the agent and its role in the exchange.
type AgentConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Role          string `yaml:"role"` // seller | buyer | supervisor
	PrivateKeyEnv string `yaml:"private_key_env"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metrics_address"`
}

// NetworkConfig describes the ledger the agent settles against.
type NetworkConfig struct {
	Name            string `yaml:"name"`
	ChainID         int64  `yaml:"chain_id"`
	RPCURL          string `yaml:"rpc_url"`
	ExplorerBaseURL string `yaml:"explorer_base_url"`
	CallTimeoutSecs int    `yaml:"call_timeout_seconds"`
}

// AssetConfig describes the fungible token used for payment.
type AssetConfig struct {
	Address       string `yaml:"address"`
	Decimals      int32  `yaml:"decimals"`
	DomainName    string `yaml:"domain_name"`
	DomainVersion string `yaml:"domain_version"`
}

// PricingConfig controls what the seller charges.
type PricingConfig struct {
	PriceMicroUnits   int64 `yaml:"price_micro_units"`
	SellerFeePercent  int64 `yaml:"seller_fee_percent"`
	CreditsPerTrade   int64 `yaml:"credits_per_trade"`
	MaxTimeoutSeconds int64 `yaml:"max_timeout_seconds"`
}

// CredentialConfig bounds issued credentials.
type CredentialConfig struct {
	TTLMinutes           int   `yaml:"ttl_minutes"`
	MaxCreditsPerKey     int64 `yaml:"max_credits_per_key"`
	SweepIntervalSeconds int   `yaml:"sweep_interval_seconds"`
}

// SettlementConfig selects and tunes the settlement backend.
type SettlementConfig struct {
	Mode           string `yaml:"mode"` // direct | facilitator
	FacilitatorURL string `yaml:"facilitator_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// NonceStoreConfig selects the consumed-nonce store backing.
type NonceStoreConfig struct {
	Driver string      `yaml:"driver"` // memory | redis
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EventBusConfig tunes the in-process event bus and its optional forwarder.
type EventBusConfig struct {
	Capacity    int            `yaml:"capacity"`
	ReplayDepth int            `yaml:"replay_depth"`
	RabbitMQ    RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig configures the optional broker forwarder.
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// BuyerConfig tunes the buyer role.
type BuyerConfig struct {
	CounterpartURL         string `yaml:"counterpart_url"`
	CreditsThreshold       int64  `yaml:"credits_threshold"`
	PurchaseCredits        int64  `yaml:"purchase_credits"`
	MonitorIntervalSeconds int    `yaml:"monitor_interval_seconds"`
}

// SweepConfig controls the periodic trade prune.
type SweepConfig struct {
	TradeMaxAgeHours     int `yaml:"trade_max_age_hours"`
	PruneIntervalMinutes int `yaml:"prune_interval_minutes"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
}

// Load parses the YAML configuration at path and applies defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.Role == "" {
		c.Agent.Role = "seller"
	}
	if c.Agent.PrivateKeyEnv == "" {
		c.Agent.PrivateKeyEnv = "AGENTPAY_PRIVATE_KEY"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":3001"
	}
	if c.Network.CallTimeoutSecs <= 0 {
		c.Network.CallTimeoutSecs = 15
	}
	if c.Asset.Decimals == 0 {
		c.Asset.Decimals = 6
	}
	if c.Asset.DomainName == "" {
		c.Asset.DomainName = "USDC"
	}
	if c.Asset.DomainVersion == "" {
		c.Asset.DomainVersion = "2"
	}
	if c.Pricing.PriceMicroUnits <= 0 {
		c.Pricing.PriceMicroUnits = 1100
	}
	if c.Pricing.SellerFeePercent <= 0 {
		c.Pricing.SellerFeePercent = 10
	}
	if c.Pricing.CreditsPerTrade <= 0 {
		c.Pricing.CreditsPerTrade = 10
	}
	if c.Pricing.MaxTimeoutSeconds <= 0 {
		c.Pricing.MaxTimeoutSeconds = 60
	}
	if c.Credential.TTLMinutes <= 0 {
		c.Credential.TTLMinutes = 60
	}
	if c.Credential.MaxCreditsPerKey <= 0 {
		c.Credential.MaxCreditsPerKey = 10
	}
	if c.Credential.SweepIntervalSeconds <= 0 {
		c.Credential.SweepIntervalSeconds = 300
	}
	if c.Settlement.Mode == "" {
		if c.Settlement.FacilitatorURL != "" {
			c.Settlement.Mode = "facilitator"
		} else {
			c.Settlement.Mode = "direct"
		}
	}
	if c.Settlement.TimeoutSeconds <= 0 {
		c.Settlement.TimeoutSeconds = 60
	}
	if c.NonceStore.Driver == "" {
		c.NonceStore.Driver = "memory"
	}
	if c.NonceStore.Redis.KeyPrefix == "" {
		c.NonceStore.Redis.KeyPrefix = "agentpay:nonce:"
	}
	if c.EventBus.Capacity <= 0 {
		c.EventBus.Capacity = 1000
	}
	if c.EventBus.ReplayDepth <= 0 {
		c.EventBus.ReplayDepth = 10
	}
	if c.EventBus.RabbitMQ.Queue == "" {
		c.EventBus.RabbitMQ.Queue = "agentpay.events"
	}
	if c.Buyer.CreditsThreshold <= 0 {
		c.Buyer.CreditsThreshold = 5
	}
	if c.Buyer.PurchaseCredits <= 0 {
		c.Buyer.PurchaseCredits = 10
	}
	if c.Buyer.MonitorIntervalSeconds <= 0 {
		c.Buyer.MonitorIntervalSeconds = 600
	}
	if c.Sweep.TradeMaxAgeHours <= 0 {
		c.Sweep.TradeMaxAgeHours = 24
	}
	if c.Sweep.PruneIntervalMinutes <= 0 {
		c.Sweep.PruneIntervalMinutes = 10
	}
}

func (c *Config) validate() error {
	if c.Agent.ID == "" {
		return errors.New("agent.id is required")
	}
	switch c.Agent.Role {
	case "seller", "buyer", "supervisor":
	default:
		return fmt.Errorf("unknown agent role: %s", c.Agent.Role)
	}
	if c.Network.Name == "" || c.Network.ChainID == 0 {
		return errors.New("network.name and network.chain_id are required")
	}
	if c.Network.RPCURL == "" {
		return errors.New("network.rpc_url is required")
	}
	if c.Asset.Address == "" {
		return errors.New("asset.address is required")
	}
	switch c.Settlement.Mode {
	case "direct":
	case "facilitator":
		if c.Settlement.FacilitatorURL == "" {
			return errors.New("settlement.facilitator_url is required in facilitator mode")
		}
	default:
		return fmt.Errorf("unknown settlement mode: %s", c.Settlement.Mode)
	}
	switch c.NonceStore.Driver {
	case "memory":
	case "redis":
		if c.NonceStore.Redis.Address == "" {
			return errors.New("nonce_store.redis.address is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown nonce store driver: %s", c.NonceStore.Driver)
	}
	if c.Agent.Role == "buyer" && c.Buyer.CounterpartURL == "" {
		return errors.New("buyer.counterpart_url is required for the buyer role")
	}
	return nil
}

// CallTimeout returns the ledger call timeout as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Network.CallTimeoutSecs) * time.Second
}

// SettlementTimeout returns the settlement timeout as a duration.
func (c *Config) SettlementTimeout() time.Duration {
	return time.Duration(c.Settlement.TimeoutSeconds) * time.Second
}
