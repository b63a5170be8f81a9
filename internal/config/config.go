package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models missionline.yml.
type Config struct {
	Marketplace struct {
		ID string `yaml:"id"`
	} `yaml:"marketplace"`
	Ranker  RankerConfig `yaml:"ranker"`
	Policy  PolicyConfig `yaml:"policy"`
	Windows struct {
		DefaultBiddingMinutes int `yaml:"default_bidding_minutes"`
		BondDeadlineMinutes   int `yaml:"bond_deadline_minutes"`
	} `yaml:"windows"`
	Chain struct {
		MaxBondAttempts       int `yaml:"max_bond_attempts"`
		MaxSettlementAttempts int `yaml:"max_settlement_attempts"`
	} `yaml:"chain"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// RankerConfig holds the fixed scoring weights. Scores are absolute per bid:
// price is normalized against the mission escrow, eta against the horizon,
// bond against the bid price and reputation against a 0..100 scale.
type RankerConfig struct {
	PriceWeight       float64 `yaml:"price_weight"`
	EtaWeight         float64 `yaml:"eta_weight"`
	BondWeight        float64 `yaml:"bond_weight"`
	ReputationWeight  float64 `yaml:"reputation_weight"`
	EtaHorizonMinutes int     `yaml:"eta_horizon_minutes"`
}

// PolicyConfig gates bid eligibility. Zero values disable a check, so by
// default the bond is validated only for presence.
type PolicyConfig struct {
	MinBond              float64 `yaml:"min_bond"`
	MinReputation        float64 `yaml:"min_reputation"`
	MaxActiveAssignments int     `yaml:"max_active_assignments"`
	StartingReputation   float64 `yaml:"starting_reputation"`
	SettleReward         float64 `yaml:"settle_reward"`
	DisputePenalty       float64 `yaml:"dispute_penalty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Decisions      []string `yaml:"decisions,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// BiddingWindow returns the default window duration.
func (c *Config) BiddingWindow() time.Duration {
	return time.Duration(c.Windows.DefaultBiddingMinutes) * time.Minute
}

// BondDeadline returns how long a winner has to post its bond.
func (c *Config) BondDeadline() time.Duration {
	return time.Duration(c.Windows.BondDeadlineMinutes) * time.Minute
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with ml config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.ID == "" {
		return fmt.Errorf("config.marketplace.id is required")
	}
	w := c.Ranker
	for _, pair := range []struct {
		name  string
		value float64
	}{
		{"price_weight", w.PriceWeight},
		{"eta_weight", w.EtaWeight},
		{"bond_weight", w.BondWeight},
		{"reputation_weight", w.ReputationWeight},
	} {
		if pair.value < 0 {
			return fmt.Errorf("config.ranker.%s must not be negative", pair.name)
		}
	}
	if w.PriceWeight+w.EtaWeight+w.BondWeight+w.ReputationWeight <= 0 {
		return fmt.Errorf("config.ranker weights must not all be zero")
	}
	if w.EtaHorizonMinutes <= 0 {
		return fmt.Errorf("config.ranker.eta_horizon_minutes must be positive")
	}
	if c.Windows.DefaultBiddingMinutes <= 0 {
		return fmt.Errorf("config.windows.default_bidding_minutes must be positive")
	}
	if c.Windows.BondDeadlineMinutes <= 0 {
		return fmt.Errorf("config.windows.bond_deadline_minutes must be positive")
	}
	if c.Policy.MinBond < 0 {
		return fmt.Errorf("config.policy.min_bond must not be negative")
	}
	if c.Policy.MaxActiveAssignments < 0 {
		return fmt.Errorf("config.policy.max_active_assignments must not be negative")
	}
	if c.Chain.MaxBondAttempts <= 0 {
		return fmt.Errorf("config.chain.max_bond_attempts must be positive")
	}
	if c.Chain.MaxSettlementAttempts <= 0 {
		return fmt.Errorf("config.chain.max_settlement_attempts must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketplaceID string) string {
	return fmt.Sprintf(defaultTemplate, marketplaceID)
}

// Default returns the default Config struct for a marketplace.
func Default(marketplaceID string) *Config {
	var cfg Config
	cfg.Marketplace.ID = marketplaceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, marketplaceID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `marketplace:
  id: %s

ranker:
  price_weight: 0.35
  eta_weight: 0.15
  bond_weight: 0.25
  reputation_weight: 0.25
  eta_horizon_minutes: 480

policy:
  min_bond: 0
  min_reputation: 0
  max_active_assignments: 3
  starting_reputation: 50
  settle_reward: 5
  dispute_penalty: 3

windows:
  default_bidding_minutes: 60
  bond_deadline_minutes: 30

chain:
  max_bond_attempts: 3
  max_settlement_attempts: 5
`
