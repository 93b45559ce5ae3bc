package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models tradeyard.yml.
type Config struct {
	Market struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
		Name string `yaml:"name"`
	} `yaml:"market"`
	Risk         Risk         `yaml:"risk"`
	Relationship Relationship `yaml:"relationship"`
	Match        Match        `yaml:"match"`
	Outbox       Outbox       `yaml:"outbox"`
	Intents      struct {
		DefaultTTLHours int `yaml:"default_ttl_hours"`
	} `yaml:"intents"`
}

// Risk tunes the admission gate.
type Risk struct {
	PassThreshold int `yaml:"pass_threshold"`
	WarnThreshold int `yaml:"warn_threshold"`
	Model         struct {
		URL       string  `yaml:"url"`
		TimeoutMS int     `yaml:"timeout_ms"`
		Weight    float64 `yaml:"weight"`
	} `yaml:"model"`
}

// Relationship tunes the pairwise history scorer.
type Relationship struct {
	Weights struct {
		Payment  float64 `yaml:"payment"`
		Delivery float64 `yaml:"delivery"`
		Quality  float64 `yaml:"quality"`
		Dispute  float64 `yaml:"dispute"`
	} `yaml:"weights"`
	WarnThreshold  float64 `yaml:"warn_threshold"`
	BlockThreshold float64 `yaml:"block_threshold"`
	CacheMinutes   int     `yaml:"cache_minutes"`
}

// Match tunes candidate filtering and ranking.
type Match struct {
	Weights struct {
		Price    float64 `yaml:"price"`
		Quality  float64 `yaml:"quality"`
		Location float64 `yaml:"location"`
		Delivery float64 `yaml:"delivery"`
		Payment  float64 `yaml:"payment"`
		Urgency  float64 `yaml:"urgency"`
	} `yaml:"weights"`
	QuantityTolerance float64 `yaml:"quantity_tolerance"`
	PriceBand         float64 `yaml:"price_band"`
	MaxDistanceKM     float64 `yaml:"max_distance_km"`
	CandidateCap      int     `yaml:"candidate_cap"`
	AcceptCutoff      float64 `yaml:"accept_cutoff"`
	WarnPenalty       struct {
		Mode   string  `yaml:"mode"`
		Factor float64 `yaml:"factor"`
	} `yaml:"warn_penalty"`
}

// Outbox tunes the event relay.
type Outbox struct {
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffBaseMS  int `yaml:"backoff_base_ms"`
	BackoffMaxMS   int `yaml:"backoff_max_ms"`
	BatchSize      int `yaml:"batch_size"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
	ClaimTTLMS     int `yaml:"claim_ttl_ms"`
	Webhook        struct {
		URL    string   `yaml:"url"`
		Secret string   `yaml:"secret"`
		Events []string `yaml:"events"`
	} `yaml:"webhook"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with ty market config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Market.ID == "" {
		return fmt.Errorf("config.market.id is required")
	}
	if c.Market.Kind != "commodity-market" {
		return fmt.Errorf("config.market.kind must be 'commodity-market'")
	}
	if c.Risk.PassThreshold < 0 || c.Risk.PassThreshold > 100 {
		return fmt.Errorf("config.risk.pass_threshold must be in [0,100]")
	}
	if c.Risk.WarnThreshold < 0 || c.Risk.WarnThreshold > c.Risk.PassThreshold {
		return fmt.Errorf("config.risk.warn_threshold must be in [0,pass_threshold]")
	}
	if c.Risk.Model.Weight < 0 || c.Risk.Model.Weight > 1 {
		return fmt.Errorf("config.risk.model.weight must be in [0,1]")
	}
	if c.Risk.Model.URL != "" && c.Risk.Model.TimeoutMS <= 0 {
		return fmt.Errorf("config.risk.model.timeout_ms must be positive when a model url is set")
	}
	rw := c.Relationship.Weights
	if sum := rw.Payment + rw.Delivery + rw.Quality + rw.Dispute; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("config.relationship.weights must sum to 1, got %v", sum)
	}
	if c.Relationship.BlockThreshold < 0 || c.Relationship.BlockThreshold > c.Relationship.WarnThreshold {
		return fmt.Errorf("config.relationship.block_threshold must be in [0,warn_threshold]")
	}
	if c.Relationship.WarnThreshold > 100 {
		return fmt.Errorf("config.relationship.warn_threshold must be at most 100")
	}
	if c.Relationship.CacheMinutes < 0 {
		return fmt.Errorf("config.relationship.cache_minutes must not be negative")
	}
	mw := c.Match.Weights
	if sum := mw.Price + mw.Quality + mw.Location + mw.Delivery + mw.Payment + mw.Urgency; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("config.match.weights must sum to 1, got %v", sum)
	}
	if c.Match.QuantityTolerance <= 0 || c.Match.QuantityTolerance > 1 {
		return fmt.Errorf("config.match.quantity_tolerance must be in (0,1]")
	}
	if c.Match.PriceBand <= 0 || c.Match.PriceBand > 1 {
		return fmt.Errorf("config.match.price_band must be in (0,1]")
	}
	if c.Match.MaxDistanceKM <= 0 {
		return fmt.Errorf("config.match.max_distance_km must be positive")
	}
	if c.Match.CandidateCap < 1 {
		return fmt.Errorf("config.match.candidate_cap must be at least 1")
	}
	if c.Match.AcceptCutoff < 0 || c.Match.AcceptCutoff > 1 {
		return fmt.Errorf("config.match.accept_cutoff must be in [0,1]")
	}
	switch c.Match.WarnPenalty.Mode {
	case "stack", "cap", "min":
	default:
		return fmt.Errorf("config.match.warn_penalty.mode must be one of stack, cap, min")
	}
	if c.Match.WarnPenalty.Factor <= 0 || c.Match.WarnPenalty.Factor > 1 {
		return fmt.Errorf("config.match.warn_penalty.factor must be in (0,1]")
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("config.outbox.max_attempts must be at least 1")
	}
	if c.Outbox.BackoffBaseMS < 1 {
		return fmt.Errorf("config.outbox.backoff_base_ms must be positive")
	}
	if c.Outbox.BackoffMaxMS < c.Outbox.BackoffBaseMS {
		return fmt.Errorf("config.outbox.backoff_max_ms must be at least backoff_base_ms")
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("config.outbox.batch_size must be at least 1")
	}
	if c.Outbox.PollIntervalMS < 1 {
		return fmt.Errorf("config.outbox.poll_interval_ms must be positive")
	}
	if c.Outbox.ClaimTTLMS < 1 {
		return fmt.Errorf("config.outbox.claim_ttl_ms must be positive")
	}
	if c.Intents.DefaultTTLHours < 1 {
		return fmt.Errorf("config.intents.default_ttl_hours must be at least 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tradeyard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketID string) string {
	return fmt.Sprintf(defaultTemplate, marketID)
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

// Default returns the default Config struct for a market.
func Default(marketID string) *Config {
	var cfg Config
	cfg.Market.ID = marketID
	cfg.Market.Kind = "commodity-market"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, marketID))).Decode(&cfg)
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

const defaultTemplate = `market:
  id: %s
  kind: commodity-market
  name: default

risk:
  pass_threshold: 80
  warn_threshold: 60
  model:
    url: ""
    timeout_ms: 200
    weight: 0.3

relationship:
  weights:
    payment: 0.35
    delivery: 0.30
    quality: 0.25
    dispute: 0.10
  warn_threshold: 50
  block_threshold: 30
  cache_minutes: 360

match:
  weights:
    price: 0.30
    quality: 0.25
    location: 0.15
    delivery: 0.10
    payment: 0.10
    urgency: 0.10
  quantity_tolerance: 0.10
  price_band: 0.10
  max_distance_km: 300
  candidate_cap: 25
  accept_cutoff: 0.60
  warn_penalty:
    mode: stack
    factor: 0.90

outbox:
  max_attempts: 5
  backoff_base_ms: 500
  backoff_max_ms: 60000
  batch_size: 20
  poll_interval_ms: 1000
  claim_ttl_ms: 30000
  webhook:
    url: ""
    secret: ""
    events: []

intents:
  default_ttl_hours: 72
`
