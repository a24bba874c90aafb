package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"clawtrust/logger"
)

// Config is the full runtime configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Events      EventsConfig      `yaml:"events"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Escrow      EscrowConfig      `yaml:"escrow"`
	Settlement  SettlementConfig  `yaml:"settlement"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Dispute     DisputeConfig     `yaml:"dispute"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     logger.Config     `yaml:"logging"`
	// Agents are registered with the identity registry at startup.
	Agents []AgentSeed `yaml:"agents"`
}

type AgentSeed struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Stake int64  `yaml:"stake"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type StorageConfig struct {
	// Driver selects the persistence backend: "memory" or "postgres".
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// EscrowStore may be "redis" to keep escrow accounts in Redis.
	EscrowStore   string        `yaml:"escrow_store"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	IdentityTTL   time.Duration `yaml:"identity_cache_ttl"`
}

type EventsConfig struct {
	// Sink is "log", "outbox" or "rabbitmq".
	Sink        string        `yaml:"sink"`
	RabbitMQURL string        `yaml:"rabbitmq_url"`
	Exchange    string        `yaml:"exchange"`
	RelayBatch  int           `yaml:"relay_batch"`
	RelayEvery  time.Duration `yaml:"relay_interval"`
}

type NegotiationConfig struct {
	// MinStake is expressed in settlement micro-units.
	MinStake int64 `yaml:"min_stake"`
}

type EscrowConfig struct {
	// ContributionTax is the fraction of provider payouts sent to the fund (0.10-0.20).
	ContributionTax float64 `yaml:"contribution_tax"`
	FundAccount     string  `yaml:"fund_account"`
	// StepCapDefault of zero means the cap equals the deposited amount.
	StepCapDefault int64 `yaml:"step_cap_default"`
	MaxCASRetries  int   `yaml:"max_cas_retries"`
}

type SettlementConfig struct {
	// Backend is "memory" or "evm".
	Backend             string        `yaml:"backend"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	EVM                 EVMConfig     `yaml:"evm"`
}

type EVMConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	ContractAddress string `yaml:"contract_address"`
	ChainID         int64  `yaml:"chain_id"`
	// PrivateKeyEnv names the environment variable holding the signer key.
	PrivateKeyEnv string `yaml:"private_key_env"`
	// AddressBook maps named accounts such as the fund to addresses.
	AddressBook map[string]string `yaml:"address_book"`
}

type ReputationConfig struct {
	HalfLife      time.Duration `yaml:"half_life"`
	Epsilon       float64       `yaml:"epsilon"`
	MaxIterations int           `yaml:"max_iterations"`
	Prior         float64       `yaml:"prior"`
	MinReviews    int           `yaml:"min_reviews"`
}

type DisputeConfig struct {
	PanelSize    int           `yaml:"panel_size"`
	VotingWindow time.Duration `yaml:"voting_window"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// Default returns a configuration populated with defaults only.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// Load reads the YAML file at path (optional), applies defaults and
// CLAWTRUST_* environment overrides, then validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Server.SweepInterval <= 0 {
		cfg.Server.SweepInterval = time.Minute
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.IdentityTTL <= 0 {
		cfg.Storage.IdentityTTL = 5 * time.Minute
	}
	if cfg.Events.Sink == "" {
		cfg.Events.Sink = "log"
	}
	if cfg.Events.Exchange == "" {
		cfg.Events.Exchange = "clawtrust.events"
	}
	if cfg.Events.RelayBatch <= 0 {
		cfg.Events.RelayBatch = 50
	}
	if cfg.Events.RelayEvery <= 0 {
		cfg.Events.RelayEvery = 2 * time.Second
	}
	if cfg.Escrow.ContributionTax == 0 {
		cfg.Escrow.ContributionTax = 0.15
	}
	if cfg.Escrow.FundAccount == "" {
		cfg.Escrow.FundAccount = "fund:commons"
	}
	if cfg.Escrow.MaxCASRetries <= 0 {
		cfg.Escrow.MaxCASRetries = 5
	}
	if cfg.Settlement.Backend == "" {
		cfg.Settlement.Backend = "memory"
	}
	if cfg.Settlement.ConfirmationTimeout <= 0 {
		cfg.Settlement.ConfirmationTimeout = 30 * time.Second
	}
	if cfg.Settlement.MaxRetries <= 0 {
		cfg.Settlement.MaxRetries = 4
	}
	if cfg.Settlement.InitialBackoff <= 0 {
		cfg.Settlement.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.Settlement.MaxBackoff <= 0 {
		cfg.Settlement.MaxBackoff = 5 * time.Second
	}
	if cfg.Settlement.EVM.PrivateKeyEnv == "" {
		cfg.Settlement.EVM.PrivateKeyEnv = "CLAWTRUST_EVM_KEY"
	}
	if cfg.Reputation.HalfLife <= 0 {
		cfg.Reputation.HalfLife = 30 * 24 * time.Hour
	}
	if cfg.Reputation.Epsilon <= 0 {
		cfg.Reputation.Epsilon = 1e-6
	}
	if cfg.Reputation.MaxIterations <= 0 {
		cfg.Reputation.MaxIterations = 100
	}
	if cfg.Reputation.Prior <= 0 {
		cfg.Reputation.Prior = 2.5
	}
	if cfg.Reputation.MinReviews <= 0 {
		cfg.Reputation.MinReviews = 3
	}
	if cfg.Dispute.PanelSize <= 0 {
		cfg.Dispute.PanelSize = 3
	}
	if cfg.Dispute.VotingWindow <= 0 {
		cfg.Dispute.VotingWindow = 72 * time.Hour
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("CLAWTRUST_SERVER_ADDR", &cfg.Server.Addr)
	str("CLAWTRUST_STORAGE_DRIVER", &cfg.Storage.Driver)
	str("CLAWTRUST_ESCROW_STORE", &cfg.Storage.EscrowStore)
	str("CLAWTRUST_REDIS_ADDR", &cfg.Storage.RedisAddr)
	str("CLAWTRUST_EVENTS_SINK", &cfg.Events.Sink)
	str("CLAWTRUST_RABBITMQ_URL", &cfg.Events.RabbitMQURL)
	str("CLAWTRUST_SETTLEMENT_BACKEND", &cfg.Settlement.Backend)
	str("CLAWTRUST_EVM_RPC_URL", &cfg.Settlement.EVM.RPCURL)
	str("CLAWTRUST_JWT_SECRET", &cfg.Auth.JWTSecret)
	str("CLAWTRUST_FUND_ACCOUNT", &cfg.Escrow.FundAccount)
	// DATABASE_URL mirrors the variable the integration tests read.
	str("DATABASE_URL", &cfg.Storage.PostgresDSN)
	str("CLAWTRUST_POSTGRES_DSN", &cfg.Storage.PostgresDSN)

	if v := os.Getenv("CLAWTRUST_CONTRIBUTION_TAX"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: CLAWTRUST_CONTRIBUTION_TAX: %w", err)
		}
		cfg.Escrow.ContributionTax = f
	}
	if v := os.Getenv("CLAWTRUST_MIN_STAKE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: CLAWTRUST_MIN_STAKE: %w", err)
		}
		cfg.Negotiation.MinStake = n
	}
	if v := os.Getenv("CLAWTRUST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks ranges that defaults cannot repair.
func (c Config) Validate() error {
	var problems []string
	if c.Escrow.ContributionTax < 0.10 || c.Escrow.ContributionTax > 0.20 {
		problems = append(problems, fmt.Sprintf("escrow.contribution_tax %.4f outside [0.10, 0.20]", c.Escrow.ContributionTax))
	}
	if c.Negotiation.MinStake < 0 {
		problems = append(problems, "negotiation.min_stake must not be negative")
	}
	if c.Escrow.StepCapDefault < 0 {
		problems = append(problems, "escrow.step_cap_default must not be negative")
	}
	if c.Dispute.PanelSize < 1 || c.Dispute.PanelSize%2 == 0 {
		problems = append(problems, "dispute.panel_size must be odd and at least 1")
	}
	if c.Reputation.Epsilon <= 0 || math.IsNaN(c.Reputation.Epsilon) {
		problems = append(problems, "reputation.epsilon must be positive")
	}
	for i, a := range c.Agents {
		if a.ID == "" || a.Stake < 0 {
			problems = append(problems, fmt.Sprintf("agents[%d] needs an id and a non-negative stake", i))
		}
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			problems = append(problems, "storage.postgres_dsn required for postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q unsupported", c.Storage.Driver))
	}
	if c.Storage.EscrowStore == "redis" && c.Storage.RedisAddr == "" {
		problems = append(problems, "storage.redis_addr required for redis escrow store")
	}
	switch c.Events.Sink {
	case "log":
	case "outbox":
		if c.Storage.Driver != "postgres" {
			problems = append(problems, "events.sink outbox requires the postgres driver")
		}
	case "rabbitmq":
		if c.Events.RabbitMQURL == "" {
			problems = append(problems, "events.rabbitmq_url required for rabbitmq sink")
		}
	default:
		problems = append(problems, fmt.Sprintf("events.sink %q unsupported", c.Events.Sink))
	}
	switch c.Settlement.Backend {
	case "memory":
	case "evm":
		if c.Settlement.EVM.RPCURL == "" || c.Settlement.EVM.ContractAddress == "" {
			problems = append(problems, "settlement.evm.rpc_url and contract_address required for evm backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("settlement.backend %q unsupported", c.Settlement.Backend))
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TaxBasisPoints converts the contribution tax fraction to basis points.
func (c EscrowConfig) TaxBasisPoints() int64 {
	return int64(math.Round(c.ContributionTax * 10000))
}
