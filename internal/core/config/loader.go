package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/relay/internal/infra/consensus"
	"github.com/vietddude/relay/internal/infra/storage/sqldb"
)

// Load reads configuration from a YAML file. Variables from a .env file in
// the working directory are visible to ${VAR} expansion.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *AppConfig) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = sqldb.DriverSQLite
	}
	if c.Database.Driver == sqldb.DriverSQLite && c.Database.URL == "" {
		c.Database.URL = "relay.db"
	}
	if c.Sink.Type == "" {
		c.Sink.Type = consensus.TypeLog
	}
	if c.Chain.QueryRange == 0 {
		c.Chain.QueryRange = 2000
	}
	if c.Chain.Confirmation.Method == "" {
		c.Chain.Confirmation.Method = "confirmRelay"
	}

	r := &c.Relay
	if r.BatchSize == 0 {
		r.BatchSize = 50
	}
	if r.TickInterval == 0 {
		r.TickInterval = 5 * time.Second
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 10
	}
	if r.SubmitTimeout == 0 {
		r.SubmitTimeout = 10 * time.Second
	}
	if r.ReconcileTimeout == 0 {
		r.ReconcileTimeout = 5 * time.Minute
	}
	if r.ListenerBuffer == 0 {
		r.ListenerBuffer = 256
	}
}

// Validate checks the settings the relay cannot start without.
func (c *AppConfig) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverMemory, sqldb.DriverSQLite, sqldb.DriverPgx, sqldb.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.Driver != DriverMemory && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}

	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required"))
	}
	if !common.IsHexAddress(c.Chain.Contract) {
		errs = append(errs, fmt.Errorf("chain.contract %q is not an address", c.Chain.Contract))
	}
	if c.Chain.ABIPath == "" {
		errs = append(errs, errors.New("chain.abi_path is required"))
	}
	if len(c.Chain.Events) == 0 {
		errs = append(errs, errors.New("chain.events must list at least one event"))
	}
	for i, ev := range c.Chain.Events {
		if ev.Name == "" {
			errs = append(errs, fmt.Errorf("chain.events[%d].name is required", i))
		}
		if ev.TopicID == "" && c.Chain.DefaultTopic == "" {
			errs = append(errs, fmt.Errorf("chain.events[%d] has no topic_id and no default_topic is set", i))
		}
	}
	if cf := c.Chain.Confirmation; cf.Enabled {
		if cf.PrivateKey == "" {
			errs = append(errs, errors.New("chain.confirmation.private_key is required when enabled"))
		}
		if cf.ChainID <= 0 {
			errs = append(errs, errors.New("chain.confirmation.chain_id is required when enabled"))
		}
	}

	switch c.Sink.Type {
	case consensus.TypeHTTP:
		if c.Sink.URL == "" {
			errs = append(errs, errors.New("sink.url is required for the http sink"))
		}
	case consensus.TypeRedis:
		if c.Sink.Redis.URL == "" {
			errs = append(errs, errors.New("sink.redis.url is required for the redis sink"))
		}
	case consensus.TypeLog:
	default:
		errs = append(errs, fmt.Errorf("sink.type %q is not supported", c.Sink.Type))
	}

	if c.Relay.BatchSize < 1 {
		errs = append(errs, errors.New("relay.batch_size must be positive"))
	}
	if c.Relay.MaxRetries < 1 {
		errs = append(errs, errors.New("relay.max_retries must be positive"))
	}
	if c.Relay.TickInterval <= 0 {
		errs = append(errs, errors.New("relay.tick_interval must be positive"))
	}

	return errors.Join(errs...)
}
