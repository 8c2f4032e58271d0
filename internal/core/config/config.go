package config

import (
	"time"

	"github.com/vietddude/relay/internal/infra/consensus"
	"github.com/vietddude/relay/internal/infra/storage/sqldb"
)

// DriverMemory keeps the queue in process memory. Intended for local runs.
const DriverMemory = "memory"

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig     `yaml:"server"`
	Logging  LoggingConfig    `yaml:"logging"`
	Database sqldb.Config     `yaml:"database"`
	Chain    ChainConfig      `yaml:"chain"`
	Sink     consensus.Config `yaml:"sink"`
	Relay    RelayConfig      `yaml:"relay"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ChainConfig describes the observed contract.
type ChainConfig struct {
	RPCURL       string             `yaml:"rpc_url"`
	Contract     string             `yaml:"contract"`
	ABIPath      string             `yaml:"abi_path"`
	Events       []EventConfig      `yaml:"events"`
	DefaultTopic string             `yaml:"default_topic"`
	GenesisBlock uint64             `yaml:"genesis_block"`
	QueryRange   uint64             `yaml:"query_range"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
}

// EventConfig maps one contract event to its consensus topic.
type EventConfig struct {
	Name    string `yaml:"name"`
	TopicID string `yaml:"topic_id"`
}

// ConfirmationConfig enables the on-chain acknowledgement call.
type ConfirmationConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Method     string `yaml:"method"`
	PrivateKey string `yaml:"private_key"`
	ChainID    int64  `yaml:"chain_id"`
}

// RelayConfig holds queue and delivery settings.
type RelayConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	Retention         time.Duration `yaml:"retention"` // 0 = infinite
	PruneInterval     time.Duration `yaml:"prune_interval"`
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
	ReconcileTimeout  time.Duration `yaml:"reconcile_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"` // 0 = startup only
	ListenerBuffer    int           `yaml:"listener_buffer"`
}

// Topics returns the event name to topic map.
func (c ChainConfig) Topics() map[string]string {
	out := make(map[string]string, len(c.Events))
	for _, ev := range c.Events {
		out[ev.Name] = ev.TopicID
	}
	return out
}

// Signatures returns the configured event names.
func (c ChainConfig) Signatures() []string {
	out := make([]string, 0, len(c.Events))
	for _, ev := range c.Events {
		out = append(out, ev.Name)
	}
	return out
}
