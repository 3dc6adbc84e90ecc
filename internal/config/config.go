// Package config loads the configuration of a shardd member from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportMemory = "memory"
	TransportNATS   = "nats"

	ReplicationLocal     = "local"
	ReplicationRaft      = "raft"
	ReplicationJetStream = "jetstream"

	envPrefix = "SHARDTX_"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// Member names this process. Every member of Members runs one shardd.
	Member   string   `yaml:"member"`
	Members  []string `yaml:"members"`
	Shards   []string `yaml:"shards"`
	Replicas int      `yaml:"replicas"`
	// Seed feeds replica placement; all members must agree on it.
	Seed string `yaml:"seed"`

	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Transport   TransportConfig   `yaml:"transport"`
	Replication ReplicationConfig `yaml:"replication"`
	Shard       ShardConfig       `yaml:"shard"`
	Client      ClientConfig      `yaml:"client"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type TransportConfig struct {
	Kind           string        `yaml:"kind"`
	NatsURL        string        `yaml:"nats_url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

type ReplicationConfig struct {
	Kind string     `yaml:"kind"`
	Raft RaftConfig `yaml:"raft"`
	// JetStreamReplicas is the replica count of the log stream and the
	// snapshot bucket.
	JetStreamReplicas int `yaml:"jetstream_replicas"`
	// CompactionInterval is how often a snapshot replaces the log.
	CompactionInterval time.Duration `yaml:"compaction_interval"`
}

type RaftConfig struct {
	Dir string `yaml:"dir"`
	// Hosts maps a member to the host its raft transports listen on. The
	// replica of the i-th shard listens on BasePort+i.
	Hosts              map[string]string `yaml:"hosts"`
	BasePort           int               `yaml:"base_port"`
	HeartbeatTimeout   time.Duration     `yaml:"heartbeat_timeout"`
	ElectionTimeout    time.Duration     `yaml:"election_timeout"`
	LeaderLeaseTimeout time.Duration     `yaml:"leader_lease_timeout"`
	SnapshotThreshold  uint64            `yaml:"snapshot_threshold"`
	IsolationCheck     time.Duration     `yaml:"isolation_check"`
}

type ShardConfig struct {
	TransactionCommitTimeout time.Duration `yaml:"transaction_commit_timeout"`
	CommitQueueCapacity      int           `yaml:"commit_queue_capacity"`
	CommitQueueExpiry        time.Duration `yaml:"commit_queue_expiry"`
	RecoveryBatchSize        int           `yaml:"recovery_batch_size"`
	StashCapacity            int           `yaml:"stash_capacity"`
	MailboxSize              int           `yaml:"mailbox_size"`
}

type ClientConfig struct {
	OperationTimeout         time.Duration `yaml:"operation_timeout"`
	CommitTimeout            time.Duration `yaml:"commit_timeout"`
	BatchedModificationCount int           `yaml:"batched_modification_count"`
	TxCreationRate           float64       `yaml:"tx_creation_rate"`
}

// Default returns a single member configuration with one shard and
// in-memory transport.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. An empty path starts from defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Member == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Member = host
		} else {
			cfg.Member = "m1"
		}
	}
	if len(cfg.Members) == 0 {
		cfg.Members = []string{cfg.Member}
	}
	if len(cfg.Shards) == 0 {
		cfg.Shards = []string{"default"}
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = min(3, len(cfg.Members))
	}
	if cfg.Seed == "" {
		cfg.Seed = "shardtx"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = TransportMemory
		if cfg.Transport.NatsURL != "" {
			cfg.Transport.Kind = TransportNATS
		}
	}
	if cfg.Transport.SubjectPrefix == "" {
		cfg.Transport.SubjectPrefix = "shardtx"
	}
	if cfg.Transport.RequestTimeout <= 0 {
		cfg.Transport.RequestTimeout = 5 * time.Second
	}
	if cfg.Transport.HandlerTimeout <= 0 {
		cfg.Transport.HandlerTimeout = 30 * time.Second
	}

	if cfg.Replication.Kind == "" {
		cfg.Replication.Kind = ReplicationLocal
	}
	if cfg.Replication.JetStreamReplicas <= 0 {
		cfg.Replication.JetStreamReplicas = 1
	}
	if cfg.Replication.CompactionInterval <= 0 {
		cfg.Replication.CompactionInterval = 10 * time.Minute
	}
	r := &cfg.Replication.Raft
	if r.BasePort == 0 {
		r.BasePort = 7000
	}
	if r.HeartbeatTimeout <= 0 {
		r.HeartbeatTimeout = 500 * time.Millisecond
	}
	if r.ElectionTimeout <= 0 {
		r.ElectionTimeout = time.Second
	}
	if r.LeaderLeaseTimeout <= 0 {
		r.LeaderLeaseTimeout = r.HeartbeatTimeout
	}
	if r.IsolationCheck <= 0 {
		r.IsolationCheck = 5 * time.Second
	}

	s := &cfg.Shard
	if s.TransactionCommitTimeout <= 0 {
		s.TransactionCommitTimeout = 30 * time.Second
	}
	if s.CommitQueueCapacity <= 0 {
		s.CommitQueueCapacity = 50_000
	}
	if s.CommitQueueExpiry <= 0 {
		s.CommitQueueExpiry = 2 * time.Minute
	}
	if s.RecoveryBatchSize <= 0 {
		s.RecoveryBatchSize = 1000
	}

	c := &cfg.Client
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Second
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 30 * time.Second
	}
	if c.BatchedModificationCount <= 0 {
		c.BatchedModificationCount = 1000
	}
	if c.TxCreationRate == 0 {
		c.TxCreationRate = 100
	}
}

// applyEnv overrides cfg from SHARDTX_* variables and NATS_URL.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = splitList(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, envPrefix, name, v, err)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, envPrefix, name, v, err)
		}
		*dst = d
		return nil
	}

	str("MEMBER", &cfg.Member)
	list("MEMBERS", &cfg.Members)
	list("SHARDS", &cfg.Shards)
	str("SEED", &cfg.Seed)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("METRICS_ADDR", &cfg.Metrics.Addr)
	str("TRANSPORT", &cfg.Transport.Kind)
	str("REPLICATION", &cfg.Replication.Kind)
	str("RAFT_DIR", &cfg.Replication.Raft.Dir)
	if v, ok := lookup("NATS_URL"); ok && v != "" {
		cfg.Transport.NatsURL = v
	}
	if v, ok := lookup(envPrefix + "METRICS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sMETRICS_ENABLED=%q: %v", ErrInvalid, envPrefix, v, err)
		}
		cfg.Metrics.Enabled = b
	}
	return errors.Join(
		num("REPLICAS", &cfg.Replicas),
		num("RAFT_BASE_PORT", &cfg.Replication.Raft.BasePort),
		dur("OPERATION_TIMEOUT", &cfg.Client.OperationTimeout),
		dur("COMMIT_TIMEOUT", &cfg.Shard.TransactionCommitTimeout),
	)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(c.Members, c.Member) {
		errs = append(errs, fmt.Errorf("member %q is not listed in members", c.Member))
	}
	if c.Replicas > len(c.Members) {
		errs = append(errs, fmt.Errorf("replicas %d exceed %d members", c.Replicas, len(c.Members)))
	}
	switch c.Transport.Kind {
	case TransportMemory:
		if len(c.Members) > 1 {
			errs = append(errs, errors.New("memory transport serves a single member"))
		}
	case TransportNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport.Kind))
	}
	switch c.Replication.Kind {
	case ReplicationLocal:
		if c.Replicas > 1 {
			errs = append(errs, errors.New("local replication serves a single replica per shard"))
		}
	case ReplicationRaft:
		for _, m := range c.Members {
			if c.Replicas > 1 && c.Replication.Raft.Hosts[m] == "" {
				errs = append(errs, fmt.Errorf("no raft host for member %q", m))
			}
		}
	case ReplicationJetStream:
		if c.Transport.NatsURL == "" {
			errs = append(errs, errors.New("jetstream replication needs nats_url"))
		}
		if c.Replicas > 1 {
			errs = append(errs, errors.New("jetstream replication serves a single replica per shard"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown replication %q", c.Replication.Kind))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return l, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// RaftAddr is the raft address of member's replica of shard.
func (c *Config) RaftAddr(member, shard string) string {
	host := c.Replication.Raft.Hosts[member]
	if host == "" {
		host = "127.0.0.1"
	}
	i := slices.Index(c.Shards, shard)
	return fmt.Sprintf("%s:%d", host, c.Replication.Raft.BasePort+max(i, 0))
}
