package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the cache node configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Membership  MembershipConfig  `mapstructure:"membership"`
	Container   ContainerConfig   `mapstructure:"container"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents the gRPC endpoint other members call
type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	// AdvertiseAddr is the address other members dial; defaults to host:port
	AdvertiseAddr   string        `mapstructure:"advertise_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ClusterConfig represents key distribution and rehash settings
type ClusterConfig struct {
	NumOwners               int           `mapstructure:"num_owners"`
	HashAlgorithm           string        `mapstructure:"hash_algorithm"`
	VirtualNodes            int           `mapstructure:"virtual_nodes"`
	PartitionCount          int           `mapstructure:"partition_count"`
	RehashRPCTimeout        time.Duration `mapstructure:"rehash_rpc_timeout"`
	InvalidationConcurrency int           `mapstructure:"invalidation_concurrency"`
	StateTransferBatchSize  int           `mapstructure:"state_transfer_batch_size"`
	StateTransferRetries    int           `mapstructure:"state_transfer_retries"`
	RehashRetries           int           `mapstructure:"rehash_retries"`
	RehashRetryInterval     time.Duration `mapstructure:"rehash_retry_interval"`
	StateWaitTimeout        time.Duration `mapstructure:"state_wait_timeout"`
}

// MembershipConfig selects how members discover each other
type MembershipConfig struct {
	Type    string   `mapstructure:"type"`
	Members []string `mapstructure:"members"`

	Gossip    GossipConfig    `mapstructure:"gossip"`
	ZooKeeper ZooKeeperConfig `mapstructure:"zookeeper"`
}

// GossipConfig represents memberlist settings
type GossipConfig struct {
	BindPort       int           `mapstructure:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// ZooKeeperConfig represents ZooKeeper membership settings
type ZooKeeperConfig struct {
	Servers        []string      `mapstructure:"servers"`
	Path           string        `mapstructure:"path"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

// ContainerConfig represents the in-memory data container
type ContainerConfig struct {
	MaxEntries      int           `mapstructure:"max_entries"`
	DefaultLifespan time.Duration `mapstructure:"default_lifespan"`
}

// PersistenceConfig represents the cache store behind the container
type PersistenceConfig struct {
	Type               string        `mapstructure:"type"`
	Shared             bool          `mapstructure:"shared"`
	Passivation        bool          `mapstructure:"passivation"`
	PassivationTimeout time.Duration `mapstructure:"passivation_timeout"`
	PassivateOnStop    bool          `mapstructure:"passivate_on_stop"`
	Statistics         bool          `mapstructure:"statistics"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`

	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
}

// RedisConfig represents the Redis store
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DatabaseConfig represents the PostgreSQL store
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
	Table          string `mapstructure:"table"`
}

// MetricsConfig represents the admin HTTP endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Membership source types
const (
	MembershipStatic    = "static"
	MembershipGossip    = "memberlist"
	MembershipZooKeeper = "zookeeper"
)

// Store types
const (
	StoreNone     = "none"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

const (
	hashAlgorithmRing    = "ring"
	hashAlgorithmSegment = "partition"
)

// Address returns the address other members dial
func (s ServerConfig) Address() string {
	if s.AdvertiseAddr != "" {
		return s.AdvertiseAddr
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Cluster.NumOwners < 1 {
		return errors.New("cluster.num_owners must be at least 1")
	}
	switch c.Cluster.HashAlgorithm {
	case hashAlgorithmRing, hashAlgorithmSegment:
	default:
		return fmt.Errorf("cluster.hash_algorithm must be one of: ring, partition (got %q)", c.Cluster.HashAlgorithm)
	}
	if c.Cluster.StateTransferBatchSize <= 0 {
		return errors.New("cluster.state_transfer_batch_size must be positive")
	}

	switch c.Membership.Type {
	case MembershipStatic:
	case MembershipGossip:
		if c.Membership.Gossip.BindPort < 0 || c.Membership.Gossip.BindPort > 65535 {
			return errors.New("membership.gossip.bind_port must be between 0 and 65535")
		}
	case MembershipZooKeeper:
		if len(c.Membership.ZooKeeper.Servers) == 0 {
			return errors.New("membership.zookeeper.servers is required")
		}
	default:
		return fmt.Errorf("membership.type must be one of: static, memberlist, zookeeper (got %q)", c.Membership.Type)
	}

	if c.Container.MaxEntries < 0 {
		return errors.New("container.max_entries must not be negative")
	}

	switch c.Persistence.Type {
	case StoreNone:
		if c.Persistence.Passivation {
			return errors.New("persistence.passivation requires a store")
		}
	case StoreMemory:
	case StoreRedis:
		if c.Persistence.Redis.Host == "" {
			return errors.New("persistence.redis.host is required")
		}
	case StorePostgres:
		if c.Persistence.Database.Host == "" {
			return errors.New("persistence.database.host is required")
		}
		if c.Persistence.Database.Database == "" {
			return errors.New("persistence.database.database is required")
		}
	default:
		return fmt.Errorf("persistence.type must be one of: none, memory, redis, postgres (got %q)", c.Persistence.Type)
	}
	// activation removes the passivated copy, which other owners may still need
	if c.Persistence.Passivation && c.Persistence.Shared {
		return errors.New("persistence.passivation cannot be used with a shared store")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:          "cache-1",
			Host:            "0.0.0.0",
			Port:            7800,
			ShutdownTimeout: 30 * time.Second,
		},
		Cluster: ClusterConfig{
			NumOwners:               2,
			HashAlgorithm:           hashAlgorithmRing,
			VirtualNodes:            150,
			PartitionCount:          271,
			RehashRPCTimeout:        10 * time.Second,
			InvalidationConcurrency: 8,
			StateTransferBatchSize:  500,
			StateTransferRetries:    3,
			RehashRetries:           3,
			RehashRetryInterval:     2 * time.Second,
			StateWaitTimeout:        30 * time.Second,
		},
		Membership: MembershipConfig{
			Type: MembershipGossip,
			Gossip: GossipConfig{
				BindPort:       7946,
				GossipInterval: 200 * time.Millisecond,
				ProbeTimeout:   500 * time.Millisecond,
				ProbeInterval:  time.Second,
			},
			ZooKeeper: ZooKeeperConfig{
				Path:           "/distcache/members",
				SessionTimeout: 3 * time.Second,
			},
		},
		Container: ContainerConfig{
			MaxEntries: 100000,
		},
		Persistence: PersistenceConfig{
			Type:               StoreMemory,
			Passivation:        true,
			PassivationTimeout: 5 * time.Second,
			PassivateOnStop:    true,
			Statistics:         true,
			CleanupInterval:    time.Minute,
			Redis: RedisConfig{
				Host:      "localhost",
				Port:      6379,
				KeyPrefix: "distcache:",
			},
			Database: DatabaseConfig{
				Host:           "localhost",
				Port:           5432,
				Database:       "distcache",
				User:           "distcache",
				MaxConnections: 20,
				MinConnections: 2,
				Table:          "cache_entries",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
