package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// the file is optional when the environment carries the settings
	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Server configuration
	if nodeID := os.Getenv("CACHE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("CACHE_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("CACHE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if addr := os.Getenv("CACHE_BIND_ADDR"); addr != "" {
		cfg.Server.AdvertiseAddr = addr
	}

	// Cluster configuration
	if owners := os.Getenv("CACHE_NUM_OWNERS"); owners != "" {
		if n, err := strconv.Atoi(owners); err == nil {
			cfg.Cluster.NumOwners = n
		}
	}

	// Membership configuration
	if t := os.Getenv("CACHE_MEMBERSHIP_TYPE"); t != "" {
		cfg.Membership.Type = t
	}
	if members := os.Getenv("CACHE_MEMBERS"); members != "" {
		cfg.Membership.Members = splitList(members)
	}
	if seeds := os.Getenv("CACHE_SEED_NODES"); seeds != "" {
		cfg.Membership.Gossip.SeedNodes = splitList(seeds)
	}
	if servers := os.Getenv("ZOOKEEPER_SERVERS"); servers != "" {
		cfg.Membership.ZooKeeper.Servers = splitList(servers)
	}

	// Persistence configuration
	if storeType := os.Getenv("CACHE_STORE_TYPE"); storeType != "" {
		cfg.Persistence.Type = storeType
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Persistence.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Persistence.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Persistence.Redis.Password = redisPassword
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Persistence.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Persistence.Database.Port = p
		}
	}
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		cfg.Persistence.Database.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Persistence.Database.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Persistence.Database.Password = dbPassword
	}

	// Logging configuration
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
