package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Node        NodeConfig
	Redis       RedisConfig
	Aggregation AggregationConfig
	Chain       ChainConfig
	Server      ServerConfig
	Transport   TransportConfig
}

type NodeConfig struct {
	PeerID string `mapstructure:"peer_id"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type AggregationConfig struct {
	QueueCapacity   int   `mapstructure:"queue_capacity"`
	Threshold       int   `mapstructure:"threshold"`
	IntervalSec     int64 `mapstructure:"interval_sec"`
	AwaitTimeoutSec int64 `mapstructure:"await_timeout_sec"`
	LeaseTimeoutSec int64 `mapstructure:"lease_timeout_sec"`
}

func (a AggregationConfig) Interval() time.Duration {
	return time.Duration(a.IntervalSec) * time.Second
}

func (a AggregationConfig) AwaitTimeout() time.Duration {
	return time.Duration(a.AwaitTimeoutSec) * time.Second
}

func (a AggregationConfig) LeaseTimeout() time.Duration {
	return time.Duration(a.LeaseTimeoutSec) * time.Second
}

type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	ContractAddress string `mapstructure:"contract_address"`
	PrivateKey      string `mapstructure:"private_key"`
	ChainID         int64  `mapstructure:"chain_id"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type TransportConfig struct {
	// Peers is keyed by peer id. It is built from PeerEntries and PeerList, not read
	// directly: viper folds map keys to lower case and peer ids are case-sensitive.
	Peers       map[string]PeerConfig `mapstructure:"-"`
	PeerEntries []PeerConfig          `mapstructure:"peers"`
	PeerList    string                `mapstructure:"peer_list"`
	TimeoutSec  int64                 `mapstructure:"timeout_sec"`
}

type PeerConfig struct {
	ID      string `mapstructure:"id"`
	URL     string `mapstructure:"url"`
	Address string `mapstructure:"address"`
}

// URLs returns the peer id → base URL table.
func (t TransportConfig) URLs() map[string]string {
	out := make(map[string]string, len(t.Peers))
	for id, p := range t.Peers {
		out[id] = p.URL
	}
	return out
}

func (t TransportConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSec) * time.Second
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("aggregation.queue_capacity", 2048)
	v.SetDefault("aggregation.threshold", 100)
	v.SetDefault("aggregation.interval_sec", 60)
	v.SetDefault("aggregation.await_timeout_sec", 10)
	v.SetDefault("aggregation.lease_timeout_sec", 600)
	v.SetDefault("transport.timeout_sec", 30)

	// Config file (optional)
	v.SetConfigType("yaml")
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/app")
		_ = v.ReadInConfig()
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"node.peer_id":                  "PEER_ID",
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"aggregation.queue_capacity":    "AGGREGATION_QUEUE_CAPACITY",
		"aggregation.threshold":         "AGGREGATION_THRESHOLD",
		"aggregation.interval_sec":      "AGGREGATION_INTERVAL_SEC",
		"aggregation.await_timeout_sec": "AGGREGATION_AWAIT_TIMEOUT_SEC",
		"aggregation.lease_timeout_sec": "AGGREGATION_LEASE_TIMEOUT_SEC",
		"chain.rpc_url":                 "RPC_URL",
		"chain.contract_address":        "CHANNELS_CONTRACT",
		"chain.private_key":             "NODE_PRIVATE_KEY",
		"chain.chain_id":                "CHAIN_ID",
		"server.port":                   "PORT",
		"transport.peer_list":           "TRANSPORT_PEER_LIST",
		"transport.timeout_sec":         "TRANSPORT_TIMEOUT_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Transport.buildPeers(); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

// buildPeers indexes the peers of the config file and of TRANSPORT_PEER_LIST
// ("id=address@url,...") by id. An id may appear only once.
func (t *TransportConfig) buildPeers() error {
	t.Peers = make(map[string]PeerConfig, len(t.PeerEntries))
	add := func(p PeerConfig) error {
		if p.ID == "" {
			return fmt.Errorf("transport.peers: entry without id (url %q)", p.URL)
		}
		if _, dup := t.Peers[p.ID]; dup {
			return fmt.Errorf("transport.peers: duplicate peer id %q", p.ID)
		}
		t.Peers[p.ID] = p
		return nil
	}
	for _, p := range t.PeerEntries {
		if err := add(p); err != nil {
			return err
		}
	}
	if t.PeerList == "" {
		return nil
	}
	for _, entry := range strings.Split(t.PeerList, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rest, ok := strings.Cut(entry, "=")
		if !ok || id == "" {
			return fmt.Errorf("invalid TRANSPORT_PEER_LIST entry %q: want id=address@url", entry)
		}
		addr, url, ok := strings.Cut(rest, "@")
		if !ok || addr == "" || url == "" {
			return fmt.Errorf("invalid TRANSPORT_PEER_LIST entry %q: want id=address@url", entry)
		}
		if err := add(PeerConfig{ID: id, URL: url, Address: addr}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Node.PeerID, "PEER_ID"},
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.ContractAddress, "CHANNELS_CONTRACT"},
		{c.Chain.PrivateKey, "NODE_PRIVATE_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	for id, p := range c.Transport.Peers {
		if p.URL == "" || !common.IsHexAddress(p.Address) {
			return fmt.Errorf("transport.peers: peer %s needs a url and a hex address", id)
		}
		p.URL = strings.TrimRight(p.URL, "/")
		c.Transport.Peers[id] = p
	}
	if c.Aggregation.QueueCapacity < 1 {
		return fmt.Errorf("aggregation.queue_capacity must be positive, got %d", c.Aggregation.QueueCapacity)
	}
	if c.Aggregation.Threshold < 2 {
		return fmt.Errorf("aggregation.threshold must be at least 2, got %d", c.Aggregation.Threshold)
	}
	if c.Aggregation.IntervalSec <= 0 || c.Aggregation.AwaitTimeoutSec <= 0 || c.Aggregation.LeaseTimeoutSec <= 0 {
		return fmt.Errorf("aggregation intervals and timeouts must be positive")
	}
	return nil
}
