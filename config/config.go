// Package config loads the node configuration from YAML.
package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"darkpool/domain/engine"
	"darkpool/infra/cipher"
	"darkpool/infra/logging"
)

// Cluster modes.
const (
	ClusterLocal = "local"
	ClusterKafka = "kafka"
)

type Config struct {
	Log        logging.Config   `yaml:"log"`
	Journal    JournalConfig    `yaml:"journal"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	GRPC       ServerConfig     `yaml:"grpc"`
	Metrics    ServerConfig     `yaml:"metrics"`
	Matching   MatchingConfig   `yaml:"matching"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Settlement SettlementConfig `yaml:"settlement"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
}

type JournalConfig struct {
	Dir             string        `yaml:"dir"`
	SegmentSize     int64         `yaml:"segmentSize"`
	SegmentDuration time.Duration `yaml:"segmentDuration"`
	Sync            bool          `yaml:"sync"`
}

type OutboxConfig struct {
	Dir string `yaml:"dir"`
}

// SnapshotConfig controls periodic state snapshots. A zero interval
// disables them.
type SnapshotConfig struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
}

// ServerConfig is a listen address; empty disables the server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type MatchingConfig struct {
	Interval time.Duration `yaml:"interval"`
	Scope    string        `yaml:"scope"`
}

// ClusterConfig selects the computation backend. The local cluster runs
// in process and needs its private key; the kafka mode only knows the
// remote cluster's public key, which is stored in the book.
type ClusterConfig struct {
	Mode      string `yaml:"mode"`
	KeyFile   string `yaml:"keyFile"`
	QueueSize int    `yaml:"queueSize"`
}

// SettlementConfig enables automatic settlement of match batches with the
// settlement authority's key.
type SettlementConfig struct {
	KeyFile string `yaml:"keyFile"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	RequestTopic  string   `yaml:"requestTopic"`
	CallbackTopic string   `yaml:"callbackTopic"`
	GroupID       string   `yaml:"groupId"`
	EventTopic    string   `yaml:"eventTopic"`
	MaxTries      uint     `yaml:"maxTries"`
}

type BroadcastConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	MaxRetries uint32        `yaml:"maxRetries"`
}

// Default is the configuration of a single local node.
func Default() Config {
	return Config{
		Log: logging.Config{Level: "info", Format: logging.FormatJSON},
		Journal: JournalConfig{
			Dir:             "./data/journal",
			SegmentSize:     2 * 1024 * 1024,
			SegmentDuration: time.Minute,
			Sync:            true,
		},
		Outbox:   OutboxConfig{Dir: "./data/outbox"},
		Snapshot: SnapshotConfig{Dir: "./data/snapshot", Interval: 5 * time.Minute},
		GRPC:     ServerConfig{Addr: ":50051"},
		Metrics:  ServerConfig{Addr: ":9090"},
		Matching: MatchingConfig{Interval: engine.DefaultMatchInterval, Scope: engine.ScopeBook.String()},
		Cluster:  ClusterConfig{Mode: ClusterLocal, QueueSize: 256},
		Kafka: KafkaConfig{
			RequestTopic:  "darkpool.computations",
			CallbackTopic: "darkpool.callbacks",
			GroupID:       "darkpool-ledger",
			EventTopic:    "darkpool.events",
			MaxTries:      5,
		},
		Broadcast: BroadcastConfig{Interval: 2 * time.Second, MaxRetries: 10},
	}
}

// Load reads path over Default. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Journal.Dir == "" || c.Outbox.Dir == "" {
		return errors.New("journal.dir and outbox.dir are required")
	}
	if c.Snapshot.Interval > 0 && c.Snapshot.Dir == "" {
		return errors.New("snapshot.dir is required when snapshots are enabled")
	}
	if _, err := engine.ParseScope(c.Matching.Scope); err != nil {
		return err
	}
	switch c.Cluster.Mode {
	case ClusterLocal:
		if c.Cluster.KeyFile == "" {
			return errors.New("cluster.keyFile is required in local mode")
		}
	case ClusterKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.RequestTopic == "" || c.Kafka.CallbackTopic == "" {
			return errors.New("kafka.brokers, requestTopic and callbackTopic are required in kafka mode")
		}
	default:
		return errors.Newf("unknown cluster mode %q", c.Cluster.Mode)
	}
	if c.Broadcast.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.EventTopic == "") {
		return errors.New("broadcast needs kafka.brokers and kafka.eventTopic")
	}
	return nil
}

// Engine returns the ledger engine settings.
func (c Config) Engine() engine.Config {
	scope, _ := engine.ParseScope(c.Matching.Scope)
	return engine.Config{MatchInterval: c.Matching.Interval, MatchScope: scope}
}

// ReadKey loads a base58 private key file.
func ReadKey(path string) (cipher.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return cipher.PrivateKey{}, errors.Wrapf(err, "read key %s", path)
	}
	k, err := cipher.ParsePrivateKey(strings.TrimSpace(string(raw)))
	return k, errors.Wrapf(err, "parse key %s", path)
}
