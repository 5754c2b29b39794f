// Package config loads the configuration of the requeue daemon from YAML.
//
// A file is first checked against an embedded JSON Schema, then decoded over
// Default() and finally validated for rules the schema cannot express.
package config

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	requeue "github.com/nickpoorman/http-requeue"
	"github.com/nickpoorman/http-requeue/internal/queue"
	"github.com/nickpoorman/http-requeue/internal/reaper"
	"github.com/nickpoorman/http-requeue/internal/statspub"
	"github.com/nickpoorman/http-requeue/store/badger"
	"github.com/nickpoorman/http-requeue/store/sqlstore"
	"github.com/nickpoorman/http-requeue/transport"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const (
	DriverBadger   = "badger"
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"

	TriggerInterval = "interval"
	TriggerNATS     = "nats"
)

type Config struct {
	// InstanceID identifies this process in published stats. Generated when
	// empty.
	InstanceID string `yaml:"instance_id"`

	Log       Log       `yaml:"log"`
	Store     Store     `yaml:"store"`
	NATS      NATS      `yaml:"nats"`
	HTTP      HTTP      `yaml:"http"`
	Transport Transport `yaml:"transport"`
	Reaper    Reaper    `yaml:"reaper"`
	Stats     Stats     `yaml:"stats"`
	Queues    []Queue   `yaml:"queues"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Store struct {
	Driver string `yaml:"driver"`

	// Path is the badger data directory or the sqlite file.
	Path string `yaml:"path"`

	// DSN and Table configure postgres.
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`

	// Addr, DB and KeyPrefix configure redis.
	Addr      string `yaml:"addr"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`

	LockWait time.Duration `yaml:"lock_wait"`
}

// DefaultNATSConnectTimeout bounds the initial NATS connect retries.
const DefaultNATSConnectTimeout = 30 * time.Second

type NATS struct {
	// URL of the NATS servers. NATS is not used when empty.
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
	// ConnectTimeout must be positive when URL is set.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type HTTP struct {
	// Addr to serve the HTTP API on. Disabled when empty.
	Addr         string `yaml:"addr"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type Transport struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

type Reaper struct {
	Interval time.Duration `yaml:"interval"`
}

type Stats struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Subject  string        `yaml:"subject"`
}

type Queue struct {
	Name         string        `yaml:"name"`
	StoreName    string        `yaml:"store_name"`
	MaxRetention time.Duration `yaml:"max_retention"`
	Triggers     []Trigger     `yaml:"triggers"`
}

type Trigger struct {
	Type      string        `yaml:"type"`
	Interval  time.Duration `yaml:"interval"`
	Immediate bool          `yaml:"immediate"`

	// Subject defaults to the queue's sync subject.
	Subject    string `yaml:"subject"`
	QueueGroup string `yaml:"queue_group"`
}

func Default() Config {
	return Config{
		Log: Log{
			Level:  "info",
			Format: "console",
		},
		Store: Store{
			Driver:   DriverBadger,
			Path:     "./data",
			Table:    sqlstore.DefaultTable,
			LockWait: badger.DefaultLockWait,
		},
		NATS: NATS{
			ConnectTimeout: DefaultNATSConnectTimeout,
		},
		HTTP: HTTP{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
		},
		Transport: Transport{
			Timeout:      transport.DefaultHTTPTimeout,
			MaxBodyBytes: transport.DefaultMaxBodyBytes,
		},
		Reaper: Reaper{
			Interval: reaper.DefaultReapInterval,
		},
		Stats: Stats{
			Interval: statspub.DefaultStatsPublisherInterval,
			Subject:  statspub.StatsSubject,
		},
	}
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: opening file")
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: %s", path)
	}
	return cfg, nil
}

// Parse decodes a YAML config over Default and validates it.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: reading")
	}
	if err := validateSchema(data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return Config{}, errors.Wrap(err, "config: decoding yaml")
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = errors.Wrap(err, "config: decoding schema")
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.json", doc); err != nil {
			schemaErr = errors.Wrap(err, "config: loading schema")
			return
		}
		compiledSchema, schemaErr = c.Compile("config.json")
		if schemaErr != nil {
			schemaErr = errors.Wrap(schemaErr, "config: compiling schema")
		}
	})
	return compiledSchema, schemaErr
}

// validateSchema checks the raw YAML document against the embedded schema.
// The document is bridged to JSON so the validator sees plain JSON values.
func validateSchema(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "config: decoding yaml")
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "config: converting yaml to json")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "config: converting yaml to json")
	}
	sch, err := schema()
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return errors.Wrap(err, "config: schema")
	}
	return nil
}

// Validate checks the rules the schema cannot express.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverBadger, DriverSQLite:
		if c.Store.Path == "" {
			return errors.Errorf("config: store.path is required for the %s driver", c.Store.Driver)
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("config: store.dsn is required for the postgres driver")
		}
	case DriverRedis:
		if c.Store.Addr == "" {
			return errors.New("config: store.addr is required for the redis driver")
		}
	case DriverMemory:
	default:
		return errors.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	if c.Stats.Enabled && c.NATS.URL == "" {
		return errors.New("config: stats.enabled requires nats.url")
	}
	if c.NATS.URL != "" && c.NATS.ConnectTimeout <= 0 {
		return errors.New("config: nats.connect_timeout must be positive")
	}
	if c.Reaper.Interval <= 0 {
		return errors.New("config: reaper.interval must be positive")
	}
	if c.Stats.Enabled && c.Stats.Interval <= 0 {
		return errors.New("config: stats.interval must be positive")
	}
	if c.Transport.Timeout < 0 {
		return errors.New("config: transport.timeout must not be negative")
	}

	type queueID struct{ store, name string }
	seen := make(map[queueID]bool, len(c.Queues))
	for i, q := range c.Queues {
		if err := queue.ValidateName(q.Name); err != nil {
			return errors.Wrapf(err, "config: queues[%d]", i)
		}
		if q.MaxRetention < 0 {
			return errors.Errorf("config: queue %s: max_retention must not be negative", q.Name)
		}
		id := queueID{store: q.StoreNameOrDefault(), name: q.Name}
		if seen[id] {
			return errors.Errorf("config: queue %s is defined twice in store %s", id.name, id.store)
		}
		seen[id] = true

		for _, t := range q.Triggers {
			switch t.Type {
			case TriggerInterval:
				if t.Interval <= 0 {
					return errors.Errorf("config: queue %s: interval trigger needs a positive interval", q.Name)
				}
			case TriggerNATS:
				if c.NATS.URL == "" {
					return errors.Errorf("config: queue %s: nats trigger requires nats.url", q.Name)
				}
			default:
				return errors.Errorf("config: queue %s: unknown trigger type %q", q.Name, t.Type)
			}
		}
	}
	return nil
}

// NeedsNATS reports whether any component uses the NATS connection.
func (c Config) NeedsNATS() bool {
	if c.NATS.URL == "" {
		return false
	}
	if c.Stats.Enabled {
		return true
	}
	for _, q := range c.Queues {
		for _, t := range q.Triggers {
			if t.Type == TriggerNATS {
				return true
			}
		}
	}
	return false
}

func (q Queue) StoreNameOrDefault() string {
	if q.StoreName == "" {
		return requeue.DefaultStoreName
	}
	return q.StoreName
}
