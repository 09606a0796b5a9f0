package storage

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config holds the connection settings for the key-value store. The config
// database carries the registry and pub/sub channels; aggregates live in the
// data databases.
type Config struct {
	Address       string        `yaml:"address"`
	ConfigDB      int           `yaml:"config_db"`
	DefaultDataDB int           `yaml:"default_data_db"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+"store.address", "localhost:6379", "Address of the key-value store.")
	f.IntVar(&cfg.ConfigDB, prefix+"store.config-db", 0, "Store database index holding the configuration registry.")
	f.IntVar(&cfg.DefaultDataDB, prefix+"store.default-data-db", 1, "Store database index used for aggregates when a definition does not name one.")
	cfg.DialTimeout = 5 * time.Second
	cfg.ReadTimeout = 30 * time.Second
	cfg.WriteTimeout = 30 * time.Second
}

// Store hands out clients for the config and data databases. The shared
// config client is pooled and safe for concurrent use; pub/sub owners open
// their own exclusive client so that a subscription never starves other
// config reads.
type Store struct {
	cfg Config

	config *redis.Client

	mtx  sync.Mutex
	data map[int]*redis.Client
}

func New(cfg Config) *Store {
	s := &Store{
		cfg:  cfg,
		data: map[int]*redis.Client{},
	}
	s.config = s.newClient(cfg.ConfigDB)
	return s
}

// Config returns the shared pooled client for the config database.
func (s *Store) Config() *redis.Client {
	return s.config
}

// ExclusiveConfig returns a dedicated config-database client. The caller owns
// it and must close it.
func (s *Store) ExclusiveConfig() *redis.Client {
	return s.newClient(s.cfg.ConfigDB)
}

// Data returns the shared client for the given data database. A db of 0
// selects the configured default.
func (s *Store) Data(db int) *redis.Client {
	if db == 0 {
		db = s.cfg.DefaultDataDB
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if client, ok := s.data[db]; ok {
		return client
	}
	client := s.newClient(db)
	s.data[db] = client
	return client
}

// Ping verifies connectivity to the config database.
func (s *Store) Ping(ctx context.Context) error {
	return s.config.Ping(ctx).Err()
}

func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.config.Close()
	for _, client := range s.data {
		if cerr := client.Close(); err == nil {
			err = cerr
		}
	}
	s.data = map[int]*redis.Client{}
	return err
}

func (s *Store) newClient(db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         s.cfg.Address,
		DB:           db,
		DialTimeout:  s.cfg.DialTimeout,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	})
}
