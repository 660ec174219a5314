package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StoreRedis  = "redis"
	StoreMongo  = "mongo"
	StoreScylla = "scylla"
	StoreMemory = "memory"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete process configuration, populated from the environment.
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`

	Logging       LoggingConfig
	Server        ServerConfig
	Upstream      UpstreamConfig
	RateLimit     RateLimitConfig
	Redis         RedisConfig
	Mongo         MongoConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	Bucketing     BucketingConfig
	Events        EventsConfig
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type ServerConfig struct {
	Port         int           `env:"SERVER_PORT" envDefault:"8080"`
	TLSPort      int           `env:"SERVER_TLS_PORT" envDefault:"8443"`
	EnableTLS    bool          `env:"SERVER_ENABLE_TLS" envDefault:"false"`
	AutoCert     bool          `env:"SERVER_AUTO_CERT" envDefault:"false"`
	Domain       string        `env:"SERVER_DOMAIN" envDefault:"localhost"`
	Email        string        `env:"SERVER_ACME_EMAIL"`
	CertFile     string        `env:"SERVER_CERT_FILE"`
	KeyFile      string        `env:"SERVER_KEY_FILE"`
	AutoCertDir  string        `env:"SERVER_AUTO_CERT_DIR" envDefault:"./certs"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"90s"`
	AdminToken   string        `env:"ADMIN_TOKEN"`
	CORSOrigins  []string      `env:"SERVER_CORS_ORIGINS" envDefault:"https://*" envSeparator:","`
	// TrustedProxies lists the peers (CIDR or single IP) whose forwarding
	// headers name the client. Empty means the socket address is the client.
	TrustedProxies []string `env:"SERVER_TRUSTED_PROXIES" envSeparator:","`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is taken as a
// single-host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// UpstreamConfig points at the messaging application the guard fronts.
type UpstreamConfig struct {
	URL             string        `env:"UPSTREAM_URL" envDefault:"http://localhost:3000"`
	AuthRoutePrefix string        `env:"AUTH_ROUTE_PREFIX" envDefault:"/api/auth"`
	Timeout         time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
}

type RateLimitConfig struct {
	Store          string        `env:"RATE_LIMIT_STORE" envDefault:"redis"`
	CheckTimeout   time.Duration `env:"RATE_LIMIT_CHECK_TIMEOUT" envDefault:"300ms"`
	RecordTimeout  time.Duration `env:"RATE_LIMIT_RECORD_TIMEOUT" envDefault:"2s"`
	SweepInterval  time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL" envDefault:"1h"`
	MaxBodyBytes   int64         `env:"RATE_LIMIT_MAX_BODY_BYTES" envDefault:"1048576"`
	RecordInFlight int           `env:"RATE_LIMIT_RECORD_IN_FLIGHT" envDefault:"256"`
}

type RedisConfig struct {
	URL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize  int    `env:"REDIS_POOL_SIZE" envDefault:"50"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"auth_rl"`

	// Used only with rediss:// URLs.
	TLSCAFile   string `env:"REDIS_TLS_CA_FILE" envDefault:"/app/certs/ca.crt"`
	TLSCertFile string `env:"REDIS_TLS_CERT_FILE" envDefault:"/app/certs/redis.crt"`
	TLSKeyFile  string `env:"REDIS_TLS_KEY_FILE" envDefault:"/app/certs/redis.key"`
}

type MongoConfig struct {
	URL             string        `env:"MONGODB_URL" envDefault:"mongodb://localhost:27017"`
	Database        string        `env:"MONGODB_DATABASE" envDefault:"chat"`
	Collection      string        `env:"MONGODB_COLLECTION" envDefault:"rate_limit_records"`
	ConnectTimeout  time.Duration `env:"MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
	MaxPoolSize     uint64        `env:"MONGODB_MAX_POOL_SIZE" envDefault:"100"`
	MinPoolSize     uint64        `env:"MONGODB_MIN_POOL_SIZE" envDefault:"1"`
	MaxConnIdleTime time.Duration `env:"MONGODB_MAX_CONN_IDLE_TIME" envDefault:"300s"`
	RetryAttempts   int           `env:"MONGODB_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval   time.Duration `env:"MONGODB_RETRY_INTERVAL" envDefault:"2s"`
}

type ScyllaConfig struct {
	Nodes      []string `env:"SCYLLA_NODES" envDefault:"localhost:9042" envSeparator:","`
	Keyspace   string   `env:"SCYLLA_KEYSPACE" envDefault:"auth_guard"`
	Username   string   `env:"SCYLLA_USERNAME"`
	Password   string   `env:"SCYLLA_PASSWORD"`
	CAPath     string   `env:"SCYLLA_CA_PATH"`
	CertPath   string   `env:"SCYLLA_CERT_PATH"`
	KeyPath    string   `env:"SCYLLA_KEY_PATH"`
	CASRetries int      `env:"SCYLLA_CAS_RETRIES" envDefault:"8"`
}

type KafkaConfig struct {
	Enabled bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Topic   string   `env:"KAFKA_SECURITY_TOPIC" envDefault:"auth.security-events"`
	TLS     bool     `env:"KAFKA_TLS" envDefault:"false"`
}

type ElasticsearchConfig struct {
	Enabled  bool   `env:"ELASTICSEARCH_ENABLED" envDefault:"false"`
	URL      string `env:"ELASTICSEARCH_URL" envDefault:"http://localhost:9200"`
	Username string `env:"ELASTICSEARCH_USERNAME"`
	Password string `env:"ELASTICSEARCH_PASSWORD"`
	Index    string `env:"ELASTICSEARCH_LOCKOUT_INDEX" envDefault:"auth-lockouts"`
}

type ClickhouseConfig struct {
	Enabled       bool          `env:"CLICKHOUSE_ENABLED" envDefault:"false"`
	URL           string        `env:"CLICKHOUSE_URL" envDefault:"http://localhost:9000"`
	Username      string        `env:"CLICKHOUSE_USERNAME" envDefault:"default"`
	Password      string        `env:"CLICKHOUSE_PASSWORD"`
	Database      string        `env:"CLICKHOUSE_DATABASE" envDefault:"auth_analytics"`
	CAFile        string        `env:"CLICKHOUSE_CA_FILE"`
	BatchSize     int           `env:"CLICKHOUSE_BATCH_SIZE" envDefault:"500"`
	FlushInterval time.Duration `env:"CLICKHOUSE_FLUSH_INTERVAL" envDefault:"5s"`
}

type BucketingConfig struct {
	RecordBuckets int `env:"BUCKETING_RECORD_BUCKETS" envDefault:"64"`
}

type EventsConfig struct {
	BufferSize int           `env:"EVENTS_BUFFER_SIZE" envDefault:"4096"`
	Workers    int           `env:"EVENTS_WORKERS" envDefault:"4"`
	Timeout    time.Duration `env:"EVENTS_SINK_TIMEOUT" envDefault:"5s"`
}

var (
	current  *Config
	loadOnce sync.Once
	loadErr  error
)

// LoadConfig reads .env (if present) and the process environment. It is
// evaluated once per process; later calls return the same instance.
func LoadConfig() (*Config, error) {
	loadOnce.Do(func() {
		// .env is optional
		_ = godotenv.Load()
		current, loadErr = Parse()
	})
	return current, loadErr
}

// Get returns the loaded configuration, or development defaults if
// LoadConfig has not run.
func Get() *Config {
	if current == nil {
		cfg, err := LoadConfig()
		if err != nil || cfg == nil {
			fallback, _ := Parse()
			return fallback
		}
		return cfg
	}
	return current
}

// Parse builds a Config from the current environment without caching.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.RateLimit.Store = strings.ToLower(strings.TrimSpace(cfg.RateLimit.Store))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.RateLimit.Store {
	case StoreRedis, StoreMongo, StoreScylla, StoreMemory:
	default:
		return fmt.Errorf("%w: unknown RATE_LIMIT_STORE %q", ErrInvalidConfig, c.RateLimit.Store)
	}
	if c.RateLimit.CheckTimeout <= 0 {
		return fmt.Errorf("%w: RATE_LIMIT_CHECK_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.RateLimit.SweepInterval <= 0 {
		return fmt.Errorf("%w: RATE_LIMIT_SWEEP_INTERVAL must be positive", ErrInvalidConfig)
	}
	if c.Bucketing.RecordBuckets <= 0 {
		return fmt.Errorf("%w: BUCKETING_RECORD_BUCKETS must be positive", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.Upstream.AuthRoutePrefix, "/") {
		return fmt.Errorf("%w: AUTH_ROUTE_PREFIX must start with /", ErrInvalidConfig)
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		return fmt.Errorf("%w: SERVER_TRUSTED_PROXIES: %v", ErrInvalidConfig, err)
	}
	if c.IsProduction() && c.RateLimit.Store == StoreMemory {
		return fmt.Errorf("%w: memory store is single-instance only and not allowed in production", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
