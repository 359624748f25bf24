// Package config loads deal-automation configuration from YAML with
// environment variable overrides.
//
// Environment files are loaded before overrides are applied, in this order:
// ENV_FILE (alone, when set), otherwise .env.local then .env.
package config

import (
	"fmt"
	"time"
)

// Default configuration values.
const (
	defaultServiceName    = "deal-automation"
	defaultServiceVersion = "0.1.0"
	defaultServicePort    = 8095

	defaultDBHost    = "localhost"
	defaultDBPort    = 5432
	defaultDBUser    = "postgres"
	defaultDBName    = "deal_automation"
	defaultDBSSLMode = "disable"

	defaultRedisAddress   = "localhost:6379"
	defaultRedisKeyPrefix = "deals"

	defaultProviderTimeout      = 30 * time.Second
	defaultProviderRPS          = 1.0
	defaultProviderBurst        = 1
	defaultProviderDomain       = 1
	defaultEstimatedJobCost     = 5
	defaultBreakerFailures      = 5
	defaultBreakerOpenTimeout   = 60 * time.Second
	defaultLimiterCapacity      = 300
	defaultLimiterRefillPerMin  = 5.0
	defaultQueueLeaseTimeout    = 2 * time.Minute
	defaultQueueMaxAttempts     = 3
	defaultQueueBackoffInitial  = 30 * time.Second
	defaultQueueBackoffMax      = 15 * time.Minute
	defaultSchedulerInterval    = 60 * time.Second
	defaultSchedulerBatchSize   = 500
	defaultLeaderTTL            = 30 * time.Second
	defaultWorkerInterval       = 5 * time.Second
	defaultWorkerMaxJobsPerTick = 10
	defaultMaxDealsPerRule      = 5
	defaultJobTimeout           = 90 * time.Second
	defaultDedupTTL             = 24 * time.Hour
	defaultCacheTTL             = 10 * time.Minute
	defaultPrefetchTop          = 5
	defaultPrefetchMinTokens    = 50.0
	defaultHistoryIndex         = "deal_history"
	defaultLoggingLevel         = "info"
	defaultLoggingFormat        = "json"
)

// Config holds the application configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Provider  ProviderConfig  `yaml:"provider"`
	Limiter   LimiterConfig   `yaml:"limiter"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Cache     CacheConfig     `yaml:"cache"`
	Prefetch  PrefetchConfig  `yaml:"prefetch"`
	History   HistoryConfig   `yaml:"history"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig holds service-level configuration.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Port    int    `env:"DEAL_AUTOMATION_PORT" yaml:"port"`
	Debug   bool   `env:"APP_DEBUG"            yaml:"debug"`
}

// DatabaseConfig holds the rule store PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string `env:"POSTGRES_DEAL_AUTOMATION_HOST"     yaml:"host"`
	Port     int    `env:"POSTGRES_DEAL_AUTOMATION_PORT"     yaml:"port"`
	User     string `env:"POSTGRES_DEAL_AUTOMATION_USER"     yaml:"user"`
	Password string `env:"POSTGRES_DEAL_AUTOMATION_PASSWORD" yaml:"password"` //nolint:gosec // DB connection config
	Database string `env:"POSTGRES_DEAL_AUTOMATION_DB"       yaml:"database"`
	SSLMode  string `env:"POSTGRES_DEAL_AUTOMATION_SSLMODE"  yaml:"sslmode"`
}

// DSN returns the lib/pq connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// MigrateURL returns the postgres:// URL golang-migrate expects.
func (d *DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// RedisConfig holds the shared state store configuration.
type RedisConfig struct {
	Address   string `env:"REDIS_ADDRESS"    yaml:"address"`
	Password  string `env:"REDIS_PASSWORD"   yaml:"password"` //nolint:gosec // Redis connection config
	DB        int    `env:"REDIS_DB"         yaml:"db"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" yaml:"key_prefix"`
}

// ProviderConfig configures the catalog/price-history API client.
type ProviderConfig struct {
	BaseURL           string        `env:"PROVIDER_BASE_URL" yaml:"base_url"`
	APIKey            string        `env:"PROVIDER_API_KEY"  yaml:"api_key"` //nolint:gosec // provider credential
	Domain            int           `yaml:"domain"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `env:"PROVIDER_RPS" yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	EstimatedJobCost  int           `yaml:"estimated_job_cost"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
	// MaxResponseBytes caps a provider body; zero means 32 MiB.
	MaxResponseBytes  int64         `yaml:"max_response_bytes"`
}

// LimiterConfig configures the shared token bucket.
type LimiterConfig struct {
	Capacity        float64 `env:"PROVIDER_TOKEN_CAPACITY"   yaml:"capacity"`
	RefillPerMinute float64 `env:"PROVIDER_TOKENS_PER_MINUTE" yaml:"refill_per_minute"`
	// LocalClock makes the bucket use this process's clock instead of the
	// Redis server TIME.
	LocalClock bool `yaml:"local_clock"`
}

// QueueConfig configures the category job queue.
type QueueConfig struct {
	LeaseTimeout   time.Duration `yaml:"lease_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// SchedulerConfig configures the coarse scheduler tick.
type SchedulerConfig struct {
	Interval       time.Duration `env:"SCHEDULER_INTERVAL" yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	LeaderElection bool          `yaml:"leader_election"`
	LeaderTTL      time.Duration `yaml:"leader_ttl"`
}

// WorkerConfig configures the fine-grained worker tick.
type WorkerConfig struct {
	Interval        time.Duration `env:"WORKER_INTERVAL" yaml:"interval"`
	MaxJobsPerTick  int           `yaml:"max_jobs_per_tick"`
	MaxDealsPerRule int           `yaml:"max_deals_per_rule"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
}

// DedupConfig configures publish dedup markers.
type DedupConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// CacheConfig configures the provider payload cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// PrefetchConfig configures scheduled cache warming.
type PrefetchConfig struct {
	Schedule      string  `env:"PREFETCH_SCHEDULE" yaml:"schedule"`
	TopCategories int     `yaml:"top_categories"`
	MinTokens     float64 `yaml:"min_tokens"`
}

// HistoryConfig configures the optional Elasticsearch deal history store.
type HistoryConfig struct {
	Enabled  bool   `env:"HISTORY_ENABLED"   yaml:"enabled"`
	URL      string `env:"ELASTICSEARCH_URL" yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"` //nolint:gosec // ES credential
	Index    string `yaml:"index"`
}

// AuthConfig configures admin route authentication.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET" yaml:"jwt_secret"` //nolint:gosec // signing secret
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL"  yaml:"level"`
	Format string `env:"LOG_FORMAT" yaml:"format"`
}

// Load loads configuration from path. A missing file falls back to
// defaults plus environment.
func Load(path string) (*Config, error) {
	return LoadWithDefaults[Config](path, true, setDefaults)
}

func setDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	setDatabaseDefaults(&cfg.Database)
	setRedisDefaults(&cfg.Redis)
	setProviderDefaults(&cfg.Provider)
	setLimiterDefaults(&cfg.Limiter)
	setQueueDefaults(&cfg.Queue)
	setSchedulerDefaults(&cfg.Scheduler)
	setWorkerDefaults(&cfg.Worker)
	setStoreDefaults(cfg)
	setLoggingDefaults(&cfg.Logging)
}

func setServiceDefaults(svc *ServiceConfig) {
	if svc.Name == "" {
		svc.Name = defaultServiceName
	}
	if svc.Version == "" {
		svc.Version = defaultServiceVersion
	}
	if svc.Port == 0 {
		svc.Port = defaultServicePort
	}
}

func setDatabaseDefaults(db *DatabaseConfig) {
	if db.Host == "" {
		db.Host = defaultDBHost
	}
	if db.Port == 0 {
		db.Port = defaultDBPort
	}
	if db.User == "" {
		db.User = defaultDBUser
	}
	if db.Database == "" {
		db.Database = defaultDBName
	}
	if db.SSLMode == "" {
		db.SSLMode = defaultDBSSLMode
	}
}

func setRedisDefaults(r *RedisConfig) {
	if r.Address == "" {
		r.Address = defaultRedisAddress
	}
	if r.KeyPrefix == "" {
		r.KeyPrefix = defaultRedisKeyPrefix
	}
}

func setProviderDefaults(p *ProviderConfig) {
	if p.Domain == 0 {
		p.Domain = defaultProviderDomain
	}
	if p.Timeout == 0 {
		p.Timeout = defaultProviderTimeout
	}
	if p.RequestsPerSecond == 0 {
		p.RequestsPerSecond = defaultProviderRPS
	}
	if p.Burst == 0 {
		p.Burst = defaultProviderBurst
	}
	if p.EstimatedJobCost == 0 {
		p.EstimatedJobCost = defaultEstimatedJobCost
	}
	if p.BreakerFailures == 0 {
		p.BreakerFailures = defaultBreakerFailures
	}
	if p.BreakerTimeout == 0 {
		p.BreakerTimeout = defaultBreakerOpenTimeout
	}
}

func setLimiterDefaults(l *LimiterConfig) {
	if l.Capacity == 0 {
		l.Capacity = defaultLimiterCapacity
	}
	if l.RefillPerMinute == 0 {
		l.RefillPerMinute = defaultLimiterRefillPerMin
	}
}

func setQueueDefaults(q *QueueConfig) {
	if q.LeaseTimeout == 0 {
		q.LeaseTimeout = defaultQueueLeaseTimeout
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = defaultQueueMaxAttempts
	}
	if q.BackoffInitial == 0 {
		q.BackoffInitial = defaultQueueBackoffInitial
	}
	if q.BackoffMax == 0 {
		q.BackoffMax = defaultQueueBackoffMax
	}
}

func setSchedulerDefaults(s *SchedulerConfig) {
	if s.Interval == 0 {
		s.Interval = defaultSchedulerInterval
	}
	if s.BatchSize == 0 {
		s.BatchSize = defaultSchedulerBatchSize
	}
	if s.LeaderTTL == 0 {
		s.LeaderTTL = defaultLeaderTTL
	}
}

func setWorkerDefaults(w *WorkerConfig) {
	if w.Interval == 0 {
		w.Interval = defaultWorkerInterval
	}
	if w.MaxJobsPerTick == 0 {
		w.MaxJobsPerTick = defaultWorkerMaxJobsPerTick
	}
	if w.MaxDealsPerRule == 0 {
		w.MaxDealsPerRule = defaultMaxDealsPerRule
	}
	if w.JobTimeout == 0 {
		w.JobTimeout = defaultJobTimeout
	}
}

// setStoreDefaults covers the small Redis/ES-backed sections.
func setStoreDefaults(cfg *Config) {
	if cfg.Dedup.TTL == 0 {
		cfg.Dedup.TTL = defaultDedupTTL
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = defaultCacheTTL
	}
	if cfg.Prefetch.TopCategories == 0 {
		cfg.Prefetch.TopCategories = defaultPrefetchTop
	}
	if cfg.Prefetch.MinTokens == 0 {
		cfg.Prefetch.MinTokens = defaultPrefetchMinTokens
	}
	if cfg.History.Index == "" {
		cfg.History.Index = defaultHistoryIndex
	}
}

func setLoggingDefaults(log *LoggingConfig) {
	if log.Level == "" {
		log.Level = defaultLoggingLevel
	}
	if log.Format == "" {
		log.Format = defaultLoggingFormat
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validatePort("service.port", c.Service.Port); err != nil {
		return err
	}
	if err := validateRequired("provider.base_url", c.Provider.BaseURL); err != nil {
		return err
	}
	if c.Limiter.Capacity <= 0 {
		return &ValidationError{Field: "limiter.capacity", Message: "must be positive"}
	}
	if c.Limiter.RefillPerMinute < 0 {
		return &ValidationError{Field: "limiter.refill_per_minute", Message: "must not be negative"}
	}
	if float64(c.Provider.EstimatedJobCost) > c.Limiter.Capacity {
		return &ValidationError{
			Field:   "provider.estimated_job_cost",
			Message: "must not exceed limiter.capacity",
		}
	}
	if c.Worker.Interval >= c.Scheduler.Interval {
		return &ValidationError{Field: "worker.interval", Message: "must be shorter than scheduler.interval"}
	}
	if c.Queue.LeaseTimeout <= c.Worker.JobTimeout {
		return &ValidationError{Field: "queue.lease_timeout", Message: "must exceed worker.job_timeout"}
	}
	if c.History.Enabled {
		if err := validateRequired("history.url", c.History.URL); err != nil {
			return err
		}
	}
	return validateLogLevel(c.Logging.Level)
}
