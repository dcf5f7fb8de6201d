package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AKIVA-AI/enterprise-crypto-sub000/libs/config"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int32
}

// DSN renders a pgx connection string.
func (d DBConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.Name,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	if d.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(int(d.MaxConns)))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type GRPCConfig struct {
	Host string
	Port int
}

type KafkaTopics struct {
	Audit      string
	Reconcile  string
	DeadLetter string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig is the shared per-user budget across trading routes.
// Place, Cancel and Close add per-route budgets when positive.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
	Place  int
	Cancel int
	Close  int
}

type PriceConfig struct {
	TickerURL         string
	StreamURL         string
	StreamInstruments []string
	CacheTTL          time.Duration
	Timeout           time.Duration
}

type HealthConfig struct {
	MaxAge       time.Duration
	ProbeTimeout time.Duration
}

type SimulatorConfig struct {
	TakerFeeRate   decimal.Decimal
	MaxSlippageBps int
	FullFillRate   float64
}

type VenueCredentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
	BaseURL    string
}

type VenuesConfig struct {
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Coinbase          VenueCredentials
	Binance           VenueCredentials
	Bitget            VenueCredentials
}

type Config struct {
	App       base.AppConfig
	DB        DBConfig
	GRPC      GRPCConfig
	Kafka     KafkaConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Price     PriceConfig
	Health    HealthConfig
	Simulator SimulatorConfig
	Venues    VenuesConfig
	JWTSecret string
}

func Load() (*Config, error) {
	path := envString("CONFIG", "")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(base.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	feeRate, err := decimal.NewFromString(envString("SIM_TAKER_FEE_RATE", v.GetString("simulator.taker_fee_rate")))
	if err != nil {
		return nil, fmt.Errorf("simulator.taker_fee_rate: %w", err)
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", v.GetString("db.host"))),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", v.GetInt("db.port"))),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", v.GetString("db.name"))),
			User:     envString("DB_USER", envString("POSTGRES_USER", v.GetString("db.user"))),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", v.GetString("db.password"))),
			SSLMode:  envString("DB_SSLMODE", v.GetString("db.sslmode")),
			MaxConns: int32(envInt("DB_MAX_CONNS", v.GetInt("db.max_conns"))),
		},
		GRPC: GRPCConfig{
			Host: envString("GRPC_HOST", v.GetString("grpc.host")),
			Port: envInt("GRPC_PORT", v.GetInt("grpc.port")),
		},
		Kafka: KafkaConfig{
			Enabled:       envBool("KAFKA_ENABLED", v.GetBool("kafka.enabled")),
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Audit:      envString("KAFKA_AUDIT_TOPIC", v.GetString("kafka.topics.audit")),
				Reconcile:  envString("KAFKA_RECONCILE_TOPIC", v.GetString("kafka.topics.reconcile")),
				DeadLetter: envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
		},
		RateLimit: RateLimitConfig{
			Limit:  envInt("RATE_LIMIT", v.GetInt("rate_limit.limit")),
			Window: envDuration("RATE_LIMIT_WINDOW", v.GetDuration("rate_limit.window")),
			Place:  envInt("RATE_LIMIT_PLACE", v.GetInt("rate_limit.place")),
			Cancel: envInt("RATE_LIMIT_CANCEL", v.GetInt("rate_limit.cancel")),
			Close:  envInt("RATE_LIMIT_CLOSE", v.GetInt("rate_limit.close")),
		},
		Price: PriceConfig{
			TickerURL:         envString("PRICE_TICKER_URL", v.GetString("price.ticker_url")),
			StreamURL:         envString("PRICE_STREAM_URL", v.GetString("price.stream_url")),
			StreamInstruments: envCSV("PRICE_STREAM_INSTRUMENTS", v.GetStringSlice("price.stream_instruments")),
			CacheTTL:          envDuration("PRICE_CACHE_TTL", v.GetDuration("price.cache_ttl")),
			Timeout:           envDuration("PRICE_TIMEOUT", v.GetDuration("price.timeout")),
		},
		Health: HealthConfig{
			MaxAge:       envDuration("HEALTH_MAX_AGE", v.GetDuration("health.max_age")),
			ProbeTimeout: envDuration("HEALTH_PROBE_TIMEOUT", v.GetDuration("health.probe_timeout")),
		},
		Simulator: SimulatorConfig{
			TakerFeeRate:   feeRate,
			MaxSlippageBps: envInt("SIM_MAX_SLIPPAGE_BPS", v.GetInt("simulator.max_slippage_bps")),
			FullFillRate:   v.GetFloat64("simulator.full_fill_rate"),
		},
		Venues: VenuesConfig{
			RequestTimeout:    envDuration("VENUE_TIMEOUT", v.GetDuration("venues.request_timeout")),
			RequestsPerSecond: v.GetFloat64("venues.requests_per_second"),
			Coinbase:          venueCredentials(v, "coinbase"),
			Binance:           venueCredentials(v, "binance"),
			Bitget:            venueCredentials(v, "bitget"),
		},
		JWTSecret: envString("JWT_SECRET", v.GetString("jwt_secret")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret required")
	}
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("%s_GRPC_PORT must be positive", base.EnvPrefix)
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive")
	}
	if c.RateLimit.Place < 0 || c.RateLimit.Cancel < 0 || c.RateLimit.Close < 0 {
		return fmt.Errorf("rate_limit route budgets must not be negative")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.Audit == "" || c.Kafka.Topics.Reconcile == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	if c.Simulator.MaxSlippageBps < 0 {
		return fmt.Errorf("simulator.max_slippage_bps must be non-negative")
	}
	if c.Simulator.FullFillRate < 0.9 || c.Simulator.FullFillRate > 1 {
		return fmt.Errorf("simulator.full_fill_rate must be within [0.9, 1]")
	}
	if c.Simulator.TakerFeeRate.IsNegative() {
		return fmt.Errorf("simulator.taker_fee_rate must be non-negative")
	}
	if c.Venues.RequestTimeout <= 0 || c.Price.Timeout <= 0 {
		return fmt.Errorf("outbound timeouts must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "trading")
	v.SetDefault("db.user", "trading")
	v.SetDefault("db.password", "trading")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 20)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9095)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "trading-reconciler")
	v.SetDefault("kafka.topics.audit", "audit.events")
	v.SetDefault("kafka.topics.reconcile", "ledger.reconcile")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("rate_limit.limit", 30)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.place", 0)
	v.SetDefault("rate_limit.cancel", 0)
	v.SetDefault("rate_limit.close", 0)
	v.SetDefault("price.ticker_url", "https://api.exchange.coinbase.com/products/%s/ticker")
	v.SetDefault("price.stream_url", "")
	v.SetDefault("price.stream_instruments", []string{"BTC-USD", "ETH-USD"})
	v.SetDefault("price.cache_ttl", "2s")
	v.SetDefault("price.timeout", "2s")
	v.SetDefault("health.max_age", "5m")
	v.SetDefault("health.probe_timeout", "1s")
	v.SetDefault("simulator.taker_fee_rate", "0.001")
	v.SetDefault("simulator.max_slippage_bps", 10)
	v.SetDefault("simulator.full_fill_rate", 0.9)
	v.SetDefault("venues.request_timeout", "5s")
	v.SetDefault("venues.requests_per_second", 5)
	v.SetDefault("venues.coinbase.base_url", "https://api.coinbase.com")
	v.SetDefault("venues.binance.base_url", "https://api.binance.com")
	v.SetDefault("venues.bitget.base_url", "https://api.bitget.com")
	v.SetDefault("jwt_secret", "")
}

func venueCredentials(v *viper.Viper, name string) VenueCredentials {
	prefix := strings.ToUpper(name) + "_"
	return VenueCredentials{
		APIKey:     envString(prefix+"API_KEY", v.GetString("venues."+name+".api_key")),
		APISecret:  envString(prefix+"API_SECRET", v.GetString("venues."+name+".api_secret")),
		Passphrase: envString(prefix+"PASSPHRASE", v.GetString("venues."+name+".passphrase")),
		BaseURL:    envString(prefix+"BASE_URL", v.GetString("venues."+name+".base_url")),
	}
}

// lookupEnv checks the prefixed variable first, then the bare key.
func lookupEnv(key string) (string, bool) {
	if v := os.Getenv(base.EnvPrefix + "_" + key); v != "" {
		return v, true
	}
	if v := os.Getenv(key); v != "" {
		return v, true
	}
	return "", false
}

func envString(key, def string) string {
	if v, ok := lookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := lookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := lookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := lookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	v, ok := lookupEnv(key)
	if !ok {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
