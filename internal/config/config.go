package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP       HTTPConfig
	Logging    LoggingConfig
	Auth       AuthConfig
	Redis      RedisConfig
	AMQP       AMQPConfig
	Kafka      KafkaConfig
	Postgres   PostgresConfig
	Queue      QueueConfig
	Bus        BusConfig
	Graph      GraphConfig
	Risk       RiskConfig
	Webhook    WebhookConfig
	Escalation EscalationConfig
	Pipeline   PipelineConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxBodyBytes      int64
	AllowedOriginsCSV string
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
	Service       string
}

// AuthConfig holds the request-signing settings.
type AuthConfig struct {
	// SecretStore selects where client secrets live: static|redis.
	SecretStore string
	// ClientSecrets is the static clientId -> secret table.
	ClientSecrets map[string]string
	RedisHashKey  string
	MaxSkew       time.Duration
}

// RedisConfig describes the shared Redis connection.
type RedisConfig struct {
	URL string
}

// AMQPConfig describes the RabbitMQ connection.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// KafkaConfig describes the audit stream producer.
type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

// PostgresConfig describes the webhook registry database.
type PostgresConfig struct {
	URL string
}

// QueueConfig selects the work queue implementation.
type QueueConfig struct {
	Driver   string // memory|redis|amqp
	Name     string
	Reliable bool
}

// BusConfig selects fan-out transports.
type BusConfig struct {
	ResultDriver     string   // local|redis
	BroadcastDrivers []string // any of local, redis, kafka, amqp
}

// GraphConfig describes the transfer graph store.
type GraphConfig struct {
	Driver         string // memory|neo4j
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
	SkipBlocked    bool
}

// RiskConfig controls the scoring engine collaborators.
type RiskConfig struct {
	RulesFile     string
	VelocityStore string // memory|redis
	BlocklistKey  string
	Blocklist     []string
}

// WebhookConfig controls outbound result delivery.
type WebhookConfig struct {
	Secret        string
	DefaultURL    string
	Timeout       time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	DeadLetterKey string
}

// EscalationConfig controls the ring detection trigger.
type EscalationConfig struct {
	SettleDelay   time.Duration
	SweepSchedule string
}

// PipelineConfig controls the consumer side.
type PipelineConfig struct {
	Embedded     bool
	Consumers    int
	ErrorBackoff time.Duration
}

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 3000
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxBodyBytes    = 1 << 20
	defaultLoggingLevel    = "info"
	defaultLoggingFormat   = "json"
	defaultServiceName     = "riskpipe"
	defaultClientID        = "mumbai-hacks-client-001"
	defaultMaxSkew         = 5 * time.Minute
	defaultRedisURL        = "redis://localhost:6379"
	defaultQueueName       = "transaction_queue"
	defaultExchange        = "risk_events"
	defaultAuditTopic      = "transaction-events"
	defaultGraphSessions   = 10
	defaultBlocklistKey    = "vpa_blocklist"
	defaultSecretsHashKey  = "client_secrets"
	defaultWebhookTimeout  = 10 * time.Second
	defaultWebhookBackoff  = 500 * time.Millisecond
	defaultDeadLetterKey   = "webhook_dead_letter"
	defaultConsumers       = 4
	defaultErrorBackoff    = time.Second
)

// envConfig is the flat environment view unmarshalled by viper.
type envConfig struct {
	ServerHost            string        `mapstructure:"SERVER_HOST"`
	ServerPort            int           `mapstructure:"SERVER_PORT"`
	ServerReadTimeout     time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	ServerWriteTimeout    time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	ServerIdleTimeout     time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
	ServerShutdownTimeout time.Duration `mapstructure:"SERVER_SHUTDOWN_TIMEOUT"`
	ServerMaxBodyBytes    int64         `mapstructure:"SERVER_MAX_BODY_BYTES"`
	ServerAllowedOrigins  string        `mapstructure:"SERVER_ALLOWED_ORIGINS"`

	LogLevel         string `mapstructure:"LOG_LEVEL"`
	LogFormat        string `mapstructure:"LOG_FORMAT"`
	LogIncludeCaller bool   `mapstructure:"LOG_INCLUDE_CALLER"`
	ServiceName      string `mapstructure:"SERVICE_NAME"`

	AuthSecretStore   string        `mapstructure:"AUTH_SECRET_STORE"`
	AuthClientID      string        `mapstructure:"CLIENT_ID"`
	AuthHMACSecret    string        `mapstructure:"HMAC_SECRET"`
	AuthClientSecrets string        `mapstructure:"AUTH_CLIENT_SECRETS"`
	AuthRedisHashKey  string        `mapstructure:"AUTH_REDIS_HASH_KEY"`
	AuthMaxSkew       time.Duration `mapstructure:"AUTH_MAX_SKEW"`

	RedisURL      string `mapstructure:"REDIS_URL"`
	RabbitMQURL   string `mapstructure:"RABBITMQ_URL"`
	AMQPExchange  string `mapstructure:"AMQP_EXCHANGE"`
	KafkaBrokers  string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic    string `mapstructure:"KAFKA_AUDIT_TOPIC"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	QueueDriver   string `mapstructure:"QUEUE_DRIVER"`
	QueueName     string `mapstructure:"QUEUE_NAME"`
	QueueReliable bool   `mapstructure:"QUEUE_RELIABLE"`

	BusResultDriver     string `mapstructure:"BUS_RESULT_DRIVER"`
	BusBroadcastDrivers string `mapstructure:"BUS_BROADCAST_DRIVERS"`

	GraphDriver         string `mapstructure:"GRAPH_DRIVER"`
	GraphURI            string `mapstructure:"GRAPH_URI"`
	GraphDatabase       string `mapstructure:"GRAPH_DATABASE"`
	GraphUsername       string `mapstructure:"GRAPH_USERNAME"`
	GraphPassword       string `mapstructure:"GRAPH_PASSWORD"`
	GraphMaxConnections int    `mapstructure:"GRAPH_MAX_CONNECTIONS"`
	GraphSkipBlocked    bool   `mapstructure:"GRAPH_SKIP_BLOCKED"`

	RiskRulesFile     string `mapstructure:"RISK_RULES_FILE"`
	RiskVelocityStore string `mapstructure:"RISK_VELOCITY_STORE"`
	RiskBlocklistKey  string `mapstructure:"RISK_BLOCKLIST_KEY"`
	RiskBlocklist     string `mapstructure:"RISK_BLOCKLIST"`

	WebhookSecret        string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookDefaultURL    string        `mapstructure:"WEBHOOK_DEFAULT_URL"`
	WebhookTimeout       time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	WebhookMaxAttempts   int           `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookBackoff       time.Duration `mapstructure:"WEBHOOK_BACKOFF"`
	WebhookDeadLetterKey string        `mapstructure:"WEBHOOK_DEAD_LETTER_KEY"`

	EscalationSettleDelay   time.Duration `mapstructure:"ESCALATION_SETTLE_DELAY"`
	EscalationSweepSchedule string        `mapstructure:"ESCALATION_SWEEP_SCHEDULE"`

	PipelineEmbedded     bool          `mapstructure:"PIPELINE_EMBEDDED"`
	PipelineConsumers    int           `mapstructure:"PIPELINE_CONSUMERS"`
	PipelineErrorBackoff time.Duration `mapstructure:"PIPELINE_ERROR_BACKOFF"`
}

// Load reads configuration from the environment and an optional .env file under path,
// applying defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var env envConfig
	if err := v.Unmarshal(&env); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := env.toConfig()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_HOST", defaultHost)
	v.SetDefault("SERVER_PORT", defaultPort)
	v.SetDefault("SERVER_READ_TIMEOUT", defaultReadTimeout)
	v.SetDefault("SERVER_WRITE_TIMEOUT", defaultWriteTimeout)
	v.SetDefault("SERVER_IDLE_TIMEOUT", defaultIdleTimeout)
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout)
	v.SetDefault("SERVER_MAX_BODY_BYTES", defaultMaxBodyBytes)
	v.SetDefault("LOG_LEVEL", defaultLoggingLevel)
	v.SetDefault("LOG_FORMAT", defaultLoggingFormat)
	v.SetDefault("SERVICE_NAME", defaultServiceName)
	v.SetDefault("AUTH_SECRET_STORE", "static")
	v.SetDefault("CLIENT_ID", defaultClientID)
	v.SetDefault("AUTH_REDIS_HASH_KEY", defaultSecretsHashKey)
	v.SetDefault("AUTH_MAX_SKEW", defaultMaxSkew)
	v.SetDefault("REDIS_URL", defaultRedisURL)
	v.SetDefault("AMQP_EXCHANGE", defaultExchange)
	v.SetDefault("KAFKA_AUDIT_TOPIC", defaultAuditTopic)
	v.SetDefault("QUEUE_DRIVER", "memory")
	v.SetDefault("QUEUE_NAME", defaultQueueName)
	v.SetDefault("BUS_RESULT_DRIVER", "local")
	v.SetDefault("BUS_BROADCAST_DRIVERS", "local")
	v.SetDefault("GRAPH_DRIVER", "memory")
	v.SetDefault("GRAPH_MAX_CONNECTIONS", defaultGraphSessions)
	v.SetDefault("RISK_VELOCITY_STORE", "memory")
	v.SetDefault("RISK_BLOCKLIST_KEY", defaultBlocklistKey)
	v.SetDefault("WEBHOOK_TIMEOUT", defaultWebhookTimeout)
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 1)
	v.SetDefault("WEBHOOK_BACKOFF", defaultWebhookBackoff)
	v.SetDefault("WEBHOOK_DEAD_LETTER_KEY", defaultDeadLetterKey)
	v.SetDefault("PIPELINE_EMBEDDED", true)
	v.SetDefault("PIPELINE_CONSUMERS", defaultConsumers)
	v.SetDefault("PIPELINE_ERROR_BACKOFF", defaultErrorBackoff)
}

var envKeys = []string{
	"SERVER_HOST", "SERVER_READ_TIMEOUT", "SERVER_WRITE_TIMEOUT", "SERVER_IDLE_TIMEOUT",
	"SERVER_SHUTDOWN_TIMEOUT", "SERVER_MAX_BODY_BYTES", "SERVER_ALLOWED_ORIGINS",
	"LOG_LEVEL", "LOG_FORMAT", "LOG_INCLUDE_CALLER", "SERVICE_NAME",
	"AUTH_SECRET_STORE", "CLIENT_ID", "HMAC_SECRET", "AUTH_CLIENT_SECRETS", "AUTH_REDIS_HASH_KEY", "AUTH_MAX_SKEW",
	"REDIS_URL", "RABBITMQ_URL", "AMQP_EXCHANGE", "KAFKA_BROKERS", "KAFKA_AUDIT_TOPIC", "DATABASE_URL",
	"QUEUE_DRIVER", "QUEUE_NAME", "QUEUE_RELIABLE", "BUS_RESULT_DRIVER", "BUS_BROADCAST_DRIVERS",
	"GRAPH_DRIVER", "GRAPH_URI", "GRAPH_DATABASE", "GRAPH_USERNAME", "GRAPH_PASSWORD",
	"GRAPH_MAX_CONNECTIONS", "GRAPH_SKIP_BLOCKED",
	"RISK_RULES_FILE", "RISK_VELOCITY_STORE", "RISK_BLOCKLIST_KEY", "RISK_BLOCKLIST",
	"WEBHOOK_SECRET", "WEBHOOK_DEFAULT_URL", "WEBHOOK_TIMEOUT", "WEBHOOK_MAX_ATTEMPTS",
	"WEBHOOK_BACKOFF", "WEBHOOK_DEAD_LETTER_KEY",
	"ESCALATION_SETTLE_DELAY", "ESCALATION_SWEEP_SCHEDULE",
	"PIPELINE_EMBEDDED", "PIPELINE_CONSUMERS", "PIPELINE_ERROR_BACKOFF",
}

func (e envConfig) toConfig() Config {
	secrets := parseSecretPairs(e.AuthClientSecrets)
	if id := strings.TrimSpace(e.AuthClientID); id != "" && strings.TrimSpace(e.AuthHMACSecret) != "" {
		secrets[id] = strings.TrimSpace(e.AuthHMACSecret)
	}

	webhookSecret := strings.TrimSpace(e.WebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(e.AuthHMACSecret)
	}

	return Config{
		HTTP: HTTPConfig{
			Host:              e.ServerHost,
			Port:              e.ServerPort,
			ReadTimeout:       e.ServerReadTimeout,
			WriteTimeout:      e.ServerWriteTimeout,
			IdleTimeout:       e.ServerIdleTimeout,
			ShutdownTimeout:   e.ServerShutdownTimeout,
			MaxBodyBytes:      e.ServerMaxBodyBytes,
			AllowedOriginsCSV: e.ServerAllowedOrigins,
		},
		Logging: LoggingConfig{
			Level:         e.LogLevel,
			Format:        e.LogFormat,
			IncludeCaller: e.LogIncludeCaller,
			Service:       e.ServiceName,
		},
		Auth: AuthConfig{
			SecretStore:   strings.ToLower(strings.TrimSpace(e.AuthSecretStore)),
			ClientSecrets: secrets,
			RedisHashKey:  e.AuthRedisHashKey,
			MaxSkew:       e.AuthMaxSkew,
		},
		Redis: RedisConfig{URL: strings.TrimSpace(e.RedisURL)},
		AMQP: AMQPConfig{
			URL:      strings.TrimSpace(e.RabbitMQURL),
			Exchange: e.AMQPExchange,
		},
		Kafka: KafkaConfig{
			Brokers:    SplitCSV(e.KafkaBrokers),
			AuditTopic: e.KafkaTopic,
		},
		Postgres: PostgresConfig{URL: strings.TrimSpace(e.DatabaseURL)},
		Queue: QueueConfig{
			Driver:   strings.ToLower(strings.TrimSpace(e.QueueDriver)),
			Name:     e.QueueName,
			Reliable: e.QueueReliable,
		},
		Bus: BusConfig{
			ResultDriver:     strings.ToLower(strings.TrimSpace(e.BusResultDriver)),
			BroadcastDrivers: lowerAll(SplitCSV(e.BusBroadcastDrivers)),
		},
		Graph: GraphConfig{
			Driver:         strings.ToLower(strings.TrimSpace(e.GraphDriver)),
			URI:            e.GraphURI,
			Database:       e.GraphDatabase,
			Username:       e.GraphUsername,
			Password:       e.GraphPassword,
			MaxConnections: e.GraphMaxConnections,
			SkipBlocked:    e.GraphSkipBlocked,
		},
		Risk: RiskConfig{
			RulesFile:     strings.TrimSpace(e.RiskRulesFile),
			VelocityStore: strings.ToLower(strings.TrimSpace(e.RiskVelocityStore)),
			BlocklistKey:  e.RiskBlocklistKey,
			Blocklist:     SplitCSV(e.RiskBlocklist),
		},
		Webhook: WebhookConfig{
			Secret:        webhookSecret,
			DefaultURL:    strings.TrimSpace(e.WebhookDefaultURL),
			Timeout:       e.WebhookTimeout,
			MaxAttempts:   e.WebhookMaxAttempts,
			Backoff:       e.WebhookBackoff,
			DeadLetterKey: e.WebhookDeadLetterKey,
		},
		Escalation: EscalationConfig{
			SettleDelay:   e.EscalationSettleDelay,
			SweepSchedule: strings.TrimSpace(e.EscalationSweepSchedule),
		},
		Pipeline: PipelineConfig{
			Embedded:     e.PipelineEmbedded,
			Consumers:    e.PipelineConsumers,
			ErrorBackoff: e.PipelineErrorBackoff,
		},
	}
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.HTTP.Port)
	}
	if c.Auth.MaxSkew <= 0 {
		return fmt.Errorf("AUTH_MAX_SKEW must be positive")
	}
	if err := oneOf("AUTH_SECRET_STORE", c.Auth.SecretStore, "static", "redis"); err != nil {
		return err
	}
	if c.Auth.SecretStore == "static" && len(c.Auth.ClientSecrets) == 0 {
		return fmt.Errorf("no client secrets configured: set HMAC_SECRET or AUTH_CLIENT_SECRETS")
	}
	if err := oneOf("QUEUE_DRIVER", c.Queue.Driver, "memory", "redis", "amqp"); err != nil {
		return err
	}
	if err := oneOf("BUS_RESULT_DRIVER", c.Bus.ResultDriver, "local", "redis"); err != nil {
		return err
	}
	for _, d := range c.Bus.BroadcastDrivers {
		if err := oneOf("BUS_BROADCAST_DRIVERS", d, "local", "redis", "kafka", "amqp"); err != nil {
			return err
		}
	}
	if err := oneOf("GRAPH_DRIVER", c.Graph.Driver, "memory", "neo4j"); err != nil {
		return err
	}
	if c.Graph.Driver == "neo4j" && c.Graph.URI == "" {
		return fmt.Errorf("GRAPH_URI is required when GRAPH_DRIVER=neo4j")
	}
	if err := oneOf("RISK_VELOCITY_STORE", c.Risk.VelocityStore, "memory", "redis"); err != nil {
		return err
	}
	if c.Queue.Driver == "amqp" && c.AMQP.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required when QUEUE_DRIVER=amqp")
	}
	if c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.Pipeline.Consumers <= 0 {
		return fmt.Errorf("PIPELINE_CONSUMERS must be at least 1")
	}
	return nil
}

// UsesRedis reports whether any configured component needs the shared Redis client.
func (c Config) UsesRedis() bool {
	if c.Queue.Driver == "redis" || c.Bus.ResultDriver == "redis" || c.Auth.SecretStore == "redis" || c.Risk.VelocityStore == "redis" {
		return true
	}
	for _, d := range c.Bus.BroadcastDrivers {
		if d == "redis" {
			return true
		}
	}
	return false
}

// HasBroadcast reports whether the named broadcast driver is enabled.
func (c Config) HasBroadcast(driver string) bool {
	for _, d := range c.Bus.BroadcastDrivers {
		if d == driver {
			return true
		}
	}
	return false
}

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSecretPairs reads "id1:secret1,id2:secret2".
func parseSecretPairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range SplitCSV(raw) {
		id, secret, ok := strings.Cut(pair, ":")
		id = strings.TrimSpace(id)
		secret = strings.TrimSpace(secret)
		if !ok || id == "" || secret == "" {
			continue
		}
		out[id] = secret
	}
	return out
}

func lowerAll(in []string) []string {
	for i := range in {
		in[i] = strings.ToLower(in[i])
	}
	return in
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: expected one of %s", key, value, strings.Join(allowed, ", "))
}
