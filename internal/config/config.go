package config

import (
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/nimasrn/outbound-caller/pkg/pg"
	"github.com/nimasrn/outbound-caller/pkg/redis"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

var config *Config

// Config holds every setting the binaries read. Values only come from the
// process environment, optionally seeded from a dotenv file.
type Config struct {
	AppEnv         string `env:"APP_ENV,default=dev"`
	AppName        string `env:"APP_NAME,default=outbound_caller"`
	AppDebug       bool   `env:"APP_DEBUG,default=false"`
	AppMetricsAddr string `env:"APP_METRICS_ADDR,default=:9100"`
	AppMetricsURI  string `env:"APP_METRICS_URI,default=/metrics"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`

	HttpListenAddr     string        `env:"HTTP_LISTEN_ADDR,default=0.0.0.0:8080"`
	HttpRequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=30s"`
	HttpCORSOrigin     string        `env:"HTTP_CORS_ORIGIN"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST,default=localhost"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST,default=localhost"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	PostgresMaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS,default=20"`
	PostgresMaxIdleConns    int           `env:"POSTGRES_MAX_IDLE_CONNS,default=5"`
	PostgresConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME,default=30m"`

	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername  string `env:"REDIS_USER"`
	RedisPassword  string `env:"REDIS_PASS"`
	RedisDatabase  int    `env:"REDIS_DATABASE,default=0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=oc:"`

	LiveKitURL       string `env:"LIVEKIT_URL"`
	LiveKitAPIKey    string `env:"LIVEKIT_API_KEY"`
	LiveKitAPISecret string `env:"LIVEKIT_API_SECRET"`

	AgentName          string        `env:"AGENT_NAME,default=FRAN-TIGER"`
	AgentDisplayName   string        `env:"AGENT_DISPLAY_NAME,default=FRAN-TIGER"`
	AgentVersion       string        `env:"AGENT_VERSION,default=1.0.0"`
	AgentMaxJobs       int           `env:"AGENT_MAX_JOBS,default=4"`
	AgentPingInterval  time.Duration `env:"AGENT_PING_INTERVAL,default=10s"`
	RoomPrefix         string        `env:"ROOM_PREFIX,default=outbound"`
	SIPOutboundTrunkID string        `env:"SIP_OUTBOUND_TRUNK_ID"`
	DefaultPhoneNumber string        `env:"DEFAULT_PHONE_NUMBER"`
	CallPickupTimeout  time.Duration `env:"CALL_PICKUP_TIMEOUT,default=60s"`
	CallMaxDuration    time.Duration `env:"CALL_MAX_DURATION,default=30m"`

	DeepgramAPIKey string `env:"DEEPGRAM_API_KEY"`
	STTModel       string `env:"STT_MODEL,default=nova-2"`
	OpenAIAPIKey   string `env:"OPENAI_API_KEY"`
	LLMModel       string `env:"MODEL_NAME,default=gpt-4o"`
	TTSModel       string `env:"TTS_MODEL,default=gpt-4o-mini-tts"`
	TTSVoice       string `env:"TTS_VOICE,default=ash"`
	PipelineURLs   string `env:"PIPELINE_URLS,default=http://localhost:8090"`

	EventsStream            string        `env:"EVENTS_STREAM,default=call-events"`
	EventsConsumerGroup     string        `env:"EVENTS_CONSUMER_GROUP,default=recorder"`
	EventsConsumerName      string        `env:"EVENTS_CONSUMER_NAME"`
	EventsMaxRetries        int           `env:"EVENTS_MAX_RETRIES,default=5"`
	EventsVisibilityTimeout time.Duration `env:"EVENTS_VISIBILITY_TIMEOUT,default=30s"`
	EventsBlock             time.Duration `env:"EVENTS_BLOCK,default=2s"`
	EventsBatchSize         int64         `env:"EVENTS_BATCH_SIZE,default=20"`
	EventsMaxLen            int64         `env:"EVENTS_MAX_LEN,default=100000"`
	EventsWorkers           int           `env:"EVENTS_WORKERS,default=4"`

	AdminUsername     string        `env:"ADMIN_USERNAME,default=admin"`
	AdminPassword     string        `env:"ADMIN_PASSWORD,default=admin"`
	AdminSessionTTL   time.Duration `env:"ADMIN_SESSION_TTL,default=12h"`
	AdminSecureCookie bool          `env:"ADMIN_SECURE_COOKIE,default=false"`

	DispatchExpiry    time.Duration `env:"DISPATCH_EXPIRY,default=15m"`
	RecorderSweepSpec string        `env:"RECORDER_SWEEP_SPEC,default=@every 1m"`
}

func Load(path string) error {
	if path != "" {
		logger.Info("loading env file", "path", path)
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	c := &Config{}
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to configuration")
	}
	logger.SetLevel(c.LogLevel)

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		panic("config is not initialized")
	}
	return config
}

// Set replaces the loaded configuration. Used by tests and tooling.
func Set(c *Config) {
	config = c
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) PostgresRead() pg.Config {
	return pg.Config{
		Host: c.PostgresReadHost, Port: c.PostgresReadPort, User: c.PostgresReadUser,
		Password: c.PostgresReadPassword, Database: c.PostgresReadDatabase,
		MaxOpenConns: c.PostgresMaxOpenConns, MaxIdleConns: c.PostgresMaxIdleConns,
		ConnMaxLifetime: c.PostgresConnMaxLifetime,
	}
}

func (c *Config) PostgresWrite() pg.Config {
	return pg.Config{
		Host: c.PostgresWriteHost, Port: c.PostgresWritePort, User: c.PostgresWriteUser,
		Password: c.PostgresWritePassword, Database: c.PostgresWriteDatabase,
		MaxOpenConns: c.PostgresMaxOpenConns, MaxIdleConns: c.PostgresMaxIdleConns,
		ConnMaxLifetime: c.PostgresConnMaxLifetime,
	}
}

func (c *Config) Redis() *redis.Options {
	return &redis.Options{
		Addrs:    []string{c.RedisAddr},
		Username: c.RedisUsername,
		Password: c.RedisPassword,
		DB:       c.RedisDatabase,
	}
}

// Pipelines returns the configured conversational pipeline endpoints in order of preference.
func (c *Config) Pipelines() []string {
	urls := lo.Map(strings.Split(c.PipelineURLs, ","), func(s string, _ int) string {
		return strings.TrimRight(strings.TrimSpace(s), "/")
	})
	return lo.Uniq(lo.Compact(urls))
}

// ValidateLiveKit reports missing control plane settings.
func (c *Config) ValidateLiveKit() error {
	missing := lo.Filter([]string{
		lo.Ternary(c.LiveKitURL == "", "LIVEKIT_URL", ""),
		lo.Ternary(c.LiveKitAPIKey == "", "LIVEKIT_API_KEY", ""),
		lo.Ternary(c.LiveKitAPISecret == "", "LIVEKIT_API_SECRET", ""),
	}, func(s string, _ int) bool { return s != "" })
	if len(missing) > 0 {
		return errors.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateAgent adds the dialing settings on top of ValidateLiveKit.
func (c *Config) ValidateAgent() error {
	if err := c.ValidateLiveKit(); err != nil {
		return err
	}
	if c.SIPOutboundTrunkID == "" {
		return errors.New("missing required setting: SIP_OUTBOUND_TRUNK_ID")
	}
	if c.DefaultPhoneNumber == "" {
		return errors.New("missing required setting: DEFAULT_PHONE_NUMBER")
	}
	return nil
}
