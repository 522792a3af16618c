package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for an adaptive core instance
type Config struct {
	// Service configuration
	ServiceName   string        `yaml:"service_name"`
	HealthPort    int           `yaml:"health_port"`
	LogLevel      string        `yaml:"log_level"`
	CycleInterval time.Duration `yaml:"cycle_interval"`
	Seed          int64         `yaml:"seed"`
	SeedFile      string        `yaml:"seed_file"` // empty uses the embedded seed set

	// Storage configuration
	StoreBackend string `yaml:"store_backend"` // memory, sqlite, postgres
	SQLitePath   string `yaml:"sqlite_path"`

	// Postgres configuration
	PostgresHost               string        `yaml:"postgres_host"`
	PostgresPort               int           `yaml:"postgres_port"`
	PostgresUser               string        `yaml:"postgres_user"`
	PostgresPassword           string        `yaml:"postgres_password"`
	PostgresDB                 string        `yaml:"postgres_db"`
	PostgresSSLMode            string        `yaml:"postgres_sslmode"`
	PostgresMaxConnections     int           `yaml:"postgres_max_connections"`
	PostgresMaxIdleConnections int           `yaml:"postgres_max_idle_connections"`
	PostgresConnMaxLifetime    time.Duration `yaml:"postgres_conn_max_lifetime"`

	// Redis configuration (coupling samples)
	RedisEnabled         bool          `yaml:"redis_enabled"`
	RedisHost            string        `yaml:"redis_host"`
	RedisPort            int           `yaml:"redis_port"`
	RedisPassword        string        `yaml:"redis_password"`
	RedisDB              int           `yaml:"redis_db"`
	RedisSampleRetention time.Duration `yaml:"redis_sample_retention"`

	// MQTT configuration (event stream)
	MQTTEnabled  bool   `yaml:"mqtt_enabled"`
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTPort     int    `yaml:"mqtt_port"`
	MQTTUser     string `yaml:"mqtt_user"`
	MQTTPassword string `yaml:"mqtt_password"`
	MQTTClientID string `yaml:"mqtt_client_id"`

	// Oracle and embedding configuration
	OracleBackend    string `yaml:"oracle_backend"`    // ollama, genai, mock
	EmbeddingBackend string `yaml:"embedding_backend"` // hash, ollama, genai
	LLMEndpoint      string `yaml:"llm_endpoint"`
	LLMModel         string `yaml:"llm_model"`
	EmbeddingModel   string `yaml:"embedding_model"`
	EmbeddingDims    int    `yaml:"embedding_dims"`
	GenAIAPIKey      string `yaml:"genai_api_key"`
	GenAIModel       string `yaml:"genai_model"`

	// Concurrency and resilience
	MaxConcurrency   int           `yaml:"max_concurrency"`
	OracleRPS        float64       `yaml:"oracle_rps"`
	EmbeddingRPS     float64       `yaml:"embedding_rps"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	TrialTimeout     time.Duration `yaml:"trial_timeout"`
	RetryBudget      int           `yaml:"retry_budget"`
	RetryInitialWait time.Duration `yaml:"retry_initial_wait"`

	// Pattern library thresholds
	PatternNoveltySimilarity float64 `yaml:"pattern_novelty_similarity"`
	PatternExceptional       float64 `yaml:"pattern_exceptional_success"`
	PatternSmallLibrary      int     `yaml:"pattern_small_library"`
	PatternInitialThreshold  float64 `yaml:"pattern_initial_threshold"`
	PatternAdjustEvery       int     `yaml:"pattern_adjust_every"`
	PatternDiversityFloor    float64 `yaml:"pattern_diversity_floor"`

	// Reasoner thresholds
	ReasonerDecay            float64 `yaml:"reasoner_decay"`
	ReasonerMaxDepth         int     `yaml:"reasoner_max_depth"`
	ReasonerActivationFloor  float64 `yaml:"reasoner_activation_floor"`
	ReasonerAnswerConfidence float64 `yaml:"reasoner_answer_confidence"`
	ReasonerMaxIterations    int     `yaml:"reasoner_max_iterations"`

	// Evolver parameters
	EvolverPopulation   int     `yaml:"evolver_population"`
	EvolverSurvivors    int     `yaml:"evolver_survivors"`
	EvolverRepetitions  int     `yaml:"evolver_repetitions"`
	EvolverAlpha        float64 `yaml:"evolver_alpha"`
	EvolverArchiveAfter int     `yaml:"evolver_archive_after"`

	// Monitor parameters
	MonitorBucketWidth time.Duration `yaml:"monitor_bucket_width"`
	MonitorWindow      time.Duration `yaml:"monitor_window"`
	MonitorHardWindows int           `yaml:"monitor_hard_windows"`
	MonitorSoftWindows int           `yaml:"monitor_soft_windows"`

	// Checkpoint configuration
	CheckpointDir  string `yaml:"checkpoint_dir"`
	CheckpointKeep int    `yaml:"checkpoint_keep"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		ServiceName:   "adaptive-core",
		HealthPort:    8080,
		LogLevel:      "info",
		CycleInterval: 10 * time.Minute,
		Seed:          1,

		StoreBackend: "memory",
		SQLitePath:   "adaptive-core.db",

		PostgresHost:               "localhost",
		PostgresPort:               5432,
		PostgresUser:               "adaptive",
		PostgresPassword:           "",
		PostgresDB:                 "adaptive",
		PostgresSSLMode:            "disable",
		PostgresMaxConnections:     10,
		PostgresMaxIdleConnections: 5,
		PostgresConnMaxLifetime:    30 * time.Minute,

		RedisEnabled:         false,
		RedisHost:            "localhost",
		RedisPort:            6379,
		RedisDB:              0,
		RedisSampleRetention: 7 * 24 * time.Hour,

		MQTTEnabled: false,
		MQTTBroker:  "localhost",
		MQTTPort:    1883,

		OracleBackend:    "ollama",
		EmbeddingBackend: "hash",
		LLMEndpoint:      "http://localhost:11434",
		LLMModel:         "llama3.2:3b",
		EmbeddingModel:   "nomic-embed-text",
		EmbeddingDims:    256,
		GenAIModel:       "gemini-2.5-flash",

		MaxConcurrency:   10,
		OracleRPS:        2,
		EmbeddingRPS:     20,
		CallTimeout:      30 * time.Second,
		TrialTimeout:     2 * time.Minute,
		RetryBudget:      3,
		RetryInitialWait: 500 * time.Millisecond,

		PatternNoveltySimilarity: 0.8,
		PatternExceptional:       0.9,
		PatternSmallLibrary:      100,
		PatternInitialThreshold:  0.5,
		PatternAdjustEvery:       50,
		PatternDiversityFloor:    0.3,

		ReasonerDecay:            0.7,
		ReasonerMaxDepth:         5,
		ReasonerActivationFloor:  0.1,
		ReasonerAnswerConfidence: 0.7,
		ReasonerMaxIterations:    100,

		EvolverPopulation:   10,
		EvolverSurvivors:    5,
		EvolverRepetitions:  5,
		EvolverAlpha:        0.3,
		EvolverArchiveAfter: 2,

		MonitorBucketWidth: time.Hour,
		MonitorWindow:      24 * time.Hour,
		MonitorHardWindows: 4,
		MonitorSoftWindows: 3,

		CheckpointDir:  "checkpoints",
		CheckpointKeep: 10,
	}
}

// LoadFromFile overlays values from a YAML file. A missing file is not an error.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables with AIC_ prefix
func (c *Config) LoadFromEnv() {
	// Service configuration
	envString("AIC_SERVICE_NAME", &c.ServiceName)
	envInt("AIC_HEALTH_PORT", &c.HealthPort)
	envString("AIC_LOG_LEVEL", &c.LogLevel)
	envDuration("AIC_CYCLE_INTERVAL", &c.CycleInterval)
	envString("AIC_SEED_FILE", &c.SeedFile)
	if v := os.Getenv("AIC_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Seed = seed
		}
	}

	// Storage configuration
	envString("AIC_STORE_BACKEND", &c.StoreBackend)
	envString("AIC_SQLITE_PATH", &c.SQLitePath)
	envString("AIC_POSTGRES_HOST", &c.PostgresHost)
	envInt("AIC_POSTGRES_PORT", &c.PostgresPort)
	envString("AIC_POSTGRES_USER", &c.PostgresUser)
	envString("AIC_POSTGRES_PASSWORD", &c.PostgresPassword)
	envString("AIC_POSTGRES_DB", &c.PostgresDB)
	envString("AIC_POSTGRES_SSLMODE", &c.PostgresSSLMode)
	envInt("AIC_POSTGRES_MAX_CONNECTIONS", &c.PostgresMaxConnections)
	envInt("AIC_POSTGRES_MAX_IDLE_CONNECTIONS", &c.PostgresMaxIdleConnections)
	envDuration("AIC_POSTGRES_CONN_MAX_LIFETIME", &c.PostgresConnMaxLifetime)

	// Redis configuration
	envBool("AIC_REDIS_ENABLED", &c.RedisEnabled)
	envString("AIC_REDIS_HOST", &c.RedisHost)
	envInt("AIC_REDIS_PORT", &c.RedisPort)
	envString("AIC_REDIS_PASSWORD", &c.RedisPassword)
	envInt("AIC_REDIS_DB", &c.RedisDB)
	envDuration("AIC_REDIS_SAMPLE_RETENTION", &c.RedisSampleRetention)

	// MQTT configuration
	envBool("AIC_MQTT_ENABLED", &c.MQTTEnabled)
	envString("AIC_MQTT_BROKER", &c.MQTTBroker)
	envInt("AIC_MQTT_PORT", &c.MQTTPort)
	envString("AIC_MQTT_USER", &c.MQTTUser)
	envString("AIC_MQTT_PASSWORD", &c.MQTTPassword)
	envString("AIC_MQTT_CLIENT_ID", &c.MQTTClientID)

	// Oracle and embedding configuration
	envString("AIC_ORACLE_BACKEND", &c.OracleBackend)
	envString("AIC_EMBEDDING_BACKEND", &c.EmbeddingBackend)
	envString("AIC_LLM_ENDPOINT", &c.LLMEndpoint)
	envString("AIC_LLM_MODEL", &c.LLMModel)
	envString("AIC_EMBEDDING_MODEL", &c.EmbeddingModel)
	envInt("AIC_EMBEDDING_DIMS", &c.EmbeddingDims)
	envString("AIC_GENAI_API_KEY", &c.GenAIAPIKey)
	envString("AIC_GENAI_MODEL", &c.GenAIModel)

	// Concurrency and resilience
	envInt("AIC_MAX_CONCURRENCY", &c.MaxConcurrency)
	envFloat("AIC_ORACLE_RPS", &c.OracleRPS)
	envFloat("AIC_EMBEDDING_RPS", &c.EmbeddingRPS)
	envDuration("AIC_CALL_TIMEOUT", &c.CallTimeout)
	envDuration("AIC_TRIAL_TIMEOUT", &c.TrialTimeout)
	envInt("AIC_RETRY_BUDGET", &c.RetryBudget)
	envDuration("AIC_RETRY_INITIAL_WAIT", &c.RetryInitialWait)

	// Pattern library
	envFloat("AIC_PATTERN_NOVELTY_SIMILARITY", &c.PatternNoveltySimilarity)
	envFloat("AIC_PATTERN_EXCEPTIONAL_SUCCESS", &c.PatternExceptional)
	envInt("AIC_PATTERN_SMALL_LIBRARY", &c.PatternSmallLibrary)
	envFloat("AIC_PATTERN_INITIAL_THRESHOLD", &c.PatternInitialThreshold)
	envInt("AIC_PATTERN_ADJUST_EVERY", &c.PatternAdjustEvery)
	envFloat("AIC_PATTERN_DIVERSITY_FLOOR", &c.PatternDiversityFloor)

	// Reasoner
	envFloat("AIC_REASONER_DECAY", &c.ReasonerDecay)
	envInt("AIC_REASONER_MAX_DEPTH", &c.ReasonerMaxDepth)
	envFloat("AIC_REASONER_ACTIVATION_FLOOR", &c.ReasonerActivationFloor)
	envFloat("AIC_REASONER_ANSWER_CONFIDENCE", &c.ReasonerAnswerConfidence)
	envInt("AIC_REASONER_MAX_ITERATIONS", &c.ReasonerMaxIterations)

	// Evolver
	envInt("AIC_EVOLVER_POPULATION", &c.EvolverPopulation)
	envInt("AIC_EVOLVER_SURVIVORS", &c.EvolverSurvivors)
	envInt("AIC_EVOLVER_REPETITIONS", &c.EvolverRepetitions)
	envFloat("AIC_EVOLVER_ALPHA", &c.EvolverAlpha)
	envInt("AIC_EVOLVER_ARCHIVE_AFTER", &c.EvolverArchiveAfter)

	// Monitor
	envDuration("AIC_MONITOR_BUCKET_WIDTH", &c.MonitorBucketWidth)
	envDuration("AIC_MONITOR_WINDOW", &c.MonitorWindow)
	envInt("AIC_MONITOR_HARD_WINDOWS", &c.MonitorHardWindows)
	envInt("AIC_MONITOR_SOFT_WINDOWS", &c.MonitorSoftWindows)

	// Checkpoints
	envString("AIC_CHECKPOINT_DIR", &c.CheckpointDir)
	envInt("AIC_CHECKPOINT_KEEP", &c.CheckpointKeep)
}

// RegisterFlags binds command-line flags that override config values
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	// Service flags
	fs.StringVar(&c.ServiceName, "service-name", c.ServiceName, "Service name")
	fs.IntVar(&c.HealthPort, "health-port", c.HealthPort, "Health check HTTP port")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.DurationVar(&c.CycleInterval, "cycle-interval", c.CycleInterval, "Interval between improvement cycles")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Random seed for goal evolution")
	fs.StringVar(&c.SeedFile, "seed-file", c.SeedFile, "YAML seed set used when no checkpoint exists")

	// Storage flags
	fs.StringVar(&c.StoreBackend, "store", c.StoreBackend, "Graph store backend (memory, sqlite, postgres)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", c.SQLitePath, "SQLite database path")
	fs.StringVar(&c.PostgresHost, "postgres-host", c.PostgresHost, "Postgres hostname")
	fs.IntVar(&c.PostgresPort, "postgres-port", c.PostgresPort, "Postgres port")
	fs.StringVar(&c.PostgresUser, "postgres-user", c.PostgresUser, "Postgres user")
	fs.StringVar(&c.PostgresPassword, "postgres-password", c.PostgresPassword, "Postgres password")
	fs.StringVar(&c.PostgresDB, "postgres-db", c.PostgresDB, "Postgres database")

	// Redis flags
	fs.BoolVar(&c.RedisEnabled, "redis", c.RedisEnabled, "Store coupling samples in Redis")
	fs.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis hostname")
	fs.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database number")
	fs.DurationVar(&c.RedisSampleRetention, "redis-sample-retention", c.RedisSampleRetention, "How long coupling samples are kept in Redis")

	// MQTT flags
	fs.BoolVar(&c.MQTTEnabled, "mqtt", c.MQTTEnabled, "Publish structured events to MQTT")
	fs.StringVar(&c.MQTTBroker, "mqtt-broker", c.MQTTBroker, "MQTT broker hostname")
	fs.IntVar(&c.MQTTPort, "mqtt-port", c.MQTTPort, "MQTT broker port")
	fs.StringVar(&c.MQTTUser, "mqtt-user", c.MQTTUser, "MQTT username")
	fs.StringVar(&c.MQTTPassword, "mqtt-password", c.MQTTPassword, "MQTT password")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", c.MQTTClientID, "MQTT client ID")

	// Oracle flags
	fs.StringVar(&c.OracleBackend, "oracle", c.OracleBackend, "Oracle backend (ollama, genai, mock)")
	fs.StringVar(&c.EmbeddingBackend, "embedder", c.EmbeddingBackend, "Embedding backend (hash, ollama, genai)")
	fs.StringVar(&c.LLMEndpoint, "llm-endpoint", c.LLMEndpoint, "Ollama base URL")
	fs.StringVar(&c.LLMModel, "llm-model", c.LLMModel, "Ollama model name")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", c.EmbeddingModel, "Embedding model name")
	fs.IntVar(&c.EmbeddingDims, "embedding-dims", c.EmbeddingDims, "Hash embedding dimensions")
	fs.StringVar(&c.GenAIModel, "genai-model", c.GenAIModel, "Gemini model name")

	// Concurrency flags
	fs.IntVar(&c.MaxConcurrency, "max-concurrency", c.MaxConcurrency, "Maximum concurrent trials and oracle calls")
	fs.DurationVar(&c.CallTimeout, "call-timeout", c.CallTimeout, "Timeout for a single external call")
	fs.DurationVar(&c.TrialTimeout, "trial-timeout", c.TrialTimeout, "Timeout for a single fitness trial")
	fs.IntVar(&c.RetryBudget, "retry-budget", c.RetryBudget, "Retries for transient dependency failures")

	// Evolver flags
	fs.IntVar(&c.EvolverPopulation, "population", c.EvolverPopulation, "Goal population size")
	fs.IntVar(&c.EvolverSurvivors, "survivors", c.EvolverSurvivors, "Survivors selected per generation")

	// Checkpoint flags
	fs.StringVar(&c.CheckpointDir, "checkpoint-dir", c.CheckpointDir, "Directory for checkpoints")
	fs.IntVar(&c.CheckpointKeep, "checkpoint-keep", c.CheckpointKeep, "Number of checkpoints to retain")
}

// ApplyFlags copies every flag set on changed onto c. Loading a file and
// the environment first and applying flags last gives flags > env > file.
func (c *Config) ApplyFlags(changed *pflag.FlagSet) error {
	fs := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	c.RegisterFlags(fs)

	var errs []error
	changed.Visit(func(f *pflag.Flag) {
		if fs.Lookup(f.Name) == nil {
			return
		}
		if err := fs.Set(f.Name, f.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("invalid --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("Service name is required")
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("Health port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	switch c.StoreBackend {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLite path is required for sqlite store")
		}
	case "postgres":
		if c.PostgresHost == "" {
			return fmt.Errorf("Postgres host is required for postgres store")
		}
		if c.PostgresPort <= 0 || c.PostgresPort > 65535 {
			return fmt.Errorf("Postgres port must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, sqlite, or postgres)", c.StoreBackend)
	}

	switch c.OracleBackend {
	case "ollama", "mock":
	case "genai":
		if c.GenAIAPIKey == "" {
			return fmt.Errorf("GenAI API key is required for genai oracle")
		}
	default:
		return fmt.Errorf("invalid oracle backend: %s (must be ollama, genai, or mock)", c.OracleBackend)
	}

	switch c.EmbeddingBackend {
	case "hash", "ollama":
	case "genai":
		if c.GenAIAPIKey == "" {
			return fmt.Errorf("GenAI API key is required for genai embeddings")
		}
	default:
		return fmt.Errorf("invalid embedding backend: %s (must be hash, ollama, or genai)", c.EmbeddingBackend)
	}

	if c.MQTTEnabled && (c.MQTTPort <= 0 || c.MQTTPort > 65535) {
		return fmt.Errorf("MQTT port must be between 1 and 65535")
	}
	if c.RedisEnabled && (c.RedisPort <= 0 || c.RedisPort > 65535) {
		return fmt.Errorf("Redis port must be between 1 and 65535")
	}
	if c.RedisEnabled && c.RedisSampleRetention < c.MonitorWindow {
		return fmt.Errorf("Redis sample retention %s is shorter than the monitor window %s", c.RedisSampleRetention, c.MonitorWindow)
	}
	if c.MonitorBucketWidth <= 0 || c.MonitorWindow < c.MonitorBucketWidth {
		return fmt.Errorf("monitor window must be at least one bucket wide")
	}
	if c.MonitorHardWindows <= 0 || c.MonitorSoftWindows <= 0 {
		return fmt.Errorf("monitor kill windows must be positive")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive")
	}
	if c.EmbeddingDims <= 0 {
		return fmt.Errorf("embedding dims must be positive")
	}
	if c.EvolverSurvivors <= 0 || c.EvolverSurvivors > c.EvolverPopulation {
		return fmt.Errorf("survivors must be between 1 and population size %d", c.EvolverPopulation)
	}
	if c.EvolverAlpha < 0 || c.EvolverAlpha > 1 {
		return fmt.Errorf("evolver alpha must be in [0,1]")
	}
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint directory is required")
	}

	return nil
}

// PostgresConnectionString returns a lib/pq connection string
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode)
}

// MQTTAddress returns the full MQTT broker address
func (c *Config) MQTTAddress() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTBroker, c.MQTTPort)
}

// RedisAddress returns the full Redis address
func (c *Config) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
