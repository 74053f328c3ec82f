package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

const (
	DBDriverSQLite   = "sqlite3"
	DBDriverPostgres = "postgres"

	SnapshotSQL      = "sql"
	SnapshotWeaviate = "weaviate"
)

type Config struct {
	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite3"`
	DBPath   string `envconfig:"DB_PATH" default:"data/localrag.db"`
	DBDSN    string `envconfig:"DB_DSN"`

	SnapshotBackend string `envconfig:"SNAPSHOT_BACKEND" default:"sql"`
	WeaviateHost    string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme  string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	// Empty NSQD_HOST disables wake-up hints; workers rely on polling alone.
	NSQDHost   string `envconfig:"NSQD_HOST"`
	NSQLookupd string `envconfig:"NSQ_LOOKUPD"`

	GeminiAPIKey     string `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel   string `envconfig:"EMBEDDING_MODEL" default:"text-embedding-004"`
	GenerationModel  string `envconfig:"GENERATION_MODEL" default:"gemini-1.5-flash"`
	LocalEmbedderDim int    `envconfig:"LOCAL_EMBEDDER_DIM" default:"256"`

	DocumentsDir  string `envconfig:"DOCUMENTS_DIR" default:"data/documents"`
	ChunkSize     int    `envconfig:"CHUNK_SIZE" default:"500"`
	ChunkOverlap  int    `envconfig:"CHUNK_OVERLAP" default:"50"`
	ChunkStrategy string `envconfig:"CHUNK_STRATEGY" default:"fixed"`
	TopK          int    `envconfig:"TOP_K" default:"3"`

	CacheSize   int           `envconfig:"CACHE_SIZE" default:"1000"`
	CacheShards int           `envconfig:"CACHE_SHARDS" default:"16"`
	CacheTTL    time.Duration `envconfig:"CACHE_TTL" default:"24h"`

	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"30s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"500ms"`
	MaxPollInterval   time.Duration `envconfig:"MAX_POLL_INTERVAL" default:"5s"`
	ReapInterval      time.Duration `envconfig:"REAP_INTERVAL" default:"5s"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	TaskTimeout       time.Duration `envconfig:"TASK_TIMEOUT" default:"10m"`
	// IndexRefreshInterval reloads the index snapshot in processes that run
	// no workers. Zero disables the reload.
	IndexRefreshInterval time.Duration `envconfig:"INDEX_REFRESH_INTERVAL" default:"30s"`
	CachePurgeInterval   time.Duration `envconfig:"CACHE_PURGE_INTERVAL" default:"1h"`

	// Server
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8000"`
	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case DBDriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("%w: DB_PATH", ErrMissingRequired)
		}
	case DBDriverPostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("%w: DB_DSN", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: DB_DRIVER %q", ErrInvalidConfig, c.DBDriver)
	}

	switch c.SnapshotBackend {
	case SnapshotSQL:
	case SnapshotWeaviate:
		if c.WeaviateHost == "" {
			return fmt.Errorf("%w: WEAVIATE_HOST", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: SNAPSHOT_BACKEND %q", ErrInvalidConfig, c.SnapshotBackend)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: CHUNK_SIZE must be positive", ErrInvalidConfig)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_SIZE)", ErrInvalidConfig)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("%w: TOP_K must be positive", ErrInvalidConfig)
	}
	if c.CacheSize <= 0 || c.CacheTTL <= 0 {
		return fmt.Errorf("%w: CACHE_SIZE and CACHE_TTL must be positive", ErrInvalidConfig)
	}
	if c.WorkerConcurrency <= 0 || c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: WORKER_CONCURRENCY and MAX_ATTEMPTS must be positive", ErrInvalidConfig)
	}
	if c.HeartbeatInterval >= c.VisibilityTimeout {
		return fmt.Errorf("%w: HEARTBEAT_INTERVAL must be shorter than VISIBILITY_TIMEOUT", ErrInvalidConfig)
	}
	return nil
}
