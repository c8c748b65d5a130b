package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is stripped from environment variables before they are mapped onto
// configuration keys. A double underscore separates nested keys, so
// RAGDESK_CHUNK__SIZE sets chunk.size.
const EnvPrefix = "RAGDESK_"

const (
	VectorBackendQdrant  = "qdrant"
	VectorBackendChromem = "chromem"

	StorageBackendLocal = "local"
	StorageBackendMinio = "minio"
)

// Config is the full service configuration. Each section maps to one
// top-level YAML key.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http" koanf:"http"`
	Auth      AuthConfig      `yaml:"auth" koanf:"auth"`
	Database  DatabaseConfig  `yaml:"database" koanf:"database"`
	Redis     RedisConfig     `yaml:"redis" koanf:"redis"`
	Cache     CacheConfig     `yaml:"cache" koanf:"cache"`
	Storage   StorageConfig   `yaml:"storage" koanf:"storage"`
	Chunk     ChunkConfig     `yaml:"chunk" koanf:"chunk"`
	Embedding EmbeddingConfig `yaml:"embedding" koanf:"embedding"`
	LLM       LLMConfig       `yaml:"llm" koanf:"llm"`
	Vector    VectorConfig    `yaml:"vector" koanf:"vector"`
	Pipeline  PipelineConfig  `yaml:"pipeline" koanf:"pipeline"`
	Website   WebsiteConfig   `yaml:"website" koanf:"website"`
}

type HTTPConfig struct {
	Port           string   `yaml:"port" koanf:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" koanf:"allowed_origins"`
}

type AuthConfig struct {
	// JWTSecret enables bearer token verification on the API when set.
	JWTSecret string `yaml:"jwt_secret" koanf:"jwt_secret"`
	Realm     string `yaml:"realm" koanf:"realm"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" koanf:"driver"`
	DSN    string `yaml:"dsn" koanf:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" koanf:"addr"`
	Password string `yaml:"password" koanf:"password"`
	DB       int    `yaml:"db" koanf:"db"`
}

type CacheConfig struct {
	ChatbotTTL time.Duration `yaml:"chatbot_ttl" koanf:"chatbot_ttl"`
}

type StorageConfig struct {
	Backend    string      `yaml:"backend" koanf:"backend"`
	Dir        string      `yaml:"dir" koanf:"dir"`
	ScratchDir string      `yaml:"scratch_dir" koanf:"scratch_dir"`
	Minio      MinioConfig `yaml:"minio" koanf:"minio"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" koanf:"endpoint"`
	AccessKey string `yaml:"access_key" koanf:"access_key"`
	SecretKey string `yaml:"secret_key" koanf:"secret_key"`
	Bucket    string `yaml:"bucket" koanf:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" koanf:"use_ssl"`
}

// ChunkConfig sizes the text chunks, in characters.
type ChunkConfig struct {
	Size    int `yaml:"size" koanf:"size"`
	Overlap int `yaml:"overlap" koanf:"overlap"`
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	BaseURL   string `yaml:"base_url" koanf:"base_url"`
	APIKey    string `yaml:"api_key" koanf:"api_key"`
	Model     string `yaml:"model" koanf:"model"`
	Dimension int    `yaml:"dimension" koanf:"dimension"`
	Batch     int    `yaml:"batch" koanf:"batch"`
}

type LLMConfig struct {
	BaseURL           string        `yaml:"base_url" koanf:"base_url"`
	APIKey            string        `yaml:"api_key" koanf:"api_key"`
	Model             string        `yaml:"model" koanf:"model"`
	MaxTokens         int           `yaml:"max_tokens" koanf:"max_tokens"`
	Temperature       float64       `yaml:"temperature" koanf:"temperature"`
	Timeout           time.Duration `yaml:"timeout" koanf:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute" koanf:"requests_per_minute"`
	CatalogFile       string        `yaml:"catalog_file" koanf:"catalog_file"`
}

// VectorConfig selects the vector backend and its connection settings.
type VectorConfig struct {
	Backend         string        `yaml:"backend" koanf:"backend"`
	Collection      string        `yaml:"collection" koanf:"collection"`
	Timeout         time.Duration `yaml:"timeout" koanf:"timeout"`
	ConnectAttempts int           `yaml:"connect_attempts" koanf:"connect_attempts"`
	QdrantURL       string        `yaml:"qdrant_url" koanf:"qdrant_url"`
	QdrantAPIKey    string        `yaml:"qdrant_api_key" koanf:"qdrant_api_key"`
	// ChromemPath persists the local backend to disk. Empty keeps it in memory.
	ChromemPath string `yaml:"chromem_path" koanf:"chromem_path"`
}

// PipelineConfig is the retry policy for embedding and vector writes.
type PipelineConfig struct {
	Attempts       int           `yaml:"attempts" koanf:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" koanf:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" koanf:"max_backoff"`
}

// WebsiteConfig controls URL ingestion. Fetches reuse the pipeline retry policy.
type WebsiteConfig struct {
	Timeout   time.Duration `yaml:"timeout" koanf:"timeout"`
	UserAgent string        `yaml:"user_agent" koanf:"user_agent"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:           "8080",
			AllowedOrigins: []string{"*"},
		},
		Auth: AuthConfig{Realm: "ragdesk"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "ragdesk.db",
		},
		Cache: CacheConfig{ChatbotTTL: time.Hour},
		Storage: StorageConfig{
			Backend: StorageBackendLocal,
			Dir:     "./data/documents",
		},
		Chunk: ChunkConfig{Size: 1000, Overlap: 200},
		Embedding: EmbeddingConfig{
			BaseURL:   "http://localhost:7997/v1",
			Model:     "BAAI/bge-small-en-v1.5",
			Dimension: 384,
			Batch:     32,
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.groq.com/openai/v1",
			Model:       "mixtral-8x7b-32768",
			MaxTokens:   2048,
			Temperature: 0.7,
			Timeout:     30 * time.Second,
		},
		Vector: VectorConfig{
			Backend:         VectorBackendQdrant,
			Collection:      "document_embeddings",
			Timeout:         30 * time.Second,
			ConnectAttempts: 3,
			QdrantURL:       "http://localhost:6333",
		},
		Pipeline: PipelineConfig{
			Attempts:       3,
			InitialBackoff: time.Second,
			MaxBackoff:     8 * time.Second,
		},
		Website: WebsiteConfig{
			Timeout:   30 * time.Second,
			UserAgent: "ragdesk/1.0",
		},
	}
}

// Load layers the defaults, an optional YAML file and RAGDESK_* environment
// variables, in that order. A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path = strings.TrimSpace(path); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: access %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	trimmed := strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(trimmed), "__", ".")
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if c.Chunk.Size <= 0 {
		return fmt.Errorf("config: chunk.size must be positive, got %d", c.Chunk.Size)
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.Size {
		return fmt.Errorf("config: chunk.overlap must be in [0, %d), got %d", c.Chunk.Size, c.Chunk.Overlap)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	switch c.Vector.Backend {
	case VectorBackendQdrant, VectorBackendChromem:
	default:
		return fmt.Errorf("config: unknown vector.backend %q (want %s or %s)", c.Vector.Backend, VectorBackendQdrant, VectorBackendChromem)
	}
	switch c.Storage.Backend {
	case StorageBackendLocal, StorageBackendMinio:
	default:
		return fmt.Errorf("config: unknown storage.backend %q (want %s or %s)", c.Storage.Backend, StorageBackendLocal, StorageBackendMinio)
	}
	if strings.TrimSpace(c.Vector.Collection) == "" {
		return errors.New("config: vector.collection is required")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("config: llm.max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	return nil
}
