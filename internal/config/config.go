// Package config layers file-based settings under the process environment.
//
// Components read their settings from env vars through *FromEnv
// constructors. This package only fills in variables that are still unset,
// first from a .env file and then from a YAML file, so the effective
// precedence is: environment, .env, YAML, built-in defaults.
//
// YAML search order:
//  1. --config flag
//  2. CASECHAT_CONFIG
//  3. ~/.casechat/config.yaml
//  4. ./casechat.yaml
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config mirrors the env var surface as YAML. Each leaf carries the env var
// it feeds in its env tag.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Storage   StorageConfig   `yaml:"storage"`
	Extract   ExtractConfig   `yaml:"extract"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	History   HistoryConfig   `yaml:"history"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ModelConfig selects the chat backend used for paraphrasing and answers.
type ModelConfig struct {
	Provider    string  `yaml:"provider" env:"MODEL_PROVIDER"`
	MaxTokens   int     `yaml:"max_tokens" env:"MODEL_MAX_TOKENS"`
	Temperature float32 `yaml:"temperature" env:"MODEL_TEMPERATURE"`

	Mistral struct {
		APIKey  string `yaml:"api_key" env:"MISTRAL_API_KEY"`
		Model   string `yaml:"model" env:"MISTRAL_MODEL"`
		BaseURL string `yaml:"base_url" env:"MISTRAL_BASE_URL"`
	} `yaml:"mistral"`
	Ollama struct {
		Host  string `yaml:"host" env:"OLLAMA_HOST"`
		Model string `yaml:"model" env:"OLLAMA_MODEL"`
	} `yaml:"ollama"`
	OpenAI struct {
		APIKey string `yaml:"api_key" env:"OPENAI_API_KEY"`
		Model  string `yaml:"model" env:"OPENAI_MODEL"`
	} `yaml:"openai"`
	Azure struct {
		APIKey     string `yaml:"api_key" env:"AZURE_OPENAI_API_KEY"`
		Endpoint   string `yaml:"endpoint" env:"AZURE_OPENAI_ENDPOINT"`
		Deployment string `yaml:"deployment" env:"AZURE_OPENAI_DEPLOYMENT"`
		APIVersion string `yaml:"api_version" env:"AZURE_OPENAI_API_VERSION"`
	} `yaml:"azure"`
	Bedrock struct {
		Region  string `yaml:"region" env:"AWS_REGION"`
		ModelID string `yaml:"model_id" env:"BEDROCK_MODEL_ID"`
	} `yaml:"bedrock"`
	Gemini struct {
		APIKey string `yaml:"api_key" env:"GOOGLE_API_KEY"`
		Model  string `yaml:"model" env:"GEMINI_MODEL"`
	} `yaml:"gemini"`
}

// EmbeddingConfig configures query and chunk embedding.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider" env:"EMBEDDING_PROVIDER"`
	Model      string `yaml:"model" env:"EMBEDDING_MODEL"`
	Dimensions int    `yaml:"dimensions" env:"EMBEDDING_DIMENSIONS"`
	APIKey     string `yaml:"api_key" env:"EMBEDDING_API_KEY"`
	Endpoint   string `yaml:"endpoint" env:"EMBEDDING_ENDPOINT"`
	MaxChars   int    `yaml:"max_chars" env:"EMBEDDING_MAX_CHARS"`
	CacheSize  int    `yaml:"cache_size" env:"EMBEDDING_CACHE_SIZE"`
	CacheTTL   string `yaml:"cache_ttl" env:"EMBEDDING_CACHE_TTL"`
}

// VectorConfig picks qdrant, postgres or memory.
type VectorConfig struct {
	Backend string `yaml:"backend" env:"VECTOR_BACKEND"`
	Qdrant  struct {
		Host       string `yaml:"host" env:"QDRANT_HOST"`
		Port       int    `yaml:"port" env:"QDRANT_PORT"`
		Collection string `yaml:"collection" env:"QDRANT_COLLECTION"`
		APIKey     string `yaml:"api_key" env:"QDRANT_API_KEY"`
		TLS        bool   `yaml:"tls" env:"QDRANT_TLS"`
	} `yaml:"qdrant"`
	Postgres struct {
		DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
	} `yaml:"postgres"`
}

// RetrievalConfig is the per-request retrieval policy.
type RetrievalConfig struct {
	MatchCount       int     `yaml:"match_count" env:"RAG_MATCH_COUNT"`
	Threshold        float32 `yaml:"threshold" env:"RAG_THRESHOLD"`
	VariantTimeout   string  `yaml:"variant_timeout" env:"RAG_VARIANT_TIMEOUT"`
	MaxContextTokens int     `yaml:"max_context_tokens" env:"RAG_MAX_CONTEXT_TOKENS"`
}

// StorageConfig locates case files: a local directory tree or an S3 bucket.
// Empty S3 credentials select the default AWS credential chain.
type StorageConfig struct {
	Backend string `yaml:"backend" env:"STORAGE_BACKEND"`
	Local   struct {
		Root string `yaml:"root" env:"STORAGE_LOCAL_ROOT"`
	} `yaml:"local"`
	S3 struct {
		Bucket          string `yaml:"bucket" env:"S3_BUCKET"`
		Region          string `yaml:"region" env:"S3_REGION"`
		Endpoint        string `yaml:"endpoint" env:"S3_ENDPOINT"`
		AccessKeyID     string `yaml:"access_key_id" env:"S3_ACCESS_KEY_ID"`
		SecretAccessKey string `yaml:"secret_access_key" env:"S3_SECRET_ACCESS_KEY"`
	} `yaml:"s3"`
}

type ExtractConfig struct {
	URL     string `yaml:"url" env:"EXTRACT_URL"`
	Timeout string `yaml:"timeout" env:"EXTRACT_TIMEOUT"`
}

type ServerConfig struct {
	Host   string `yaml:"host" env:"CASECHAT_HOST"`
	Port   int    `yaml:"port" env:"CASECHAT_PORT"`
	APIKey string `yaml:"api_key" env:"CASECHAT_API_KEY"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// HistoryConfig points at the SQLite file; "disabled" turns persistence off.
type HistoryConfig struct {
	DBPath string `yaml:"db_path" env:"CASECHAT_HISTORY_DB"`
}

type TracingConfig struct {
	PublicKey string `yaml:"public_key" env:"LANGFUSE_PUBLIC_KEY"`
	SecretKey string `yaml:"secret_key" env:"LANGFUSE_SECRET_KEY"`
	Host      string `yaml:"host" env:"LANGFUSE_HOST"`
}

// setting is one env var with the value the YAML file gives it.
type setting struct {
	key, value string
}

// settings flattens cfg into its non-zero env-tagged leaves, in field order.
func (c *Config) settings() []setting {
	var out []setting
	collect(reflect.ValueOf(c).Elem(), &out)
	return out
}

func collect(v reflect.Value, out *[]setting) {
	t := v.Type()
	for i := range t.NumField() {
		field, fv := t.Field(i), v.Field(i)
		if field.Type.Kind() == reflect.Struct {
			collect(fv, out)
			continue
		}
		key := field.Tag.Get("env")
		if key == "" || fv.IsZero() {
			continue
		}
		*out = append(*out, setting{key: key, value: format(fv)})
	}
}

// Keys lists every env var the YAML file can feed, in field order.
func Keys() []string {
	var keys []string
	var walk func(t reflect.Type)
	walk = func(t reflect.Type) {
		for i := range t.NumField() {
			f := t.Field(i)
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type)
			} else if k := f.Tag.Get("env"); k != "" {
				keys = append(keys, k)
			}
		}
	}
	walk(reflect.TypeFor[Config]())
	return keys
}

// format renders a leaf the way the env readers parse it back.
func format(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Int:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'f', -1, 32)
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	default:
		return v.String()
	}
}

// Load applies the YAML file's values to env vars that are still empty and
// returns the path it read, or "" when no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML file found, using environment only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return "", fmt.Errorf("config: %s: %w", path, err)
	}

	applied := 0
	for _, s := range cfg.settings() {
		if os.Getenv(s.key) != "" {
			continue
		}
		if err := os.Setenv(s.key, s.value); err != nil {
			return "", fmt.Errorf("config: set %s: %w", s.key, err)
		}
		applied++
	}

	log.Info("config: applied YAML file",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)
	return path, nil
}

// LoadDotEnv applies KEY=value pairs from the given files (default ".env")
// without overriding variables already present. Missing files are ignored.
func LoadDotEnv(log *slog.Logger, files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", f, err)
		}
		log.Debug("config: loaded dotenv file", slog.String("path", f))
	}
	return nil
}

// validate rejects values that would otherwise fail deep inside a
// component constructor.
func (c *Config) validate() error {
	switch c.Vector.Backend {
	case "", "qdrant", "postgres", "memory":
	default:
		return fmt.Errorf("vector.backend %q: want qdrant, postgres or memory", c.Vector.Backend)
	}
	switch c.Storage.Backend {
	case "", "local", "s3":
	default:
		return fmt.Errorf("storage.backend %q: want local or s3", c.Storage.Backend)
	}
	if t := c.Retrieval.Threshold; t < 0 || t > 1 {
		return fmt.Errorf("retrieval.threshold %v: want a value in [0, 1]", t)
	}
	for name, d := range map[string]string{
		"retrieval.variant_timeout": c.Retrieval.VariantTimeout,
		"extract.timeout":           c.Extract.Timeout,
		"embedding.cache_ttl":       c.Embedding.CacheTTL,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// resolveConfigPath returns the first candidate file that exists. An
// explicit path that does not exist yields "" rather than falling through.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return existing(explicit)
	}
	candidates := []string{os.Getenv("CASECHAT_CONFIG")}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".casechat", "config.yaml"))
	}
	candidates = append(candidates, "casechat.yaml")

	for _, p := range candidates {
		if p != "" && existing(p) != "" {
			return p
		}
	}
	return ""
}

func existing(p string) string {
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
