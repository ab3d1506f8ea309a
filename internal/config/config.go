// Package config loads certd settings from an optional YAML file and
// CERTCHAIN_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable holding the YAML file path.
const EnvConfigPath = "CERTCHAIN_CONFIG"

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Blob drivers.
const (
	BlobFilesystem = "fs"
	BlobMemory     = "memory"
	BlobS3         = "s3"
)

// Ledger drivers.
const (
	LedgerMemory   = "memory"
	LedgerEthereum = "ethereum"
)

// Lock drivers.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Alert drivers.
const (
	AlertLog  = "log"
	AlertAMQP = "amqp"
)

// Config is the full process configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Blob    BlobConfig    `yaml:"blob"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Lock    LockConfig    `yaml:"lock"`
	Alert   AlertConfig   `yaml:"alert"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the request store.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BlobConfig selects where uploaded media is kept.
type BlobConfig struct {
	Driver string `yaml:"driver"`
	FSRoot string `yaml:"fs_root"`
	// PublicBaseURL prefixes object keys to form the media URL stored on requests.
	PublicBaseURL string   `yaml:"public_base_url"`
	S3            S3Config `yaml:"s3"`
}

// S3Config configures the S3 or MinIO media bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// LedgerConfig selects the ledger client.
type LedgerConfig struct {
	Driver          string        `yaml:"driver"`
	RPCURL          string        `yaml:"rpc_url"`
	ContractAddress string        `yaml:"contract_address"`
	PrivateKey      string        `yaml:"private_key"`
	ChainID         int64         `yaml:"chain_id"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
}

// LockConfig selects the per-request lock.
type LockConfig struct {
	Driver        string        `yaml:"driver"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// AlertConfig selects where operator alerts go.
type AlertConfig struct {
	Driver     string `yaml:"driver"`
	AMQPURL    string `yaml:"amqp_url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// AuthConfig verifies actor tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// MetricsConfig selects the coordinator metrics exporter: prometheus, expvar, or none.
type MetricsConfig struct {
	Exporter string `yaml:"exporter"`
}

// TracingConfig selects the tracer: otel, json, or none.
type TracingConfig struct {
	Exporter string `yaml:"exporter"`
}

// Default returns a configuration that runs entirely in process.
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info"},
		HTTP: HTTPConfig{Addr: ":8080", ReadHeaderTimeout: 10 * time.Second, ShutdownTimeout: 15 * time.Second},
		Storage: StorageConfig{
			Driver:     StorageSQLite,
			SQLitePath: "certchain.db",
		},
		Blob: BlobConfig{
			Driver:        BlobFilesystem,
			FSRoot:        "uploads",
			PublicBaseURL: "/uploads",
			S3:            S3Config{Region: "us-east-1"},
		},
		Ledger: LedgerConfig{
			Driver:         LedgerMemory,
			ConfirmTimeout: 2 * time.Minute,
		},
		Lock: LockConfig{
			Driver: LockLocal,
			TTL:    5 * time.Minute,
		},
		Alert: AlertConfig{
			Driver:     AlertLog,
			Exchange:   "certchain.alerts",
			RoutingKey: "reconciliation",
		},
		Metrics: MetricsConfig{Exporter: "prometheus"},
		Tracing: TracingConfig{Exporter: "none"},
	}
}

// FromEnv loads the file named by CERTCHAIN_CONFIG, if any, then applies
// environment overrides.
func FromEnv() (Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type envVar struct {
	name string
	set  func(string) error
}

func str(p *string) func(string) error {
	return func(v string) error { *p = v; return nil }
}

func boolean(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func integer(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func int64Var(p *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func duration(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}

func (c *Config) envVars() []envVar {
	return []envVar{
		{"CERTCHAIN_LOG_LEVEL", str(&c.Log.Level)},
		{"CERTCHAIN_LOG_DEVELOPMENT", boolean(&c.Log.Development)},
		{"CERTCHAIN_HTTP_ADDR", str(&c.HTTP.Addr)},
		{"CERTCHAIN_HTTP_SHUTDOWN_TIMEOUT", duration(&c.HTTP.ShutdownTimeout)},
		{"CERTCHAIN_STORAGE_DRIVER", str(&c.Storage.Driver)},
		{"CERTCHAIN_SQLITE_PATH", str(&c.Storage.SQLitePath)},
		{"CERTCHAIN_POSTGRES_DSN", str(&c.Storage.PostgresDSN)},
		{"CERTCHAIN_BLOB_DRIVER", str(&c.Blob.Driver)},
		{"CERTCHAIN_BLOB_FS_ROOT", str(&c.Blob.FSRoot)},
		{"CERTCHAIN_BLOB_PUBLIC_BASE_URL", str(&c.Blob.PublicBaseURL)},
		{"CERTCHAIN_BLOB_S3_BUCKET", str(&c.Blob.S3.Bucket)},
		{"CERTCHAIN_BLOB_S3_REGION", str(&c.Blob.S3.Region)},
		{"CERTCHAIN_BLOB_S3_ENDPOINT", str(&c.Blob.S3.Endpoint)},
		{"CERTCHAIN_BLOB_S3_ACCESS_KEY_ID", str(&c.Blob.S3.AccessKeyID)},
		{"CERTCHAIN_BLOB_S3_SECRET_ACCESS_KEY", str(&c.Blob.S3.SecretAccessKey)},
		{"CERTCHAIN_BLOB_S3_USE_PATH_STYLE", boolean(&c.Blob.S3.UsePathStyle)},
		{"CERTCHAIN_LEDGER_DRIVER", str(&c.Ledger.Driver)},
		{"CERTCHAIN_LEDGER_RPC_URL", str(&c.Ledger.RPCURL)},
		{"CERTCHAIN_LEDGER_CONTRACT_ADDRESS", str(&c.Ledger.ContractAddress)},
		{"CERTCHAIN_LEDGER_PRIVATE_KEY", str(&c.Ledger.PrivateKey)},
		{"CERTCHAIN_LEDGER_CHAIN_ID", int64Var(&c.Ledger.ChainID)},
		{"CERTCHAIN_LEDGER_CONFIRM_TIMEOUT", duration(&c.Ledger.ConfirmTimeout)},
		{"CERTCHAIN_LOCK_DRIVER", str(&c.Lock.Driver)},
		{"CERTCHAIN_LOCK_REDIS_ADDR", str(&c.Lock.RedisAddr)},
		{"CERTCHAIN_LOCK_REDIS_PASSWORD", str(&c.Lock.RedisPassword)},
		{"CERTCHAIN_LOCK_REDIS_DB", integer(&c.Lock.RedisDB)},
		{"CERTCHAIN_LOCK_TTL", duration(&c.Lock.TTL)},
		{"CERTCHAIN_ALERT_DRIVER", str(&c.Alert.Driver)},
		{"CERTCHAIN_ALERT_AMQP_URL", str(&c.Alert.AMQPURL)},
		{"CERTCHAIN_ALERT_EXCHANGE", str(&c.Alert.Exchange)},
		{"CERTCHAIN_ALERT_ROUTING_KEY", str(&c.Alert.RoutingKey)},
		{"CERTCHAIN_AUTH_JWT_SECRET", str(&c.Auth.JWTSecret)},
		{"CERTCHAIN_AUTH_ISSUER", str(&c.Auth.Issuer)},
		{"CERTCHAIN_METRICS_EXPORTER", str(&c.Metrics.Exporter)},
		{"CERTCHAIN_TRACING_EXPORTER", str(&c.Tracing.Exporter)},
	}
}

// ApplyEnv overrides fields from lookup, normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, v := range c.envVars() {
		raw, ok := lookup(v.name)
		if !ok {
			continue
		}
		if err := v.set(strings.TrimSpace(raw)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", v.name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate reports every missing or unknown setting.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		bad("log.level: unknown level %q", c.Log.Level)
	}
	if c.HTTP.Addr == "" {
		bad("http.addr: required")
	}

	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			bad("storage.postgres_dsn: required for postgres")
		}
	default:
		bad("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	switch c.Blob.Driver {
	case BlobFilesystem, BlobMemory:
	case BlobS3:
		if c.Blob.S3.Bucket == "" {
			bad("blob.s3.bucket: required for s3")
		}
	default:
		bad("blob.driver: unknown driver %q", c.Blob.Driver)
	}

	switch c.Ledger.Driver {
	case LedgerMemory:
	case LedgerEthereum:
		if c.Ledger.RPCURL == "" {
			bad("ledger.rpc_url: required for ethereum")
		}
		if c.Ledger.ContractAddress == "" {
			bad("ledger.contract_address: required for ethereum")
		}
		if c.Ledger.PrivateKey == "" {
			bad("ledger.private_key: required for ethereum")
		}
		if c.Ledger.ChainID <= 0 {
			bad("ledger.chain_id: must be positive")
		}
	default:
		bad("ledger.driver: unknown driver %q", c.Ledger.Driver)
	}

	switch c.Lock.Driver {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			bad("lock.redis_addr: required for redis")
		}
		if c.Lock.TTL <= 0 {
			bad("lock.ttl: must be positive")
		}
	default:
		bad("lock.driver: unknown driver %q", c.Lock.Driver)
	}

	switch c.Alert.Driver {
	case AlertLog:
	case AlertAMQP:
		if c.Alert.AMQPURL == "" {
			bad("alert.amqp_url: required for amqp")
		}
	default:
		bad("alert.driver: unknown driver %q", c.Alert.Driver)
	}

	if c.Auth.JWTSecret == "" {
		bad("auth.jwt_secret: required")
	}
	switch c.Metrics.Exporter {
	case "prometheus", "expvar", "none":
	default:
		bad("metrics.exporter: unknown exporter %q", c.Metrics.Exporter)
	}
	switch c.Tracing.Exporter {
	case "otel", "json", "none":
	default:
		bad("tracing.exporter: unknown exporter %q", c.Tracing.Exporter)
	}
	return errors.Join(errs...)
}
