package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	GateBackendLocal    = "local"
	GateBackendRedis    = "redis"
	GateBackendPostgres = "postgres"
)

type Config struct {
	ListenAddr   string `toml:"listen_addr"`
	UploadDir    string `toml:"upload_dir"`
	ConvertedDir string `toml:"converted_dir"`

	MaxFileSize  int64 `toml:"max_file_size"`
	MaxTotalSize int64 `toml:"max_total_size"`
	MaxFiles     int   `toml:"max_files"`
	MaxPixels    int64 `toml:"max_pixels"`
	MinFreeDisk  int64 `toml:"min_free_disk"`

	ConverterBinary   string   `toml:"converter_binary"`
	ConverterArgs     []string `toml:"converter_args"`
	ConversionTimeout int      `toml:"conversion_timeout"`
	UploadTimeout     int      `toml:"upload_timeout"`

	GateBackend  string `toml:"gate_backend"`
	GateCapacity int    `toml:"gate_capacity"`
	QueueWait    int    `toml:"queue_wait"`

	StaleFileAge  int `toml:"stale_file_age"`
	SweepInterval int `toml:"sweep_interval"`

	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"-"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`

	DatabaseURL string `toml:"database_url"`

	S3Bucket       string `toml:"s3_bucket"`
	S3Region       string `toml:"s3_region"`
	AWSS3AccessKey string `toml:"-"`
	AWSS3SecretKey string `toml:"-"`
	S3Endpoint     string `toml:"s3_endpoint"`
	S3UsePathStyle bool   `toml:"s3_use_path_style"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Default returns the configuration used when neither a file nor the
// environment overrides a value.
func Default() *Config {
	return &Config{
		ListenAddr:        ":5000",
		UploadDir:         "/app/uploads",
		ConvertedDir:      "/app/converted",
		MaxFileSize:       100 << 20,
		MaxTotalSize:      500 << 20,
		MaxFiles:          100,
		MaxPixels:         256 << 20,
		MinFreeDisk:       256 << 20,
		ConverterBinary:   "convert",
		ConverterArgs:     []string{"{input}[0]", "{output}"},
		ConversionTimeout: 60,
		UploadTimeout:     600,
		GateBackend:       GateBackendLocal,
		QueueWait:         30,
		StaleFileAge:      3600,
		SweepInterval:     300,
		RateBurst:         10,
		RedisAddr:         "redis:6379",
		RedisDB:           3,
		S3Region:          "us-east-1",
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load builds the configuration from defaults, the optional TOML file at path
// and the environment, in increasing order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(path), err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.UploadDir = getEnv("UPLOAD_FOLDER", c.UploadDir)
	c.ConvertedDir = getEnv("CONVERTED_FOLDER", c.ConvertedDir)

	c.MaxFileSize = getEnvInt64("MAX_SINGLE_FILE_SIZE", c.MaxFileSize)
	c.MaxTotalSize = getEnvInt64("MAX_TOTAL_REQUEST_SIZE", c.MaxTotalSize)
	c.MaxFiles = getEnvInt("MAX_FILES_COUNT", c.MaxFiles)
	c.MaxPixels = getEnvInt64("MAX_IMAGE_PIXELS", c.MaxPixels)
	c.MinFreeDisk = getEnvInt64("MIN_FREE_DISK", c.MinFreeDisk)

	c.ConverterBinary = getEnv("CONVERTER_BINARY", c.ConverterBinary)
	if args := os.Getenv("CONVERTER_ARGS"); args != "" {
		c.ConverterArgs = strings.Fields(args)
	}
	c.ConversionTimeout = getEnvInt("CONVERSION_TIMEOUT", c.ConversionTimeout)
	c.UploadTimeout = getEnvInt("UPLOAD_TIMEOUT", c.UploadTimeout)

	c.GateBackend = strings.ToLower(getEnv("GATE_BACKEND", c.GateBackend))
	c.GateCapacity = getEnvInt("GATE_CAPACITY", c.GateCapacity)
	c.QueueWait = getEnvInt("GATE_QUEUE_WAIT", c.QueueWait)

	c.StaleFileAge = getEnvInt("STALE_FILE_AGE", c.StaleFileAge)
	c.SweepInterval = getEnvInt("SWEEP_INTERVAL", c.SweepInterval)

	c.RateLimit = getEnvFloat("RATE_LIMIT", c.RateLimit)
	c.RateBurst = getEnvInt("RATE_BURST", c.RateBurst)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_GATE_DB", c.RedisDB)
	c.RedisPrefix = getEnv("REDIS_PREFIX", c.RedisPrefix)

	if c.DatabaseURL == "" {
		c.DatabaseURL = buildDatabaseURL()
	}
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)

	// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
	c.S3Bucket = getEnvWithFallback("S3_BUCKET", "AWS_BUCKET", c.S3Bucket)
	c.S3Region = getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", c.S3Region)
	c.AWSS3AccessKey = getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", c.AWSS3AccessKey)
	c.AWSS3SecretKey = getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", c.AWSS3SecretKey)
	c.S3Endpoint = getEnv("S3_ENDPOINT", c.S3Endpoint)
	c.S3UsePathStyle = getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", c.S3UsePathStyle)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.UploadDir) == "" || strings.TrimSpace(c.ConvertedDir) == "" {
		errs = append(errs, errors.New("upload and converted directories are required"))
	} else if filepath.Clean(c.UploadDir) == filepath.Clean(c.ConvertedDir) {
		errs = append(errs, errors.New("upload and converted directories must differ"))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("max_file_size must be positive, got %d", c.MaxFileSize))
	}
	if c.MaxTotalSize < c.MaxFileSize {
		errs = append(errs, fmt.Errorf("max_total_size (%d) must be at least max_file_size (%d)", c.MaxTotalSize, c.MaxFileSize))
	}
	if c.MaxFiles <= 0 {
		errs = append(errs, fmt.Errorf("max_files must be positive, got %d", c.MaxFiles))
	}
	if c.MaxPixels <= 0 {
		errs = append(errs, fmt.Errorf("max_pixels must be positive, got %d", c.MaxPixels))
	}
	if c.MinFreeDisk < 0 {
		errs = append(errs, fmt.Errorf("min_free_disk must not be negative, got %d", c.MinFreeDisk))
	}
	if strings.TrimSpace(c.ConverterBinary) == "" {
		errs = append(errs, errors.New("converter_binary is required"))
	}
	if !hasPlaceholder(c.ConverterArgs, "{input}") || !hasPlaceholder(c.ConverterArgs, "{output}") {
		errs = append(errs, errors.New("converter_args must reference {input} and {output}"))
	}
	if c.ConversionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("conversion_timeout must be positive, got %d", c.ConversionTimeout))
	}
	if c.UploadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("upload_timeout must be positive, got %d", c.UploadTimeout))
	}
	if c.GateCapacity < 0 {
		errs = append(errs, fmt.Errorf("gate_capacity must not be negative, got %d", c.GateCapacity))
	}
	if c.QueueWait < 0 {
		errs = append(errs, fmt.Errorf("queue_wait must not be negative, got %d", c.QueueWait))
	}
	switch c.GateBackend {
	case GateBackendLocal, GateBackendRedis, GateBackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown gate_backend %q", c.GateBackend))
	}
	// A staged file is refreshed before each conversion, so it ages at most
	// one upload or one queued conversion between refreshes.
	if c.StaleFileAge <= c.ConversionTimeout+c.QueueWait || c.StaleFileAge <= c.UploadTimeout {
		errs = append(errs, fmt.Errorf("stale_file_age (%ds) must exceed conversion_timeout plus queue_wait (%ds) and upload_timeout (%ds)",
			c.StaleFileAge, c.ConversionTimeout+c.QueueWait, c.UploadTimeout))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep_interval must be positive, got %d", c.SweepInterval))
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst <= 0) {
		errs = append(errs, errors.New("rate_limit must not be negative and needs a positive rate_burst"))
	}

	return errors.Join(errs...)
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ConversionTimeout) * time.Second
}

func (c *Config) UploadTimeoutDuration() time.Duration {
	return time.Duration(c.UploadTimeout) * time.Second
}

func (c *Config) QueueWaitDuration() time.Duration {
	return time.Duration(c.QueueWait) * time.Second
}

func (c *Config) StaleAge() time.Duration {
	return time.Duration(c.StaleFileAge) * time.Second
}

func (c *Config) SweepEvery() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// GateKey is the redis key shared by every replica using the redis gate.
func (c *Config) GateKey() string {
	return applyPrefix("psdconverter:gate", c.RedisPrefix)
}

// S3Enabled reports whether the S3 input source should be wired.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.ConverterArgs = append([]string(nil), c.ConverterArgs...)
	if strings.Contains(out.DatabaseURL, "password=") {
		out.DatabaseURL = redactPassword(out.DatabaseURL)
	}
	return &out
}

func buildDatabaseURL() string {
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "psdconverter")
	dbUser := getEnv("DB_USERNAME", "psdconverter")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")
	dbSSLCert := getEnv("DB_SSLCERT", "")
	dbSSLKey := getEnv("DB_SSLKEY", "")
	dbSSLRootCert := getEnv("DB_SSLROOTCERT", "")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	if dbSSLCert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", dbSSLCert)
	}
	if dbSSLKey != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", dbSSLKey)
	}
	if dbSSLRootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", dbSSLRootCert)
	}
	return dbURL
}

func redactPassword(dsn string) string {
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=REDACTED"
		}
	}
	return strings.Join(fields, " ")
}

func hasPlaceholder(args []string, placeholder string) bool {
	for _, a := range args {
		if strings.Contains(a, placeholder) {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
