package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "HOSTTRACE"
	appName   = "hosttrace"
)

// Load reads configuration from a file, env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)
	if err := bindEnv(vp); err != nil {
		return nil, err
	}

	resolved := resolveConfigPath(path)
	if resolved != "" {
		vp.SetConfigFile(resolved)
		if err := vp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if envPath := os.Getenv("HOSTTRACE_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		appName + ".yaml",
		appName + ".yml",
		appName + ".toml",
		appName + ".json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		base := filepath.Join(configDir, appName)
		for _, c := range candidates {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "console")
	vp.SetDefault("engine.root", ".")
	vp.SetDefault("engine.timeout", "1m")
	vp.SetDefault("trace.out_dir", "./captures")
	vp.SetDefault("trace.connect_tries", 10)
	vp.SetDefault("trace.connect_timeout", "5s")
	vp.SetDefault("trace.connect_interval", "1s")
	vp.SetDefault("trace.parallelism", 4)
	vp.SetDefault("server.addr", ":8080")
	vp.SetDefault("server.request_timeout", "10s")
	vp.SetDefault("server.max_steps", 10_000_000)
	vp.SetDefault("server.max_body_bytes", 1<<20)
	vp.SetDefault("export.compression", "zstd")
	vp.SetDefault("export.key_source", "config")
	vp.SetDefault("export.keyring_service", appName)
	vp.SetDefault("export.prefix", "captures")
	vp.SetDefault("storage.backend", "local")
	vp.SetDefault("storage.local.path", "./archive")
}

// schemaKeys lists every key of Config. AutomaticEnv only overrides
// keys viper already knows, so each one is bound explicitly.
var schemaKeys = []string{
	"global.log_level", "global.log_format", "global.log_dir",
	"engine.root", "engine.max_steps", "engine.timeout", "engine.location",
	"trace.out_dir", "trace.script", "trace.script_name", "trace.instance_url",
	"trace.connect_tries", "trace.connect_timeout", "trace.connect_interval", "trace.parallelism",
	"server.addr", "server.request_timeout", "server.max_steps", "server.max_body_bytes",
	"server.allow_origins", "server.debug",
	"export.compression", "export.encryption", "export.encryption_key", "export.key_source",
	"export.keyring_service", "export.keyring_user", "export.prefix", "export.overwrite", "export.remove_after",
	"storage.backend", "storage.local.path",
	"storage.s3.endpoint", "storage.s3.region", "storage.s3.bucket",
	"storage.s3.access_key", "storage.s3.secret_key", "storage.s3.session_token",
	"storage.s3.use_ssl", "storage.s3.force_path_style", "storage.s3.tls_insecure_skip_verify",
}

func bindEnv(vp *viper.Viper) error {
	for _, key := range schemaKeys {
		if err := vp.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Engine.Timeout == 0 {
		cfg.Engine.Timeout = time.Minute
	}
	if cfg.Trace.ConnectTries < 1 {
		cfg.Trace.ConnectTries = 1
	}
	if cfg.Trace.Parallelism < 1 {
		cfg.Trace.Parallelism = 1
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 10 * time.Second
	}
}

func expandEnv(cfg *Config) {
	cfg.Export.EncryptionKey = os.ExpandEnv(cfg.Export.EncryptionKey)
	cfg.Storage.S3.AccessKey = os.ExpandEnv(cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = os.ExpandEnv(cfg.Storage.S3.SecretKey)
	cfg.Storage.S3.SessionToken = os.ExpandEnv(cfg.Storage.S3.SessionToken)
	cfg.Trace.InstanceURL = os.ExpandEnv(cfg.Trace.InstanceURL)
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Export.Compression {
	case "", "none", "gzip", "zstd":
	default:
		return fmt.Errorf("export.compression: unsupported value %q", c.Export.Compression)
	}
	switch c.Export.KeySource {
	case "", "config", "env", "keyring":
	default:
		return fmt.Errorf("export.key_source: unsupported value %q", c.Export.KeySource)
	}
	switch c.Storage.Backend {
	case "", "local", "s3":
	default:
		return fmt.Errorf("storage.backend: unsupported value %q", c.Storage.Backend)
	}
	if c.Engine.Location != "" {
		if _, err := time.LoadLocation(c.Engine.Location); err != nil {
			return fmt.Errorf("engine.location: %w", err)
		}
	}
	return nil
}

// Location returns the configured zone for local date-times.
func (c *Config) Location() *time.Location {
	if c.Engine.Location == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Engine.Location)
	if err != nil {
		return time.Local
	}
	return loc
}
