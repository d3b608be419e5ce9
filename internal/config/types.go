package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global  GlobalConfig  `mapstructure:"global"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Trace   TraceConfig   `mapstructure:"trace"`
	Server  ServerConfig  `mapstructure:"server"`
	Export  ExportConfig  `mapstructure:"export"`
	Storage StorageConfig `mapstructure:"storage"`
}

type GlobalConfig struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json or console
	LogDir    string `mapstructure:"log_dir"`    // optional; also log to a file per run
}

// EngineConfig applies to every evaluation.
type EngineConfig struct {
	Root     string        `mapstructure:"root"`     // load() root
	MaxSteps uint64        `mapstructure:"max_steps"` // 0 = unlimited
	Timeout  time.Duration `mapstructure:"timeout"`
	Location string        `mapstructure:"location"` // IANA zone for datetime.local_now; empty = Local
}

// TraceConfig drives recorded runs.
type TraceConfig struct {
	OutDir          string        `mapstructure:"out_dir"`
	Script          string        `mapstructure:"script"`
	ScriptName      string        `mapstructure:"script_name"`
	InstanceURL     string        `mapstructure:"instance_url"` // optional readiness probe
	ConnectTries    int           `mapstructure:"connect_tries"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ConnectInterval time.Duration `mapstructure:"connect_interval"`
	Parallelism     int           `mapstructure:"parallelism"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxSteps       uint64        `mapstructure:"max_steps"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	AllowOrigins   []string      `mapstructure:"allow_origins"`
	Debug          bool          `mapstructure:"debug"`
}

// ExportConfig controls how capture files are archived.
type ExportConfig struct {
	Compression    string `mapstructure:"compression"` // none, gzip, zstd
	Encryption     bool   `mapstructure:"encryption"`
	EncryptionKey  string `mapstructure:"encryption_key"`
	KeySource      string `mapstructure:"key_source"` // config, env, keyring
	KeyringService string `mapstructure:"keyring_service"`
	KeyringUser    string `mapstructure:"keyring_user"`
	Prefix         string `mapstructure:"prefix"`
	Overwrite      bool   `mapstructure:"overwrite"` // re-upload captures already in storage
	RemoveAfter    bool   `mapstructure:"remove_after"`
}

type StorageConfig struct {
	Backend string     `mapstructure:"backend"` // local, s3
	Local   LocalStore `mapstructure:"local"`
	S3      S3Store    `mapstructure:"s3"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	SessionToken    string `mapstructure:"session_token"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip_verify"`
}
