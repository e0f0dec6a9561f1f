package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	SupportedSchema = "v1"
	EnvPrefix       = "TENGINE__"
)

type Config struct {
	SchemaVersion string           `koanf:"schema_version"`
	Server        ServerConfig     `koanf:"server"`
	Log           LogConfig        `koanf:"log"`
	Staging       StagingConfig    `koanf:"staging"`
	Transform     TransformConfig  `koanf:"transform"`
	Registry      RegistryConfig   `koanf:"registry"`
	Executors     []ExecutorConfig `koanf:"executors" validate:"dive"`
	Probe         ProbeConfig      `koanf:"probe"`
	Queue         QueueConfig      `koanf:"queue"`
	FileStore     FileStoreConfig  `koanf:"filestore"`
}

type ServerConfig struct {
	GRPCAddr        string        `koanf:"grpc_addr" validate:"required"`
	HTTPAddr        string        `koanf:"http_addr" validate:"required"`
	MaxMessageBytes int           `koanf:"max_message_bytes" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
	// Entries is the number of recent transforms kept for /log.
	Entries int `koanf:"entries" validate:"gte=0"`
}

type StagingConfig struct {
	Dir string `koanf:"dir"`
	// StaleAfter removes leftover staged files at startup; 0 disables the sweep.
	StaleAfter time.Duration `koanf:"stale_after"`
}

type TransformConfig struct {
	// Timeout bounds the executor step only; 0 means no limit.
	Timeout     time.Duration `koanf:"timeout" validate:"gte=0"`
	MaxInFlight int           `koanf:"max_in_flight" validate:"gte=0"`
}

type RegistryConfig struct {
	File string `koanf:"file"`
}

// ExecutorConfig declares one backend. Names lists the transformer names the
// backend serves; Fallback marks the backend used for any other name.
type ExecutorConfig struct {
	Type     string   `koanf:"type" validate:"required,oneof=command remote"`
	Names    []string `koanf:"names"`
	Fallback bool     `koanf:"fallback"`

	Command              string   `koanf:"command" validate:"required_if=Type command"`
	Args                 []string `koanf:"args"`
	PassOptions          []string `koanf:"pass_options"`
	UnsupportedExitCodes []int    `koanf:"unsupported_exit_codes"`

	Address string `koanf:"address" validate:"required_if=Type remote"`
}

type ProbeConfig struct {
	TestFilesDir      string            `koanf:"test_files_dir"`
	SourceFilename    string            `koanf:"source_filename"`
	TargetFilename    string            `koanf:"target_filename"`
	SourceMimetype    string            `koanf:"source_mimetype"`
	TargetMimetype    string            `koanf:"target_mimetype"`
	Transformer       string            `koanf:"transformer"`
	Options           map[string]string `koanf:"options"`
	ExpectedLength    int64             `koanf:"expected_length" validate:"gte=0"`
	PlusOrMinus       int64             `koanf:"plus_or_minus" validate:"gte=0"`
	MinSize           int64             `koanf:"min_size" validate:"gte=0"`
	MaxSize           int64             `koanf:"max_size" validate:"gte=0"`
	ExpectedUnits     int               `koanf:"expected_units" validate:"gte=0"`
	NormalTime        time.Duration     `koanf:"normal_time" validate:"gte=0"`
	LivenessPercent   int               `koanf:"liveness_percent" validate:"gte=0"`
	MaxTransforms     int64             `koanf:"max_transforms" validate:"gte=0"`
	MaxTransformTime  time.Duration     `koanf:"max_transform_time" validate:"gte=0"`
	LivenessPeriod    time.Duration     `koanf:"liveness_period" validate:"gte=0"`
	ProbeEvery        int64             `koanf:"probe_every" validate:"gte=0"`
	ProbeInterval     time.Duration     `koanf:"probe_interval" validate:"gte=0"`
	LivenessTransform bool              `koanf:"liveness_transform"`
}

// Enabled reports whether a probe test file has been configured.
func (p ProbeConfig) Enabled() bool {
	return p.TestFilesDir != "" && p.SourceFilename != ""
}

type QueueConfig struct {
	Enabled      bool     `koanf:"enabled"`
	Brokers      []string `koanf:"brokers" validate:"required_if=Enabled true"`
	GroupID      string   `koanf:"group_id"`
	RequestTopic string   `koanf:"request_topic" validate:"required_if=Enabled true"`
	ReplyTopic   string   `koanf:"reply_topic"`
	Version      string   `koanf:"version"`
	StartFrom    string   `koanf:"start_from" validate:"omitempty,oneof=oldest newest"`
	TLSEn        bool     `koanf:"tls_enabled"`
	SASLUser     string   `koanf:"sasl_user"`
	SASLPass     string   `koanf:"sasl_pass"`
}

type FileStoreConfig struct {
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	Endpoint  string `koanf:"endpoint"`
	Prefix    string `koanf:"prefix"`
	PathStyle bool   `koanf:"path_style"`
}

// Load merges YAML (if present) with env-vars (prefix `TENGINE__`, nested
// keys separated by `__`), applies defaults and validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("config schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("config decode: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints plus the cross-field rules validator
// tags cannot express.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	fallbacks := 0
	for i, e := range cfg.Executors {
		if e.Fallback {
			fallbacks++
		}
		if !e.Fallback && len(e.Names) == 0 {
			return fmt.Errorf("config invalid: executors[%d] needs names or fallback", i)
		}
	}
	if fallbacks > 1 {
		return fmt.Errorf("config invalid: at most one fallback executor, got %d", fallbacks)
	}
	p := cfg.Probe
	if p.MaxSize > 0 && p.MinSize > p.MaxSize {
		return fmt.Errorf("config invalid: probe.min_size %d exceeds probe.max_size %d", p.MinSize, p.MaxSize)
	}
	return nil
}
