package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	RawDataDirs   []string `mapstructure:"raw_data_dir"`
	Speakers      []string `mapstructure:"speakers"`
	UseSpkID      bool     `mapstructure:"use_spk_id"`
	NumSpk        int      `mapstructure:"num_spk"`
	BinaryDataDir string   `mapstructure:"binary_data_dir"`
	Dictionary    string   `mapstructure:"dictionary"`
	WorkDir       string   `mapstructure:"work_dir"`
	Seed          int64    `mapstructure:"seed"`
	TestPrefixes  []string `mapstructure:"test_prefixes"`

	// DataAttrs restricts which feature keys reach the indexed dataset.
	DataAttrs []string `mapstructure:"data_attrs"`

	Binarization BinarizationConfig `mapstructure:"binarization_args"`
	Augmentation AugmentationConfig `mapstructure:"augmentation_args"`
	Audio        AudioConfig        `mapstructure:"audio"`
	Batching     BatchingConfig     `mapstructure:"batching"`
	Model        ModelConfig        `mapstructure:"model"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type BinarizationConfig struct {
	Shuffle    bool `mapstructure:"shuffle"`
	NumWorkers int  `mapstructure:"num_workers"`
	ChunkSize  int  `mapstructure:"chunk_size"`
	Progress   bool `mapstructure:"progress"`
}

type AugmentationConfig struct {
	RandomPitchShifting  RandomPitchShiftingConfig  `mapstructure:"random_pitch_shifting"`
	FixedPitchShifting   FixedPitchShiftingConfig   `mapstructure:"fixed_pitch_shifting"`
	RandomTimeStretching RandomTimeStretchingConfig `mapstructure:"random_time_stretching"`
}

// Enabled reports whether any augmentation would be planned for the train split.
func (a AugmentationConfig) Enabled() bool {
	return a.RandomPitchShifting.Enabled || a.FixedPitchShifting.Enabled || a.RandomTimeStretching.Enabled
}

type RandomPitchShiftingConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	Range   []float64 `mapstructure:"range"`
	Scale   float64   `mapstructure:"scale"`
}

type FixedPitchShiftingConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	Targets []float64 `mapstructure:"targets"`
	Scale   float64   `mapstructure:"scale"`
}

type RandomTimeStretchingConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	Range   []float64 `mapstructure:"range"`
	Domain  string    `mapstructure:"domain"` // "log" or "linear"
	Scale   float64   `mapstructure:"scale"`
}

type AudioConfig struct {
	SampleRate int     `mapstructure:"audio_sample_rate"`
	HopSize    int     `mapstructure:"hop_size"`
	F0Min      float64 `mapstructure:"f0_min"`
	F0Max      float64 `mapstructure:"f0_max"`
}

// Timestep is the duration of one frame in seconds.
func (a AudioConfig) Timestep() float64 {
	return float64(a.HopSize) / float64(a.SampleRate)
}

type BatchingConfig struct {
	MaxBatchFrames        int  `mapstructure:"max_batch_frames"`
	MaxBatchSize          int  `mapstructure:"max_batch_size"`
	MaxValBatchFrames     int  `mapstructure:"max_val_batch_frames"`
	MaxValBatchSize       int  `mapstructure:"max_val_batch_size"`
	SortByLen             bool `mapstructure:"sort_by_len"`
	FrameCountGrid        int  `mapstructure:"sampler_frame_count_grid"`
	AccumulateGradBatches int  `mapstructure:"accumulate_grad_batches"`
	DataLoaderWorkers     int  `mapstructure:"ds_workers"`
	PrefetchFactor        int  `mapstructure:"dataloader_prefetch_factor"`
}

// ValidationBudget returns the validation batch budgets. A value of -1
// inherits the training budget.
func (b BatchingConfig) ValidationBudget() (frames, size int) {
	frames, size = b.MaxValBatchFrames, b.MaxValBatchSize
	if frames == -1 {
		frames = b.MaxBatchFrames
	}
	if size == -1 {
		size = b.MaxBatchSize
	}
	return frames, size
}

type ModelConfig struct {
	HiddenSize       int    `mapstructure:"hidden_size"`
	F0EmbedType      string `mapstructure:"f0_embed_type"` // "discrete" or "continuous"
	UseKeyShiftEmbed bool   `mapstructure:"use_key_shift_embed"`
	UseSpeedEmbed    bool   `mapstructure:"use_speed_embed"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load reads the configuration from file, environment variables, and defaults.
// A .env file in the working directory is loaded first when present.
// The returned config is validated and has the -1 validation budgets resolved.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", "error", err)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("binarizer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// BINARIZER_BINARY_DATA_DIR, BINARIZER_BINARIZATION_ARGS_NUM_WORKERS, ...
	v.SetEnvPrefix("BINARIZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("raw_data_dir", []string{"data/raw"})
	v.SetDefault("speakers", []string{"opencpop"})
	v.SetDefault("use_spk_id", false)
	v.SetDefault("num_spk", 1)
	v.SetDefault("binary_data_dir", "data/binary")
	v.SetDefault("dictionary", "dictionaries/opencpop-extension.txt")
	v.SetDefault("work_dir", "checkpoints/default")
	v.SetDefault("seed", 1234)
	v.SetDefault("test_prefixes", []string{})
	v.SetDefault("data_attrs", []string{})

	v.SetDefault("binarization_args.shuffle", true)
	v.SetDefault("binarization_args.num_workers", 0)
	v.SetDefault("binarization_args.chunk_size", 8)
	v.SetDefault("binarization_args.progress", true)

	v.SetDefault("augmentation_args.random_pitch_shifting.enabled", false)
	v.SetDefault("augmentation_args.random_pitch_shifting.range", []float64{-5, 5})
	v.SetDefault("augmentation_args.random_pitch_shifting.scale", 1.0)
	v.SetDefault("augmentation_args.fixed_pitch_shifting.enabled", false)
	v.SetDefault("augmentation_args.fixed_pitch_shifting.targets", []float64{-5, 5})
	v.SetDefault("augmentation_args.fixed_pitch_shifting.scale", 0.75)
	v.SetDefault("augmentation_args.random_time_stretching.enabled", false)
	v.SetDefault("augmentation_args.random_time_stretching.range", []float64{0.5, 2})
	v.SetDefault("augmentation_args.random_time_stretching.domain", "log")
	v.SetDefault("augmentation_args.random_time_stretching.scale", 1.0)

	v.SetDefault("audio.audio_sample_rate", 44100)
	v.SetDefault("audio.hop_size", 512)
	v.SetDefault("audio.f0_min", 65.0)
	v.SetDefault("audio.f0_max", 1100.0)

	v.SetDefault("batching.max_batch_frames", 80000)
	v.SetDefault("batching.max_batch_size", 48)
	v.SetDefault("batching.max_val_batch_frames", -1)
	v.SetDefault("batching.max_val_batch_size", -1)
	v.SetDefault("batching.sort_by_len", true)
	v.SetDefault("batching.sampler_frame_count_grid", 6)
	v.SetDefault("batching.accumulate_grad_batches", 1)
	v.SetDefault("batching.ds_workers", 4)
	v.SetDefault("batching.dataloader_prefetch_factor", 2)

	v.SetDefault("model.hidden_size", 256)
	v.SetDefault("model.f0_embed_type", "continuous")
	v.SetDefault("model.use_key_shift_embed", false)
	v.SetDefault("model.use_speed_embed", false)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// resolve fills values that inherit from other settings.
func (c *Config) resolve() {
	c.Batching.MaxValBatchFrames, c.Batching.MaxValBatchSize = c.Batching.ValidationBudget()
	if c.Batching.AccumulateGradBatches < 1 {
		c.Batching.AccumulateGradBatches = 1
	}
	if c.Binarization.ChunkSize < 1 {
		c.Binarization.ChunkSize = 1
	}
}

// Validate reports configuration errors that must stop a run before any item
// is processed.
func (c *Config) Validate() error {
	if len(c.RawDataDirs) == 0 {
		return fmt.Errorf("%w: raw_data_dir is empty", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Speakers))
	for _, spk := range c.Speakers {
		if _, dup := seen[spk]; dup {
			return fmt.Errorf("%w: duplicate speaker name %q", ErrInvalidConfig, spk)
		}
		seen[spk] = struct{}{}
	}
	if c.UseSpkID && len(c.Speakers) != len(c.RawDataDirs) {
		return fmt.Errorf("%w: number of raw data dirs (%d) must equal number of speaker names (%d)",
			ErrInvalidConfig, len(c.RawDataDirs), len(c.Speakers))
	}
	if len(c.Speakers) > c.NumSpk {
		return fmt.Errorf("%w: %d speakers configured but num_spk is %d", ErrInvalidConfig, len(c.Speakers), c.NumSpk)
	}
	if c.BinaryDataDir == "" {
		return fmt.Errorf("%w: binary_data_dir is empty", ErrInvalidConfig)
	}
	if c.Binarization.NumWorkers < 0 {
		return fmt.Errorf("%w: binarization_args.num_workers must be >= 0", ErrInvalidConfig)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.HopSize <= 0 {
		return fmt.Errorf("%w: audio_sample_rate and hop_size must be positive", ErrInvalidConfig)
	}
	if c.Batching.MaxBatchFrames <= 0 || c.Batching.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: max_batch_frames and max_batch_size must be positive", ErrInvalidConfig)
	}
	if frames, size := c.Batching.ValidationBudget(); frames <= 0 || size <= 0 {
		return fmt.Errorf("%w: max_val_batch_frames and max_val_batch_size must be positive or -1", ErrInvalidConfig)
	}
	if c.Batching.FrameCountGrid <= 0 {
		return fmt.Errorf("%w: sampler_frame_count_grid must be positive", ErrInvalidConfig)
	}
	switch c.Model.F0EmbedType {
	case "discrete", "continuous":
	default:
		return fmt.Errorf("%w: f0_embed_type must be 'discrete' or 'continuous'", ErrInvalidConfig)
	}
	return nil
}

var ErrInvalidConfig = errors.New("invalid configuration")

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}
