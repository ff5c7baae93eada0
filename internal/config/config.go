// Package config loads proctor settings from defaults, an optional YAML file,
// a .env file, PROCTOR_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/proctor/internal/analysis"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PROCTOR"

// DefaultModelURL is the hosted MediaPipe face landmarker. The engine downloads
// it once into ~/.cache/proctor.
const DefaultModelURL = "https://storage.googleapis.com/mediapipe-models/face_landmarker/face_landmarker/float16/1/face_landmarker.task"

type Monitor struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
}

type Detector struct {
	Python       string        `mapstructure:"python"`
	Script       string        `mapstructure:"script"`
	Model        string        `mapstructure:"model"`
	MaxFaces     int           `mapstructure:"max_faces"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
}

type Video struct {
	Input  string `mapstructure:"input"`
	Format string `mapstructure:"format"`
	FPS    int    `mapstructure:"fps"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
}

type Server struct {
	Listen string `mapstructure:"listen"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Database struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Thresholds analysis.Thresholds `mapstructure:"thresholds"`
	Monitor    Monitor             `mapstructure:"monitor"`
	Detector   Detector            `mapstructure:"detector"`
	Video      Video               `mapstructure:"video"`
	Server     Server              `mapstructure:"server"`
	Log        Log                 `mapstructure:"log"`
	Database   Database            `mapstructure:"database"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	t := analysis.DefaultThresholds()
	v.SetDefault("thresholds.head_pose.horizontal", t.HeadPose.Horizontal)
	v.SetDefault("thresholds.head_pose.down", t.HeadPose.Down)
	v.SetDefault("thresholds.head_pose.up", t.HeadPose.Up)
	v.SetDefault("thresholds.head_pose.missing_fallback", string(t.HeadPose.MissingFallback))
	v.SetDefault("thresholds.gaze.min", t.Gaze.Min)
	v.SetDefault("thresholds.gaze.max", t.Gaze.Max)
	v.SetDefault("thresholds.emotion.smile", t.Emotion.Smile)
	v.SetDefault("thresholds.emotion.frown", t.Emotion.Frown)
	v.SetDefault("thresholds.emotion.surprise", t.Emotion.Surprise)
	v.SetDefault("thresholds.emotion.thinking_brow", t.Emotion.ThinkingBrow)
	v.SetDefault("thresholds.emotion.thinking_frown_max", t.Emotion.ThinkingFrownMax)

	v.SetDefault("monitor.tick_interval", 16*time.Millisecond)
	v.SetDefault("monitor.alert_cooldown", 5*time.Second)

	v.SetDefault("detector.python", "python3")
	v.SetDefault("detector.script", filepath.Join("python", "landmarker.py"))
	v.SetDefault("detector.model", DefaultModelURL)
	v.SetDefault("detector.max_faces", 3)
	v.SetDefault("detector.read_timeout", 2*time.Second)
	v.SetDefault("detector.start_timeout", 60*time.Second)

	v.SetDefault("video.input", "")
	v.SetDefault("video.format", "")
	v.SetDefault("video.fps", 15)
	v.SetDefault("video.width", 320)
	v.SetDefault("video.height", 240)

	v.SetDefault("server.listen", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.url", "")
}

// FlagKeys maps command-line flag names to config keys. Flags that are not
// registered on the command being run are ignored.
var FlagKeys = map[string]string{
	"db":             "database.url",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"input":          "video.input",
	"format":         "video.format",
	"fps":            "video.fps",
	"width":          "video.width",
	"height":         "video.height",
	"listen":         "server.listen",
	"interval":       "monitor.tick_interval",
	"cooldown":       "monitor.alert_cooldown",
	"python":         "detector.python",
	"script":         "detector.script",
	"model":          "detector.model",
	"max-faces":      "detector.max_faces",
	"worker-timeout": "detector.read_timeout",
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load builds the configuration. path may be empty, in which case
// ./proctor.yaml and $HOME/.config/proctor/proctor.yaml are tried.
// flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("proctor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "proctor"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.Database.URL = ResolveDatabaseURL(cfg.Database.URL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with nothing but built-in defaults.
func Default() *Config {
	var cfg Config
	if err := newDefaultsOnly().Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func newDefaultsOnly() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// ResolveDatabaseURL returns explicit when set. Otherwise it builds a URL from
// POSTGRES_HOST/USER/PASSWORD/DB/PORT, falling back to a local default.
func ResolveDatabaseURL(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "postgres://localhost:5432/proctor"
}

// Validate rejects settings the monitoring loop cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	t := c.Thresholds
	check(t.HeadPose.Horizontal > 0 && t.HeadPose.Horizontal < 0.5, "thresholds.head_pose.horizontal must be in (0, 0.5), got %v", t.HeadPose.Horizontal)
	check(t.HeadPose.Down > 0 && t.HeadPose.Down < 0.5, "thresholds.head_pose.down must be in (0, 0.5), got %v", t.HeadPose.Down)
	check(t.HeadPose.Up > 0 && t.HeadPose.Up < 0.5, "thresholds.head_pose.up must be in (0, 0.5), got %v", t.HeadPose.Up)
	check(t.HeadPose.MissingFallback == analysis.FallbackUnknown || t.HeadPose.MissingFallback == analysis.FallbackCentered,
		"thresholds.head_pose.missing_fallback must be %q or %q, got %q", analysis.FallbackUnknown, analysis.FallbackCentered, t.HeadPose.MissingFallback)
	check(t.Gaze.Min >= 0 && t.Gaze.Max <= 1 && t.Gaze.Min < t.Gaze.Max, "thresholds.gaze needs 0 <= min < max <= 1, got %v..%v", t.Gaze.Min, t.Gaze.Max)
	for name, s := range map[string]float64{
		"smile":              t.Emotion.Smile,
		"frown":              t.Emotion.Frown,
		"surprise":           t.Emotion.Surprise,
		"thinking_brow":      t.Emotion.ThinkingBrow,
		"thinking_frown_max": t.Emotion.ThinkingFrownMax,
	} {
		check(s > 0 && s <= 1, "thresholds.emotion.%s must be in (0, 1], got %v", name, s)
	}

	check(c.Monitor.TickInterval > 0, "monitor.tick_interval must be positive, got %v", c.Monitor.TickInterval)
	check(c.Monitor.AlertCooldown >= 0, "monitor.alert_cooldown must not be negative, got %v", c.Monitor.AlertCooldown)
	check(c.Detector.MaxFaces >= 2, "detector.max_faces must be at least 2 to detect multiple people, got %d", c.Detector.MaxFaces)
	check(c.Detector.ReadTimeout > 0, "detector.read_timeout must be positive, got %v", c.Detector.ReadTimeout)
	check(c.Detector.StartTimeout > 0, "detector.start_timeout must be positive, got %v", c.Detector.StartTimeout)
	check(c.Video.FPS > 0, "video.fps must be positive, got %d", c.Video.FPS)
	check(c.Video.Width >= 0 && c.Video.Height >= 0, "video.width and video.height must not be negative")
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	return errors.Join(errs...)
}

// WriteDefault writes the built-in defaults as a YAML starting point.
func WriteDefault(path string) error {
	settings := newDefaultsOnly().AllSettings()
	delete(settings, "database")
	data, err := yaml.Marshal(humanize(settings))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// humanize renders durations as strings so the file round-trips through viper.
func humanize(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = humanize(val)
		case time.Duration:
			out[k] = val.String()
		default:
			out[k] = val
		}
	}
	return out
}
