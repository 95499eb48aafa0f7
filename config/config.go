// Package config loads scanner settings.
//
// Values are layered, later sources winning:
//
//	defaults → YAML file → .env file → process environment
//
// Example:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath(os.Getenv("CONFIG_FILE")).
//	    WithEnvFiles(".env").
//	    Load()
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/swasth-ai/vitalscan/internal/acoustic"
	"github.com/swasth-ai/vitalscan/internal/scan"
	"github.com/swasth-ai/vitalscan/internal/streaming"
)

// Camera sources
const (
	CameraGStreamer = "gstreamer"
	CameraSynthetic = "synthetic"
)

// Audio sources
const (
	AudioPortAudio = "portaudio"
	AudioNone      = "none"
)

// Respiratory blend policies
const (
	BlendMax      = "max"
	BlendRampOnly = "ramp"
)

// Config is the complete scanner configuration
type Config struct {
	Service ServiceConfig    `yaml:"service"`
	Camera  CameraConfig     `yaml:"camera"`
	Audio   AudioConfig      `yaml:"audio"`
	Scan    ScanTimingConfig `yaml:"scan"`
	Storage StorageConfig    `yaml:"storage"`
	Log     LogConfig        `yaml:"log"`
}

// ServiceConfig configures the vision service connection and the status surface
type ServiceConfig struct {
	VisionURL  string `yaml:"vision_url" env:"VISION_WS_URL"`
	ClientID   string `yaml:"client_id" env:"CLIENT_ID"`
	JWTSecret  string `yaml:"jwt_secret" env:"JWT_SECRET"`
	StatusAddr string `yaml:"status_addr" env:"STATUS_ADDR"` // empty disables
}

// CameraConfig configures the frame source
type CameraConfig struct {
	Source  string `yaml:"source" env:"CAMERA_SOURCE"`
	Device  string `yaml:"device" env:"CAMERA_DEVICE"`
	Width   int    `yaml:"width" env:"CAMERA_WIDTH"`
	Height  int    `yaml:"height" env:"CAMERA_HEIGHT"`
	FPS     int    `yaml:"fps" env:"CAMERA_FPS"`
	Quality int    `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
}

// AudioConfig configures the microphone and the acoustic analyzer
type AudioConfig struct {
	Source          string        `yaml:"source" env:"AUDIO_SOURCE"`
	SampleRate      float64       `yaml:"sample_rate" env:"AUDIO_SAMPLE_RATE"`
	FramesPerBuffer int           `yaml:"frames_per_buffer" env:"AUDIO_FRAMES_PER_BUFFER"`
	Threshold       float64       `yaml:"threshold" env:"ACOUSTIC_THRESHOLD"`
	Window          time.Duration `yaml:"window" env:"ACOUSTIC_WINDOW"`
}

// ScanTimingConfig configures the phase machine and the streaming loop
type ScanTimingConfig struct {
	Tick              time.Duration `yaml:"tick" env:"SCAN_TICK"`
	FrameInterval     time.Duration `yaml:"frame_interval" env:"FRAME_INTERVAL"`
	AckTimeout        time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
	RespiratoryRamp   time.Duration `yaml:"respiratory_ramp" env:"RESPIRATORY_RAMP"`
	KinematicDuration time.Duration `yaml:"kinematic_duration" env:"KINEMATIC_DURATION"`
	AcousticDuration  time.Duration `yaml:"acoustic_duration" env:"ACOUSTIC_DURATION"`
	SettleDelay       time.Duration `yaml:"settle_delay" env:"SETTLE_DELAY"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	Blend             string        `yaml:"blend" env:"BLEND_POLICY"`
}

// StorageConfig configures result persistence. An empty MongoURI keeps results in memory.
type StorageConfig struct {
	MongoURI          string        `yaml:"mongodb_uri" env:"MONGODB_URI"`
	MongoDatabase     string        `yaml:"mongodb_database" env:"MONGODB_DATABASE"`
	Retention         time.Duration `yaml:"retention" env:"RESULT_RETENTION"` // 0 keeps records forever
	RetentionInterval time.Duration `yaml:"retention_interval" env:"RETENTION_INTERVAL"`
}

// LogConfig configures zap
type LogConfig struct {
	Level       string `yaml:"level" env:"LOG_LEVEL"`
	Development bool   `yaml:"development" env:"LOG_DEVELOPMENT"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	timing := scan.DefaultConfig()

	return &Config{
		Service: ServiceConfig{
			VisionURL:  "ws://localhost:8000/ws/vision-scan",
			ClientID:   "vitalscan",
			StatusAddr: ":8081",
		},
		Camera: CameraConfig{
			Source:  CameraGStreamer,
			Device:  "/dev/video0",
			Width:   640,
			Height:  480,
			FPS:     30,
			Quality: 60,
		},
		Audio: AudioConfig{
			Source:          AudioPortAudio,
			SampleRate:      44100,
			FramesPerBuffer: 1024,
			Threshold:       acoustic.DefaultThreshold,
			Window:          acoustic.DefaultWindow,
		},
		Scan: ScanTimingConfig{
			Tick:              timing.Tick,
			FrameInterval:     streaming.DefaultInterval,
			AckTimeout:        streaming.DefaultAckTimeout,
			RespiratoryRamp:   timing.RespiratoryRamp,
			KinematicDuration: timing.KinematicDuration,
			AcousticDuration:  timing.AcousticDuration,
			SettleDelay:       timing.SettleDelay,
			ConnectTimeout:    timing.ConnectTimeout,
			Blend:             BlendMax,
		},
		Storage: StorageConfig{
			MongoDatabase:     "vitalscan",
			Retention:         30 * 24 * time.Hour,
			RetentionInterval: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Loader builds a Config from its sources
type Loader struct {
	configPath string
	envFiles   []string
	lookup     func(string) (string, bool)
}

// NewLoader creates a loader that reads the process environment
func NewLoader() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// WithConfigPath sets the YAML file. A missing file is ignored.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvFiles sets the .env files. Missing files are ignored.
func (l *Loader) WithEnvFiles(files ...string) *Loader {
	l.envFiles = files
	return l
}

// Load layers every source over the defaults and validates the result
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	dotenv, err := l.readEnvFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	lookup := func(key string) (string, bool) {
		if v, ok := l.lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), lookup); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// readEnvFiles merges the .env files without touching the process environment
func (l *Loader) readEnvFiles() (map[string]string, error) {
	merged := make(map[string]string)
	for _, file := range l.envFiles {
		values, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for k, v := range values {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}
	return merged, nil
}

// setFieldsFromEnv walks nested structs and sets every field with an env tag
func setFieldsFromEnv(v reflect.Value, lookup func(string) (string, bool)) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, lookup); err != nil {
				return err
			}
			continue
		}

		key := fieldType.Tag.Get("env")
		if key == "" || key == "-" {
			continue
		}

		value, ok := lookup(key)
		if !ok {
			continue
		}
		// An explicitly empty value only clears strings.
		if value == "" && field.Kind() != reflect.String {
			continue
		}

		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}

	return nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.Service.VisionURL == "" {
		errs = append(errs, "vision service URL is required")
	} else if !strings.HasPrefix(c.Service.VisionURL, "ws://") && !strings.HasPrefix(c.Service.VisionURL, "wss://") {
		errs = append(errs, "vision service URL must use ws:// or wss://")
	}

	switch c.Camera.Source {
	case CameraGStreamer, CameraSynthetic:
	default:
		errs = append(errs, fmt.Sprintf("unknown camera source %q", c.Camera.Source))
	}
	if c.Camera.FPS <= 0 {
		errs = append(errs, "camera fps must be positive")
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, "camera size must be positive")
	}
	if c.Camera.Quality < 1 || c.Camera.Quality > 100 {
		errs = append(errs, "jpeg quality must be within 1-100")
	}

	switch c.Audio.Source {
	case AudioPortAudio, AudioNone:
	default:
		errs = append(errs, fmt.Sprintf("unknown audio source %q", c.Audio.Source))
	}
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, "audio sample rate must be positive")
	}
	if c.Audio.FramesPerBuffer <= 0 {
		errs = append(errs, "audio frames per buffer must be positive")
	}
	if c.Audio.Threshold < 0 || c.Audio.Threshold > 255 {
		errs = append(errs, "acoustic threshold must be within 0-255")
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"acoustic window", c.Audio.Window},
		{"scan tick", c.Scan.Tick},
		{"frame interval", c.Scan.FrameInterval},
		{"ack timeout", c.Scan.AckTimeout},
		{"respiratory ramp", c.Scan.RespiratoryRamp},
		{"kinematic duration", c.Scan.KinematicDuration},
		{"acoustic duration", c.Scan.AcousticDuration},
		{"settle delay", c.Scan.SettleDelay},
		{"connect timeout", c.Scan.ConnectTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, d.name+" must be positive")
		}
	}

	switch c.Scan.Blend {
	case BlendMax, BlendRampOnly:
	default:
		errs = append(errs, fmt.Sprintf("unknown blend policy %q", c.Scan.Blend))
	}

	if c.Storage.Retention < 0 {
		errs = append(errs, "result retention must not be negative")
	}
	if c.Storage.Retention > 0 && c.Storage.RetentionInterval <= 0 {
		errs = append(errs, "retention interval must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ScanConfig projects the timing settings onto the phase machine configuration
func (c *Config) ScanConfig() scan.Config {
	cfg := scan.DefaultConfig()

	cfg.Tick = c.Scan.Tick
	cfg.RespiratoryRamp = c.Scan.RespiratoryRamp
	cfg.KinematicDuration = c.Scan.KinematicDuration
	cfg.AcousticDuration = c.Scan.AcousticDuration
	cfg.SettleDelay = c.Scan.SettleDelay
	cfg.ConnectTimeout = c.Scan.ConnectTimeout
	cfg.Streaming = streaming.Config{
		Interval:   c.Scan.FrameInterval,
		AckTimeout: c.Scan.AckTimeout,
	}
	cfg.Acoustic = acoustic.Config{
		Threshold: c.Audio.Threshold,
		Window:    c.Audio.Window,
	}

	if c.Scan.Blend == BlendRampOnly {
		cfg.Blend = scan.RampOnly
	} else {
		cfg.Blend = scan.MaxBlend
	}

	return cfg
}
