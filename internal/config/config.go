package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port" validate:"min=1024,max=65535"`
	LogLevel   string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"gt=0"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"gt=0"`
	CORSOrigin string        `mapstructure:"cors_origin"`

	WorkerCount int    `mapstructure:"worker_count" validate:"min=1"`
	RTCMinPort  int    `mapstructure:"rtc_min_port" validate:"min=1024,max=65535"`
	RTCMaxPort  int    `mapstructure:"rtc_max_port" validate:"min=1024,max=65535"`
	AnnouncedIP string `mapstructure:"announced_ip" validate:"omitempty,ip"`
	STUNURLs    string `mapstructure:"stun_urls"`

	RedisEnabled  bool   `mapstructure:"redis_enabled"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisChannel  string `mapstructure:"redis_channel"`

	AudioEnabled          bool   `mapstructure:"audio_enabled"`
	AudioSampleRate       int    `mapstructure:"audio_sample_rate" validate:"oneof=48000 16000"`
	AudioChannels         int    `mapstructure:"audio_channels" validate:"oneof=1 2"`
	STTServiceURL         string `mapstructure:"stt_service_url" validate:"omitempty,url"`
	TranslationServiceURL string `mapstructure:"translation_service_url" validate:"omitempty,url"`
	VADModelPath          string `mapstructure:"vad_model_path"`
	VADRedemptionFrames   int    `mapstructure:"vad_redemption_frames" validate:"min=1"`
	VADMinSpeechFrames    int    `mapstructure:"vad_min_speech_frames" validate:"min=1"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// Error lists every violated rule.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func defaultWorkers() int {
	return max(runtime.NumCPU()-1, 1)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 3000)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "10s")
	v.SetDefault("cors_origin", "*")

	v.SetDefault("worker_count", defaultWorkers())
	v.SetDefault("rtc_min_port", 40000)
	v.SetDefault("rtc_max_port", 40100)
	v.SetDefault("announced_ip", "")
	v.SetDefault("stun_urls", "stun:stun.l.google.com:19302")

	v.SetDefault("redis_enabled", true)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_channel", "gateway:events")

	v.SetDefault("audio_enabled", true)
	v.SetDefault("audio_sample_rate", 48000)
	v.SetDefault("audio_channels", 1)
	v.SetDefault("stt_service_url", "http://stt:8001")
	v.SetDefault("translation_service_url", "")
	v.SetDefault("vad_model_path", "")
	v.SetDefault("vad_redemption_frames", 12)
	v.SetDefault("vad_min_speech_frames", 3)

	v.SetDefault("shutdown_timeout", "10s")
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults and env")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field rules and the cross-field constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.ToUpper(f.Tag.Get("mapstructure"))
	})

	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			rule := fe.Tag()
			if fe.Param() != "" {
				rule += "=" + fe.Param()
			}
			problems = append(problems, fmt.Sprintf("%s=%v violates %s", fe.Field(), fe.Value(), rule))
		}
	}
	if c.RTCMinPort >= c.RTCMaxPort {
		problems = append(problems, fmt.Sprintf("RTC_MIN_PORT (%d) must be below RTC_MAX_PORT (%d)", c.RTCMinPort, c.RTCMaxPort))
	}
	if c.AudioEnabled && c.STTServiceURL == "" {
		problems = append(problems, "STT_SERVICE_URL is required when AUDIO_ENABLED")
	}
	if c.RedisEnabled && c.RedisAddr == "" {
		problems = append(problems, "REDIS_ADDR is required when REDIS_ENABLED")
	}
	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}

// STUN returns the configured STUN server urls.
func (c *Config) STUN() []string {
	var out []string
	for _, u := range strings.Split(c.STUNURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
