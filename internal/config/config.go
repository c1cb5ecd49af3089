package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string      `mapstructure:"mode"`
	Port     int         `mapstructure:"port"`
	Secret   string      `mapstructure:"secret"`
	LogLevel string      `mapstructure:"log_level"`
	Janus    JanusConfig `mapstructure:"janus"`
	RTC      RTCConfig   `mapstructure:"rtc"`
	Media    MediaConfig `mapstructure:"media"`
}

type JanusConfig struct {
	URL               string        `mapstructure:"url"`
	RoomID            uint64        `mapstructure:"room_id"`
	RoomSecret        string        `mapstructure:"room_secret"`
	RoomPin           string        `mapstructure:"room_pin"`
	OpaqueID          string        `mapstructure:"opaque_id"`
	DisplayName       string        `mapstructure:"display_name"`
	IdlePublishers    int           `mapstructure:"idle_publishers"`
	SpeechPublishers  int           `mapstructure:"speech_publishers"`
	RoomBitrate       int           `mapstructure:"room_bitrate"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestRetries    int           `mapstructure:"request_retries"`
	DestroyRoomOnStop bool          `mapstructure:"destroy_room_on_stop"`
}

type RTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
	UDPPortMin uint16   `mapstructure:"udp_port_min"`
	UDPPortMax uint16   `mapstructure:"udp_port_max"`
}

type MediaConfig struct {
	SendAudio       bool `mapstructure:"send_audio"`
	SendVideo       bool `mapstructure:"send_video"`
	SendScreen      bool `mapstructure:"send_screen"`
	VideoBitrate    int  `mapstructure:"video_bitrate"`
	ScreenFramerate int  `mapstructure:"screen_framerate"`
	ScreenBitrate   int  `mapstructure:"screen_bitrate"`
	CameraWidth     int  `mapstructure:"camera_width"`
	CameraHeight    int  `mapstructure:"camera_height"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("janus.url", "ws://localhost:8188")
	v.SetDefault("janus.room_id", 1234)
	v.SetDefault("janus.room_secret", "")
	v.SetDefault("janus.room_pin", "")
	v.SetDefault("janus.opaque_id", "speechgate")
	v.SetDefault("janus.display_name", "speechgate")
	v.SetDefault("janus.idle_publishers", 1)
	v.SetDefault("janus.speech_publishers", 3)
	v.SetDefault("janus.room_bitrate", 0)
	v.SetDefault("janus.request_timeout", "10s")
	v.SetDefault("janus.request_retries", 2)
	v.SetDefault("janus.destroy_room_on_stop", true)

	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.udp_port_min", 0)
	v.SetDefault("rtc.udp_port_max", 0)

	v.SetDefault("media.send_audio", true)
	v.SetDefault("media.send_video", true)
	v.SetDefault("media.send_screen", false)
	v.SetDefault("media.video_bitrate", 1500)
	v.SetDefault("media.screen_framerate", 15)
	v.SetDefault("media.screen_bitrate", 1500)
	v.SetDefault("media.camera_width", 1280)
	v.SetDefault("media.camera_height", 720)
}

// Load reads config/config.<CONFIG_ENV>.yaml; SPEECHGATE_* variables
// override single keys (janus.url is SPEECHGATE_JANUS_URL).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("SPEECHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
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
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("janus", cfg.Janus.URL).Uint64("room", cfg.Janus.RoomID).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Janus.URL == "" {
		return fmt.Errorf("config: janus.url is required")
	}
	if c.Janus.RoomID == 0 {
		return fmt.Errorf("config: janus.room_id is required")
	}
	if c.Janus.SpeechPublishers <= c.Janus.IdlePublishers {
		return fmt.Errorf("config: janus.speech_publishers (%d) must exceed janus.idle_publishers (%d)",
			c.Janus.SpeechPublishers, c.Janus.IdlePublishers)
	}
	if c.RTC.UDPPortMax < c.RTC.UDPPortMin {
		return fmt.Errorf("config: rtc.udp_port_max below rtc.udp_port_min")
	}
	return nil
}
