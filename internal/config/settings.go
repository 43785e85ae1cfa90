package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the process configuration, read from flags, SIGNALSIM_* env
// vars and an optional config file.
type Settings struct {
	AppName           string          `mapstructure:"app_name"`
	AppEnv            string          `mapstructure:"app_env"`
	LogLevel          string          `mapstructure:"log_level"`
	LogFormat         string          `mapstructure:"log_format"`
	APIPrefix         string          `mapstructure:"api_prefix"`
	Addr              string          `mapstructure:"addr"`
	DBDSN             string          `mapstructure:"db_dsn"`
	JWTSecret         string          `mapstructure:"jwt_secret"`
	SeedDefault       bool            `mapstructure:"seed_default"`
	IntersectionsFile string          `mapstructure:"intersections_file"`
	MQTT              MQTTConfig      `mapstructure:"mqtt"`
	Influx            InfluxConfig    `mapstructure:"influx"`
	Webhooks          []WebhookConfig `mapstructure:"webhooks"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

type InfluxConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Org           string `mapstructure:"org"`
	Bucket        string `mapstructure:"bucket"`
	BatchSize     int    `mapstructure:"batch_size"`
	FlushInterval int    `mapstructure:"flush_interval"`
}

type WebhookConfig struct {
	URL            string   `mapstructure:"url"`
	Secret         string   `mapstructure:"secret"`
	Events         []string `mapstructure:"events"`
	Enabled        *bool    `mapstructure:"enabled"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// SetDefaults registers every known key so that env vars can override them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "Traffic Light Control Service")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("api_prefix", "/api/v1")
	v.SetDefault("addr", "127.0.0.1:8080")
	v.SetDefault("db_dsn", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("seed_default", true)
	v.SetDefault("intersections_file", "")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "signalsim")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "signalsim")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://127.0.0.1:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "signalsim")
	v.SetDefault("influx.batch_size", 100)
	v.SetDefault("influx.flush_interval", 10)
}

// BindEnv wires SIGNALSIM_* variables, mapping nested keys with underscores
// (mqtt.broker -> SIGNALSIM_MQTT_BROKER).
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("SIGNALSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// LoadSettings decodes and validates settings from v.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate ensures the settings meet required structure.
func (s *Settings) Validate() error {
	if s.APIPrefix != "" && !strings.HasPrefix(s.APIPrefix, "/") {
		return fmt.Errorf("api_prefix must start with /")
	}
	if s.MQTT.Enabled {
		if s.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if s.Influx.Enabled && (s.Influx.URL == "" || s.Influx.Bucket == "") {
		return fmt.Errorf("influx.url and influx.bucket are required when influx is enabled")
	}
	for i, hook := range s.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}
