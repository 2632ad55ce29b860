package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"lookaround/internal/telemetry"
)

type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Render     RenderConfig     `yaml:"render"`
	Platform   PlatformConfig   `yaml:"platform"`
	Web        WebConfig        `yaml:"web"`
	UDP        UDPConfig        `yaml:"udp"`
	Log        LogConfig        `yaml:"log"`
}

type ControllerConfig struct {
	AlphaOffsetRad               float64       `yaml:"alpha_offset_rad"`
	WatchdogGrace                time.Duration `yaml:"watchdog_grace"`
	RestoreReferenceOnDisconnect bool          `yaml:"restore_reference_on_disconnect"`
	StartDisabled                bool          `yaml:"start_disabled"`
	// AutoConnect connects the controller at startup.
	AutoConnect bool        `yaml:"auto_connect"`
	Fused       FusedConfig `yaml:"fused"`
}

type FusedConfig struct {
	FrequencyHz    float64 `yaml:"frequency_hz"`
	ReferenceFrame string  `yaml:"reference_frame"`
}

type RenderConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Position is the camera position in scene units.
	Position [3]float64 `yaml:"position"`
}

type PlatformConfig struct {
	Mode string     `yaml:"mode"`
	Sim  SimConfig  `yaml:"sim"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

type SimConfig struct {
	Fused   bool `yaml:"fused"`
	Consent bool `yaml:"consent"`
	// Silent suppresses orientation events, as on hardware without motion sensors.
	Silent        bool              `yaml:"silent"`
	Grants        map[string]string `yaml:"grants"`
	ConsentState  string            `yaml:"consent_state"`
	RateHz        float64           `yaml:"rate_hz"`
	Period        time.Duration     `yaml:"period"`
	Script        string            `yaml:"script"`
	Loop          bool              `yaml:"loop"`
	ScreenAngle   float64           `yaml:"screen_angle"`
	ScreenType    string            `yaml:"screen_type"`
	PermissionLag time.Duration     `yaml:"permission_lag"`
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// Consent asks the handset for motion consent before the raw path starts.
	Consent bool `yaml:"consent"`
	// Fused exposes the handset's fused sensor.
	Fused bool `yaml:"fused"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	BufferLines int    `yaml:"buffer_lines"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, rejects unknown fields, applies defaults and validates.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) && unknownFieldsOnly(te) {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(stripLines(te.Errors), "; "))
		}
		return Config{}, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() error {
	c := &cfg.Controller
	if c.WatchdogGrace < 0 {
		return fmt.Errorf("controller.watchdog_grace must be >= 0")
	}
	if c.WatchdogGrace == 0 {
		c.WatchdogGrace = 2 * time.Second
	}
	if c.Fused.FrequencyHz < 0 {
		return fmt.Errorf("controller.fused.frequency_hz must be > 0")
	}
	if c.Fused.FrequencyHz == 0 {
		c.Fused.FrequencyHz = 60
	}
	switch c.Fused.ReferenceFrame {
	case "":
		c.Fused.ReferenceFrame = "screen"
	case "screen", "device":
	default:
		return fmt.Errorf("controller.fused.reference_frame must be one of screen, device")
	}

	if cfg.Render.Interval < 0 {
		return fmt.Errorf("render.interval must be > 0")
	}
	if cfg.Render.Interval == 0 {
		cfg.Render.Interval = 16 * time.Millisecond
	}

	p := &cfg.Platform
	if p.Mode == "" {
		p.Mode = "sim"
	}
	switch p.Mode {
	case "sim":
		if err := p.Sim.applyDefaults(); err != nil {
			return err
		}
	case "mqtt":
		if err := p.MQTT.applyDefaults(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("platform.mode must be one of sim, mqtt")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.UDP.Enable && cfg.UDP.Dest == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.Log.BufferLines < 0 {
		return fmt.Errorf("log.buffer_lines must be >= 0")
	}
	if cfg.Log.BufferLines == 0 {
		cfg.Log.BufferLines = 500
	}
	return nil
}

func (s *SimConfig) applyDefaults() error {
	if s.Grants == nil {
		s.Grants = map[string]string{}
	}
	for _, c := range []telemetry.Capability{telemetry.CapabilityAccelerometer, telemetry.CapabilityGyroscope} {
		if s.Grants[string(c)] == "" {
			s.Grants[string(c)] = telemetry.PermissionGranted.String()
		}
	}
	for k, v := range s.Grants {
		if k != string(telemetry.CapabilityAccelerometer) && k != string(telemetry.CapabilityGyroscope) {
			return fmt.Errorf("platform.sim.grants: unknown capability %q", k)
		}
		if _, err := telemetry.ParsePermissionState(v); err != nil {
			return fmt.Errorf("platform.sim.grants.%s: %w", k, err)
		}
	}
	if s.ConsentState == "" {
		s.ConsentState = telemetry.PermissionGranted.String()
	}
	if _, err := telemetry.ParsePermissionState(s.ConsentState); err != nil {
		return fmt.Errorf("platform.sim.consent_state: %w", err)
	}
	if s.RateHz < 0 {
		return fmt.Errorf("platform.sim.rate_hz must be > 0")
	}
	if s.RateHz == 0 {
		s.RateHz = 60
	}
	if s.Period <= 0 {
		s.Period = 20 * time.Second
	}
	if s.ScreenType == "" {
		s.ScreenType = "portrait-primary"
	}
	return nil
}

func (m *MQTTConfig) applyDefaults() error {
	if m.Broker == "" {
		return fmt.Errorf("platform.mqtt.broker is required when platform.mode is 'mqtt'")
	}
	if m.ClientID == "" {
		m.ClientID = "lookaround"
	}
	m.TopicPrefix = strings.TrimSuffix(m.TopicPrefix, "/")
	if m.TopicPrefix == "" {
		m.TopicPrefix = "lookaround/handset"
	}
	if m.QoS > 2 {
		return fmt.Errorf("platform.mqtt.qos must be 0, 1 or 2")
	}
	if m.ConnectTimeout <= 0 {
		m.ConnectTimeout = 10 * time.Second
	}
	return nil
}

func unknownFieldsOnly(te *yaml.TypeError) bool {
	for _, e := range te.Errors {
		if !strings.Contains(e, "not found in type") {
			return false
		}
	}
	return len(te.Errors) > 0
}

// stripLines drops yaml.v3's "line N: " prefix.
func stripLines(errs []string) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if i := strings.Index(e, ": "); i >= 0 && strings.HasPrefix(e, "line ") {
			e = e[i+2:]
		}
		out = append(out, e)
	}
	return out
}
