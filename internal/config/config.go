// Package config loads and validates the meshcall configuration.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/1ureka/meshcall/internal/transport"
)

// Mode selects what the process runs.
type Mode string

const (
	ModeJoin  Mode = "join"
	ModeRelay Mode = "relay"
)

// EnvPrefix is prepended to every environment variable, e.g.
// MESHCALL_SESSION_ID or MESHCALL_RECONNECT_ATTEMPTS.
const EnvPrefix = "MESHCALL"

// Config stores every parameter of a join or relay run.
type Config struct {
	RelayURL      string `mapstructure:"relay_url" validate:"required,url"`
	SessionID     string `mapstructure:"session_id" validate:"required,max=128"`
	DisplayName   string `mapstructure:"display_name" validate:"required,max=64"`
	ParticipantID string `mapstructure:"participant_id" validate:"required"`
	Role          string `mapstructure:"role" validate:"required,max=32"`

	ICEServers []string `mapstructure:"ice_servers" validate:"dive,required"`

	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
	DialTimeout    time.Duration   `mapstructure:"dial_timeout" validate:"gt=0"`
	JoinTimeout    time.Duration   `mapstructure:"join_timeout" validate:"gte=0"`
	PeerSetupDelay time.Duration   `mapstructure:"peer_setup_delay" validate:"gte=0"`

	Media MediaConfig `mapstructure:"media"`
	Relay RelayConfig `mapstructure:"relay"`

	MetricsAddr  string `mapstructure:"metrics_addr"`
	SnapshotPath string `mapstructure:"snapshot_path"`
	Debug        bool   `mapstructure:"debug"`
}

// ReconnectConfig bounds signaling reconnection: Attempts tries, the n-th
// after n*Delay.
type ReconnectConfig struct {
	Attempts int           `mapstructure:"attempts" validate:"gte=0,lte=20"`
	Delay    time.Duration `mapstructure:"delay" validate:"gte=0"`
}

// MediaConfig points the file-backed capture devices at their sources.
// An empty path means the device is unavailable.
type MediaConfig struct {
	Camera     string `mapstructure:"camera"`
	Microphone string `mapstructure:"microphone"`
	Screen     string `mapstructure:"screen"`
	Video      bool   `mapstructure:"video"`
	Audio      bool   `mapstructure:"audio"`
	Loop       bool   `mapstructure:"loop"`
}

// RelayConfig configures the development relay.
type RelayConfig struct {
	Listen          string  `mapstructure:"listen" validate:"required"`
	MaxParticipants int     `mapstructure:"max_participants" validate:"gte=2"`
	ChatRate        float64 `mapstructure:"chat_rate" validate:"gt=0"`
	ChatBurst       int     `mapstructure:"chat_burst" validate:"gte=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay_url", "ws://127.0.0.1:8080/ws")
	v.SetDefault("session_id", "")
	v.SetDefault("display_name", "")
	v.SetDefault("participant_id", "")
	v.SetDefault("role", "participant")
	v.SetDefault("ice_servers", transport.DefaultICEServers)

	v.SetDefault("reconnect.attempts", 3)
	v.SetDefault("reconnect.delay", "1s")
	v.SetDefault("dial_timeout", "10s")
	v.SetDefault("join_timeout", "0s")
	v.SetDefault("peer_setup_delay", "500ms")

	v.SetDefault("media.camera", "")
	v.SetDefault("media.microphone", "")
	v.SetDefault("media.screen", "")
	v.SetDefault("media.video", true)
	v.SetDefault("media.audio", true)
	v.SetDefault("media.loop", true)

	v.SetDefault("relay.listen", ":8080")
	v.SetDefault("relay.max_participants", 8)
	v.SetDefault("relay.chat_rate", 5.0)
	v.SetDefault("relay.chat_burst", 10)

	v.SetDefault("metrics_addr", "")
	v.SetDefault("snapshot_path", "")
	v.SetDefault("debug", false)
}

// Load builds a Config from, in increasing priority: defaults, the optional
// config file at path, MESHCALL_* environment variables, and overrides
// (typically CLI flags the user actually set).
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
			v.SetConfigType(ext)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	for key, val := range overrides {
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.ParticipantID == "" {
		cfg.ParticipantID = uuid.NewString()
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = slices.Clone(transport.DefaultICEServers)
	}
	return &cfg, nil
}

// Validate checks the fields the given mode needs. A relay run does not
// need an identity or a session.
func (c *Config) Validate(mode Mode) error {
	var err error
	switch mode {
	case ModeJoin:
		err = validate.Struct(c)
	case ModeRelay:
		err = validate.Struct(c.Relay)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return fmt.Errorf("invalid config: %w", err)
}
