package internal

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// VERSION follows semantic versioning.
const VERSION = "0.4.0"

const (
	DefaultBaseURL = "https://www.kookapp.cn"

	// BOT_TOKEN overrides the token in the configuration file.
	TokenEnvironmentKey = "BOT_TOKEN"
)

// Milliseconds is a duration written as an integer number of milliseconds.
type Milliseconds int64

// Duration converts to time.Duration.
func (ms Milliseconds) Duration() time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// SessionConfiguration holds every timing of the gateway state machine.
type SessionConfiguration struct {
	Compress bool `json:"compress" yaml:"compress" toml:"compress"`

	HandshakeTimeout Milliseconds `json:"handshake_timeout" yaml:"handshake_timeout" toml:"handshake_timeout"`

	HeartbeatInterval        Milliseconds `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeout         Milliseconds `json:"heartbeat_timeout" yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	FirstHeartbeatRetryDelay Milliseconds `json:"first_heartbeat_retry_delay" yaml:"first_heartbeat_retry_delay" toml:"first_heartbeat_retry_delay"`
	FirstRepingDelay         Milliseconds `json:"first_reping_delay" yaml:"first_reping_delay" toml:"first_reping_delay"`
	FinalRepingDelay         Milliseconds `json:"final_reping_delay" yaml:"final_reping_delay" toml:"final_reping_delay"`
	PongTimeout              Milliseconds `json:"pong_timeout" yaml:"pong_timeout" toml:"pong_timeout"`

	FirstResumeRequestDelay  Milliseconds `json:"first_resume_request_delay" yaml:"first_resume_request_delay" toml:"first_resume_request_delay"`
	SecondResumeRequestDelay Milliseconds `json:"second_resume_request_delay" yaml:"second_resume_request_delay" toml:"second_resume_request_delay"`
	ResumeOkTimeout          Milliseconds `json:"resume_ok_timeout" yaml:"resume_ok_timeout" toml:"resume_ok_timeout"`

	FirstOpenGatewayRetryDelay Milliseconds `json:"first_open_gateway_retry_delay" yaml:"first_open_gateway_retry_delay" toml:"first_open_gateway_retry_delay"`
	FinalOpenGatewayRetryDelay Milliseconds `json:"final_open_gateway_retry_delay" yaml:"final_open_gateway_retry_delay" toml:"final_open_gateway_retry_delay"`
	OpenGatewayDelay           Milliseconds `json:"open_gateway_delay" yaml:"open_gateway_delay" toml:"open_gateway_delay"`

	InfiniteRetryDelayInitial Milliseconds `json:"infinite_retry_delay_initial" yaml:"infinite_retry_delay_initial" toml:"infinite_retry_delay_initial"`
	InfiniteRetryDelayMaximum Milliseconds `json:"infinite_retry_delay_maximum" yaml:"infinite_retry_delay_maximum" toml:"infinite_retry_delay_maximum"`

	// How long an unfilled sequence gap may hold events back.
	GapTimeout Milliseconds `json:"gap_timeout" yaml:"gap_timeout" toml:"gap_timeout"`
}

// DefaultSessionConfiguration returns the timings the gateway documentation suggests.
func DefaultSessionConfiguration() SessionConfiguration {
	return SessionConfiguration{
		Compress: true,

		HandshakeTimeout: 6000,

		HeartbeatInterval:        30000,
		HeartbeatTimeout:         6000,
		FirstHeartbeatRetryDelay: 2000,
		FirstRepingDelay:         2000,
		FinalRepingDelay:         4000,
		PongTimeout:              6000,

		FirstResumeRequestDelay:  8000,
		SecondResumeRequestDelay: 16000,
		ResumeOkTimeout:          6000,

		FirstOpenGatewayRetryDelay: 2000,
		FinalOpenGatewayRetryDelay: 4000,
		OpenGatewayDelay:           2000,

		InfiniteRetryDelayInitial: 1000,
		InfiniteRetryDelayMaximum: 60000,

		GapTimeout: 6000,
	}
}

// WithDefaults replaces every unset timing with its default.
func (sc SessionConfiguration) WithDefaults() SessionConfiguration {
	defaults := DefaultSessionConfiguration()

	fill := func(value *Milliseconds, fallback Milliseconds) {
		if *value == 0 {
			*value = fallback
		}
	}

	fill(&sc.HandshakeTimeout, defaults.HandshakeTimeout)
	fill(&sc.HeartbeatInterval, defaults.HeartbeatInterval)
	fill(&sc.HeartbeatTimeout, defaults.HeartbeatTimeout)
	fill(&sc.FirstHeartbeatRetryDelay, defaults.FirstHeartbeatRetryDelay)
	fill(&sc.FirstRepingDelay, defaults.FirstRepingDelay)
	fill(&sc.FinalRepingDelay, defaults.FinalRepingDelay)
	fill(&sc.PongTimeout, defaults.PongTimeout)
	fill(&sc.FirstResumeRequestDelay, defaults.FirstResumeRequestDelay)
	fill(&sc.SecondResumeRequestDelay, defaults.SecondResumeRequestDelay)
	fill(&sc.ResumeOkTimeout, defaults.ResumeOkTimeout)
	fill(&sc.FirstOpenGatewayRetryDelay, defaults.FirstOpenGatewayRetryDelay)
	fill(&sc.FinalOpenGatewayRetryDelay, defaults.FinalOpenGatewayRetryDelay)
	fill(&sc.OpenGatewayDelay, defaults.OpenGatewayDelay)
	fill(&sc.InfiniteRetryDelayInitial, defaults.InfiniteRetryDelayInitial)
	fill(&sc.InfiniteRetryDelayMaximum, defaults.InfiniteRetryDelayMaximum)
	fill(&sc.GapTimeout, defaults.GapTimeout)

	return sc
}

// Validate checks that every timing is usable.
func (sc SessionConfiguration) Validate() error {
	for _, value := range []Milliseconds{
		sc.HandshakeTimeout, sc.HeartbeatInterval, sc.HeartbeatTimeout, sc.FirstHeartbeatRetryDelay,
		sc.FirstRepingDelay, sc.FinalRepingDelay, sc.PongTimeout, sc.FirstResumeRequestDelay,
		sc.SecondResumeRequestDelay, sc.ResumeOkTimeout, sc.FirstOpenGatewayRetryDelay,
		sc.FinalOpenGatewayRetryDelay, sc.OpenGatewayDelay, sc.InfiniteRetryDelayInitial,
		sc.InfiniteRetryDelayMaximum, sc.GapTimeout,
	} {
		if value <= 0 {
			return ErrConfigurationInvalidDuration
		}
	}

	if sc.InfiniteRetryDelayMaximum < sc.InfiniteRetryDelayInitial {
		return ErrConfigurationInvalidRetry
	}

	return nil
}

// ProducerConfiguration selects where in-order events are published.
type ProducerConfiguration struct {
	// Empty disables publishing, events are only logged.
	Type    string `json:"type" yaml:"type" toml:"type"`
	Channel string `json:"channel" yaml:"channel" toml:"channel"`

	// Client name passed to the message queue. A random suffix is appended
	// when IncludeRandomSuffix is set.
	ClientName          string `json:"client_name" yaml:"client_name" toml:"client_name"`
	IncludeRandomSuffix bool   `json:"client_name_uses_random_suffix" yaml:"client_name_uses_random_suffix" toml:"client_name_uses_random_suffix"`

	// Events with a msg_id seen within this window are dropped.
	DedupeWindow Milliseconds `json:"dedupe_window" yaml:"dedupe_window" toml:"dedupe_window"`

	Configuration map[string]interface{} `json:"configuration" yaml:"configuration" toml:"configuration"`
}

// LoggingConfiguration controls console and rotating file output.
type LoggingConfiguration struct {
	Level string `json:"level" yaml:"level" toml:"level"`

	// Empty disables file logging.
	File       string `json:"file" yaml:"file" toml:"file"`
	MaxSize    int    `json:"max_size" yaml:"max_size" toml:"max_size"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAge     int    `json:"max_age" yaml:"max_age" toml:"max_age"`
	Compress   bool   `json:"compress" yaml:"compress" toml:"compress"`
}

// Configuration is the daemon configuration file.
type Configuration struct {
	Token   string `json:"token" yaml:"token" toml:"token"`
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"`

	Session  SessionConfiguration  `json:"session" yaml:"session" toml:"session"`
	Producer ProducerConfiguration `json:"producer" yaml:"producer" toml:"producer"`
	Logging  LoggingConfiguration  `json:"logging" yaml:"logging" toml:"logging"`

	Prometheus struct {
		// Empty disables the metrics listener.
		Address string `json:"address" yaml:"address" toml:"address"`
	} `json:"prometheus" yaml:"prometheus" toml:"prometheus"`

	// Webhooks are notified about severe errors.
	Webhooks []string `json:"webhooks" yaml:"webhooks" toml:"webhooks"`
}

// LoadConfiguration reads a YAML or TOML configuration file, applies the
// environment and defaults and validates the result.
func LoadConfiguration(logger zerolog.Logger, path string) (configuration Configuration, err error) {
	logger.Debug().
		Str("path", path).
		Msg("Loading configuration")

	defer func() {
		if err == nil {
			logger.Info().Msg("Configuration loaded")
		}
	}()

	file, err := os.ReadFile(path)
	if err != nil {
		return configuration, xerrors.Errorf("%v: %w", err, ErrReadConfigurationFailure)
	}

	configuration, err = ParseConfiguration(filepath.Ext(path), file)
	if err != nil {
		return configuration, err
	}

	if token := os.Getenv(TokenEnvironmentKey); token != "" {
		configuration.Token = token
	}

	configuration = configuration.WithDefaults()

	return configuration, configuration.Validate()
}

// ParseConfiguration decodes a configuration file by its extension.
func ParseConfiguration(extension string, data []byte) (configuration Configuration, err error) {
	switch strings.ToLower(extension) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &configuration)
	case ".toml":
		err = toml.Unmarshal(data, &configuration)
	default:
		return configuration, ErrConfigurationUnknownExtension
	}

	if err != nil {
		return configuration, xerrors.Errorf("%v: %w", err, ErrLoadConfigurationFailure)
	}

	return configuration, nil
}

// WithDefaults fills in everything that was left empty.
func (c Configuration) WithDefaults() Configuration {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}

	c.Session = c.Session.WithDefaults()

	if c.Producer.DedupeWindow == 0 {
		c.Producer.DedupeWindow = Milliseconds(defaultDedupeExpiration.Milliseconds())
	}

	if c.Logging.Level == "" {
		c.Logging.Level = zerolog.InfoLevel.String()
	}

	return c
}

// Validate checks the configuration can be used to start the daemon.
func (c Configuration) Validate() error {
	if c.Token == "" {
		return ErrConfigurationMissingToken
	}

	baseURL, err := url.Parse(c.BaseURL)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return ErrConfigurationInvalidBaseURL
	}

	return c.Session.Validate()
}
