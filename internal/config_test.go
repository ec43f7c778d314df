package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

const yamlConfiguration = `
token: "1/MTA=/abc"
session:
  compress: true
  heartbeat_interval: 25000
  gap_timeout: 3000
producer:
  type: redis
  channel: kook
  configuration:
    address: "localhost:6379"
    db: 2
webhooks:
  - "https://discord.com/api/webhooks/1/abc"
prometheus:
  address: ":9090"
`

const tomlConfiguration = `
token = "1/MTA=/abc"
base_url = "https://kook.example"

[session]
compress = false
handshake_timeout = 4000

[producer]
type = "kafka"
channel = "kook"

[producer.configuration]
address = "localhost:9092"

[logging]
level = "debug"
file = "kook.log"
`

func TestParseConfigurationYAML(t *testing.T) {
	configuration, err := ParseConfiguration(".yaml", []byte(yamlConfiguration))
	require.NoError(t, err)

	assert.Equal(t, "1/MTA=/abc", configuration.Token)
	assert.True(t, configuration.Session.Compress)
	assert.Equal(t, Milliseconds(25000), configuration.Session.HeartbeatInterval)
	assert.Equal(t, Milliseconds(3000), configuration.Session.GapTimeout)
	assert.Equal(t, "redis", configuration.Producer.Type)
	assert.Equal(t, "kook", configuration.Producer.Channel)
	assert.Equal(t, "localhost:6379", configuration.Producer.Configuration["address"])
	assert.Equal(t, []string{"https://discord.com/api/webhooks/1/abc"}, configuration.Webhooks)
	assert.Equal(t, ":9090", configuration.Prometheus.Address)
}

func TestParseConfigurationTOML(t *testing.T) {
	configuration, err := ParseConfiguration(".toml", []byte(tomlConfiguration))
	require.NoError(t, err)

	assert.Equal(t, "https://kook.example", configuration.BaseURL)
	assert.False(t, configuration.Session.Compress)
	assert.Equal(t, Milliseconds(4000), configuration.Session.HandshakeTimeout)
	assert.Equal(t, "kafka", configuration.Producer.Type)
	assert.Equal(t, "localhost:9092", configuration.Producer.Configuration["address"])
	assert.Equal(t, "debug", configuration.Logging.Level)
	assert.Equal(t, "kook.log", configuration.Logging.File)
}

func TestParseConfigurationErrors(t *testing.T) {
	_, err := ParseConfiguration(".json", []byte(`{}`))
	assert.True(t, xerrors.Is(err, ErrConfigurationUnknownExtension))

	_, err = ParseConfiguration(".yml", []byte("token: [unterminated"))
	assert.True(t, xerrors.Is(err, ErrLoadConfigurationFailure))
}

func TestConfigurationDefaults(t *testing.T) {
	configuration := Configuration{Token: "token"}.WithDefaults()

	assert.Equal(t, DefaultBaseURL, configuration.BaseURL)
	assert.Equal(t, "info", configuration.Logging.Level)
	assert.Equal(t, 2*time.Minute, configuration.Producer.DedupeWindow.Duration())

	defaults := DefaultSessionConfiguration()
	defaults.Compress = false

	assert.Equal(t, defaults, configuration.Session)
	assert.NoError(t, configuration.Validate())
}

func TestSessionConfigurationKeepsValues(t *testing.T) {
	session := SessionConfiguration{PongTimeout: 100}.WithDefaults()

	assert.Equal(t, Milliseconds(100), session.PongTimeout)
	assert.Equal(t, 6*time.Second, session.HandshakeTimeout.Duration())
	assert.Equal(t, time.Minute, session.InfiniteRetryDelayMaximum.Duration())
}

func TestConfigurationValidate(t *testing.T) {
	valid := Configuration{Token: "token"}.WithDefaults()

	tests := []struct {
		name   string
		modify func(*Configuration)
		err    error
	}{
		{
			name:   "missing token",
			modify: func(c *Configuration) { c.Token = "" },
			err:    ErrConfigurationMissingToken,
		},
		{
			name:   "relative base url",
			modify: func(c *Configuration) { c.BaseURL = "kookapp.cn" },
			err:    ErrConfigurationInvalidBaseURL,
		},
		{
			name:   "negative duration",
			modify: func(c *Configuration) { c.Session.PongTimeout = -1 },
			err:    ErrConfigurationInvalidDuration,
		},
		{
			name: "retry maximum below initial",
			modify: func(c *Configuration) {
				c.Session.InfiniteRetryDelayInitial = 5000
				c.Session.InfiniteRetryDelayMaximum = 1000
			},
			err: ErrConfigurationInvalidRetry,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			configuration := valid
			test.modify(&configuration)

			assert.Equal(t, test.err, configuration.Validate())
		})
	}
}

func TestLoadConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfiguration), 0o600))

	t.Setenv(TokenEnvironmentKey, "1/ENV=/def")

	configuration, err := LoadConfiguration(zerolog.Nop(), path)
	require.NoError(t, err)

	assert.Equal(t, "1/ENV=/def", configuration.Token)
	assert.Equal(t, DefaultBaseURL, configuration.BaseURL)
	assert.Equal(t, Milliseconds(25000), configuration.Session.HeartbeatInterval)
	assert.Equal(t, Milliseconds(6000), configuration.Session.HandshakeTimeout)
}

func TestLoadConfigurationMissingFile(t *testing.T) {
	_, err := LoadConfiguration(zerolog.Nop(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, xerrors.Is(err, ErrReadConfigurationFailure))
}
