package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
	"maunium.net/go/mautrix/federation"
)

const testConfig = `
version: 1
global:
  server_name: localhost
  private_key: matrix_key.pem
  database:
    connection_string: file:fedcore.db
  jetstream:
    in_memory: true
room_server:
  max_fetch_prev_events: 50
federation_api:
  send_queue:
    batch_size: 10
    retry_interval: 30s
  deny_list:
    - evil.example.org
app_service_api:
  registrations:
    - id: irc
      url: http://localhost:9999
      hs_token: secret
      sender_localpart: ircbot
      namespaces:
        users:
          - exclusive: true
            regex: "@irc_.*:localhost"
        rooms:
          - regex: "!irc.*:localhost"
logging:
  - type: std
    level: info
`

func TestLoadConfigRelative(t *testing.T) {
	key := federation.GenerateSigningKey()
	var readPath string
	cfg, err := loadConfig("/my/config/dir", []byte(testConfig), func(path string) ([]byte, error) {
		readPath = path
		return []byte(key.SynapseString() + "\n"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "/my/config/dir/matrix_key.pem", readPath)
	assert.Equal(t, key.ID, cfg.Global.SigningKey.ID)
	assert.Equal(t, key.Pub, cfg.Global.SigningKey.Pub)

	assert.Equal(t, 50, cfg.RoomServer.MaxFetchPrevEvents)
	assert.Equal(t, 10, cfg.FederationAPI.SendQueue.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.FederationAPI.SendQueue.RetryInterval)
	// untouched values keep their defaults
	assert.Equal(t, 32, cfg.FederationAPI.SendQueue.MaxConcurrentRequests)
	assert.Equal(t, 24*time.Hour, cfg.FederationAPI.SendQueue.MaxBackoff)
	assert.Equal(t, 2*time.Minute, cfg.FederationAPI.RequestTimeout)
	assert.True(t, cfg.FederationAPI.IsDenied("evil.example.org"))
	assert.True(t, cfg.FederationAPI.IsDenied(" Evil.Example.org"))
	assert.False(t, cfg.FederationAPI.IsDenied("good.example.org"))
	assert.Same(t, &cfg.Global, cfg.FederationAPI.Matrix)

	as, ok := cfg.AppServiceAPI.Registration("irc")
	require.True(t, ok)
	assert.True(t, as.IsInterestedInUserID("@irc_alice:localhost"))
	assert.True(t, as.IsInterestedInUserID("@ircbot:localhost"))
	assert.False(t, as.IsInterestedInUserID("@bob:localhost"))
	assert.True(t, as.IsInterestedInRoomID("!ircroom:localhost"))
	assert.False(t, as.IsInterestedInRoomID("!other:localhost"))
}

func TestLoadConfigBadKey(t *testing.T) {
	_, err := loadConfig("/", []byte(testConfig), func(string) ([]byte, error) {
		return []byte("not a key"), nil
	})
	assert.Error(t, err)
}

func TestLoadConfigWrongVersion(t *testing.T) {
	_, err := loadConfig("/", []byte("version: 0\n"), func(string) ([]byte, error) {
		return nil, fmt.Errorf("should not be read")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config version is 0")
}

func TestVerifyReportsMissingValues(t *testing.T) {
	var c FedCore
	c.Defaults(DefaultOpts{})
	c.FederationAPI.SendQueue.BatchSize = 0
	c.Logging = []LogrusHook{{Type: "file"}}

	var configErrs ConfigErrors
	c.Verify(&configErrs)

	assert.Contains(t, configErrs, `missing config key "global.server_name"`)
	assert.Contains(t, configErrs, `missing config key "global.private_key"`)
	assert.Contains(t, configErrs, `missing config key "room_server.database.connection_string"`)
	assert.Contains(t, configErrs, `invalid value for config key "federation_api.send_queue.batch_size": 0`)
	assert.Contains(t, configErrs, `missing config key "logging.level"`)
}

func TestAppServiceVerify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name: "duplicate id",
			input: `
registrations:
  - {id: a, url: "http://a", hs_token: t}
  - {id: a, url: "http://b", hs_token: t}
`,
			wantErr: `duplicate application service ID "a"`,
		},
		{
			name: "bad regex",
			input: `
registrations:
  - id: a
    url: "http://a"
    hs_token: t
    namespaces:
      users:
        - regex: "(["
`,
			wantErr: `invalid users namespace regex`,
		},
		{
			name: "unknown namespace",
			input: `
registrations:
  - id: a
    url: "http://a"
    hs_token: t
    namespaces:
      devices:
        - regex: ".*"
`,
			wantErr: `unknown namespace type "devices"`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var c AppServiceAPI
			require.NoError(t, yaml.Unmarshal([]byte(tt.input), &c))
			var configErrs ConfigErrors
			c.Verify(&configErrs)
			require.NotEmpty(t, configErrs)
			assert.Contains(t, configErrs.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseOptionsOrGlobal(t *testing.T) {
	global := &Global{DatabaseOptions: DatabaseOptions{ConnectionString: "file:global.db"}}
	var own DatabaseOptions
	assert.Equal(t, DataSource("file:global.db"), own.OrGlobal(global).ConnectionString)
	own.ConnectionString = "postgres://user@localhost/db"
	assert.Equal(t, DataSource("postgres://user@localhost/db"), own.OrGlobal(global).ConnectionString)
	assert.True(t, own.ConnectionString.IsPostgres())
	assert.True(t, global.DatabaseOptions.ConnectionString.IsSQLite())
}

func TestPushGatewayVerify(t *testing.T) {
	t.Parallel()
	var c PushGateway
	c.Defaults(DefaultOpts{})
	require.NoError(t, yaml.Unmarshal([]byte(`
request_timeout: 10s
pushers:
  - {user_id: "@alice:localhost", pushkey: abc, url: "https://push.example/_matrix/push/v1/notify"}
  - {user_id: "alice", pushkey: "", url: "https://push.example"}
`), &c))
	assert.Equal(t, 10*time.Second, c.RequestTimeout)

	var configErrs ConfigErrors
	c.Verify(&configErrs)
	assert.Contains(t, configErrs, `missing config key "push_gateway.pushers[1].pushkey"`)
	assert.Contains(t, configErrs, `invalid user ID "alice" for push_gateway.pushers[1]`)
	assert.Len(t, configErrs, 2)
}

func TestMetricsPasswordHashMustBeBcrypt(t *testing.T) {
	var m Metrics
	m.BasicAuth.PasswordHash = "plaintext"
	var configErrs ConfigErrors
	m.Verify(&configErrs)
	require.Len(t, configErrs, 1)
	assert.Contains(t, configErrs[0], "global.metrics.basic_auth.password_hash")

	m.BasicAuth.PasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
	configErrs = nil
	m.Verify(&configErrs)
	assert.Empty(t, configErrs)
}
