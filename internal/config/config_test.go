package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: "9090"
  env: test
database:
  url: postgres://file-value
auth:
  session_secret: file-secret-that-is-long-enough-0
executor:
  adapter_timeout_seconds: 10
  retry_backoff_ms: 250
tokens:
  expiry_margin_seconds: 90
providers:
  slack:
    client_id: from-file
    auth_url: https://slack.com/oauth/v2/authorize
    token_url: https://slack.com/api/oauth.v2.access
    scopes: [chat:write]
  jira:
    auth_url: https://auth.atlassian.com/authorize
    token_url: https://auth.atlassian.com/oauth/token
    auth_params:
      audience: api.atlassian.com
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres://file-value", cfg.Database.URL)
	assert.Equal(t, "from-file", cfg.Providers["slack"].ClientID)
	assert.Equal(t, "api.atlassian.com", cfg.Providers["jira"].AuthParams["audience"])

	assert.Equal(t, 10*time.Second, cfg.AdapterTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBackoff())
	assert.Equal(t, 90*time.Second, cfg.ExpiryMargin())
	assert.Equal(t, 10*time.Second, cfg.RefreshTimeout(), "unset values fall back to defaults")

	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvOverlay(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://from-env")
	t.Setenv("SESSION_SECRET", "env-secret-that-is-long-enough-00")
	t.Setenv("SLACK_CLIENT_ID", "env-client-id")
	t.Setenv("SLACK_CLIENT_SECRET", "env-client-secret")
	t.Setenv("JIRA_WEBHOOK_SECRET", "env-hook-secret")

	cfg, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)

	assert.Equal(t, "postgres://from-env", cfg.Database.URL)
	assert.Equal(t, "env-secret-that-is-long-enough-00", cfg.Auth.SessionSecret)
	assert.Equal(t, "env-client-id", cfg.Providers["slack"].ClientID)
	assert.Equal(t, "env-client-secret", cfg.Providers["slack"].ClientSecret)
	assert.Equal(t, "env-hook-secret", cfg.Providers["jira"].WebhookSecret)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate(), "missing secret")

	cfg.Auth.SessionSecret = "short"
	assert.Error(t, cfg.Validate(), "short secret")

	cfg.Auth.SessionSecret = "0123456789abcdef0123456789abcdef"
	assert.NoError(t, cfg.Validate())
}
