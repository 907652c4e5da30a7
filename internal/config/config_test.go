package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsRequireTokenSecret(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("CORPUSGUARD_TOKEN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "TOKEN_SECRET")
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpusguard.toml")
	body := `
http_addr = ":9999"
token_secret = "from-file"
storage_timeout = "750ms"
console_prefixes = ["/v1/console/", "/ops/"]

[lockout]
threshold = 7
window = "30m"
duration = "2h"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv(EnvConfigPath, path)
	t.Setenv("CORPUSGUARD_TOKEN_SECRET", "from-env")
	t.Setenv("CORPUSGUARD_LOCKOUT_THRESHOLD", "3")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTPAddr)
	require.Equal(t, "from-env", cfg.TokenSecret)
	require.Equal(t, 750*time.Millisecond, cfg.StorageTimeout)
	require.Equal(t, []string{"/v1/console/", "/ops/"}, cfg.ConsolePrefixes)
	require.Equal(t, 3, cfg.Lockout.Threshold)
	require.Equal(t, 30*time.Minute, cfg.Lockout.Window)
	require.Equal(t, 2*time.Hour, cfg.Lockout.Duration)
}

func TestValidateProdRequiresSealKey(t *testing.T) {
	cfg := Default()
	cfg.Env = "prod"
	cfg.TokenSecret = "0123456789abcdef0123456789abcdef"
	require.ErrorContains(t, cfg.Validate(), "AUDIT_SEAL_KEY")

	cfg.AuditSealKey = "zz"
	require.ErrorContains(t, cfg.Validate(), "hex")

	cfg.AuditSealKey = "00112233445566778899aabbccddeeff"
	require.NoError(t, cfg.Validate())
	key, err := cfg.SealKey()
	require.NoError(t, err)
	require.Len(t, key, 16)
}

func TestApplyEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("CORPUSGUARD_LOCKOUT_WINDOW", "soon")
	cfg := Default()
	require.Error(t, cfg.ApplyEnv())
}
