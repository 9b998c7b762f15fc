package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Validators = []string{"00000000000000000000000000000000000000000000000000000000000000aa"[:64]}
	return cfg
}

func TestLoadGeneratesAndPersistsSecret(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.ensureSecret())
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, Save(cfg, path))

	// Wipe the secret on disk to simulate a first-run config file.
	onDisk, err := Load(path)
	require.NoError(t, err)
	onDisk.Secret = ""
	require.NoError(t, Save(onDisk, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, loaded.Secret)
	require.Len(t, loaded.Secret, secretByteLen*2)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, loaded.Secret, reloaded.Secret)
}

func TestValidateRejectsBadBFTAndP2PFields(t *testing.T) {
	base := validConfig()
	require.NoError(t, base.ensureSecret())

	cfg := *base
	cfg.ActiveDelegates = 0
	require.Error(t, cfg.Validate())

	cfg = *base
	cfg.FinalizedHeight = -1
	require.Error(t, cfg.Validate())

	cfg = *base
	cfg.Secret = "not-hex"
	require.Error(t, cfg.Validate())

	cfg = *base
	cfg.NetgroupProtectionRatio = 1.5
	require.Error(t, cfg.Validate())

	cfg = *base
	cfg.MaxPeerInfoSize = cfg.WSMaxPayload + 1
	require.Error(t, cfg.Validate())
}

func TestDefaultConfigPassesValidateOnceSecretIsSet(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.ensureSecret())
	require.NoError(t, cfg.Validate())
}

func TestSaveWritesRestrictedPermissions(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.ensureSecret())
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
