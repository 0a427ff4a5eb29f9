package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func minimalTOML(dataDir string) string {
	return `
DataDir = "` + dataDir + `"

[Registry]
Endpoint = "http://127.0.0.1:8080/registry.json"

[Geometry]
KEMCiphertextSize = 1121
ForwardPayloadLength = 256
`
}

func TestLoadFillsDefaults(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	cfg, err := Load([]byte(minimalTOML(dir)))
	require.NoError(err)

	require.Equal(dir, cfg.DataDir)
	require.Equal(defaultClientAddress, cfg.ClientAddress)
	require.Equal(defaultPeerAddress, cfg.PeerAddress)
	require.Equal(defaultReplicationFactor, cfg.ReplicationFactor)
	require.Equal(defaultMinNodes, cfg.MinNodes)
	require.Equal(defaultHops, cfg.Geometry.Hops)
	require.Equal(uint64(defaultBufferBytes), cfg.Buffer.Bytes)
	require.Equal(defaultBufferMessages, cfg.Buffer.Messages)
	require.Equal(defaultIdleTimeout, cfg.Timeouts.Idle)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
}

func TestLoadFileReadsFromDisk(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.toml")
	require.NoError(os.WriteFile(path, []byte(minimalTOML(dir)), 0600))

	cfg, err := LoadFile(path)
	require.NoError(err)
	require.Equal(dir, cfg.DataDir)
}

func TestLoadFileFailsOnMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestFixupAndValidateRejectsMissingDataDir(t *testing.T) {
	cfg := &Config{
		Registry: Registry{Endpoint: "http://x"},
		Geometry: Geometry{KEMCiphertextSize: 1121, ForwardPayloadLength: 256},
	}
	require.Error(t, cfg.FixupAndValidate())
}

func TestFixupAndValidateRejectsRelativeDataDir(t *testing.T) {
	cfg := &Config{
		DataDir:  "relative/path",
		Registry: Registry{Endpoint: "http://x"},
		Geometry: Geometry{KEMCiphertextSize: 1121, ForwardPayloadLength: 256},
	}
	require.Error(t, cfg.FixupAndValidate())
}

func TestFixupAndValidateRejectsMinNodesBelowReplicationFactor(t *testing.T) {
	cfg := &Config{
		DataDir:           t.TempDir(),
		ReplicationFactor: 5,
		MinNodes:          2,
		Registry:          Registry{Endpoint: "http://x"},
		Geometry:          Geometry{KEMCiphertextSize: 1121, ForwardPayloadLength: 256},
	}
	require.Error(t, cfg.FixupAndValidate())
}

func TestFixupAndValidateRejectsReplicationFactorOutOfRange(t *testing.T) {
	require := require.New(t)

	tooLow := &Config{
		DataDir:           t.TempDir(),
		ReplicationFactor: 3,
		MinNodes:          3,
		Registry:          Registry{Endpoint: "http://x"},
		Geometry:          Geometry{KEMCiphertextSize: 1121, ForwardPayloadLength: 256},
	}
	require.Error(tooLow.FixupAndValidate())

	tooHigh := &Config{
		DataDir:           t.TempDir(),
		ReplicationFactor: 11,
		MinNodes:          11,
		Registry:          Registry{Endpoint: "http://x"},
		Geometry:          Geometry{KEMCiphertextSize: 1121, ForwardPayloadLength: 256},
	}
	require.Error(tooHigh.FixupAndValidate())

	inRange := &Config{
		DataDir:           t.TempDir(),
		ReplicationFactor: 7,
		MinNodes:          7,
		Registry:          Registry{Endpoint: "http://x"},
		Geometry:          Geometry{KEMCiphertextSize: 1121, ForwardPayloadLength: 256},
	}
	require.NoError(inRange.FixupAndValidate())
}

func TestFixupAndValidateRejectsMissingRegistryEndpoint(t *testing.T) {
	cfg := &Config{
		DataDir:  t.TempDir(),
		Geometry: Geometry{KEMCiphertextSize: 1121, ForwardPayloadLength: 256},
	}
	require.Error(t, cfg.FixupAndValidate())
}

func TestFixupAndValidateRejectsMissingGeometryFields(t *testing.T) {
	require := require.New(t)

	cfg := &Config{
		DataDir:  t.TempDir(),
		Registry: Registry{Endpoint: "http://x"},
		Geometry: Geometry{ForwardPayloadLength: 256},
	}
	require.Error(cfg.FixupAndValidate())

	cfg2 := &Config{
		DataDir:  t.TempDir(),
		Registry: Registry{Endpoint: "http://x"},
		Geometry: Geometry{KEMCiphertextSize: 1121},
	}
	require.Error(cfg2.FixupAndValidate())
}

func TestFixupAndValidateRejectsInvalidLogLevel(t *testing.T) {
	cfg := &Config{
		DataDir:  t.TempDir(),
		Registry: Registry{Endpoint: "http://x"},
		Geometry: Geometry{KEMCiphertextSize: 1121, ForwardPayloadLength: 256},
		Logging:  Logging{Level: "verbose"},
	}
	require.Error(t, cfg.FixupAndValidate())
}

func TestFixupAndValidateAcceptsCaseInsensitiveLogLevel(t *testing.T) {
	cfg := &Config{
		DataDir:  t.TempDir(),
		Registry: Registry{Endpoint: "http://x"},
		Geometry: Geometry{KEMCiphertextSize: 1121, ForwardPayloadLength: 256},
		Logging:  Logging{Level: "WARN"},
	}
	require.NoError(t, cfg.FixupAndValidate())
}
