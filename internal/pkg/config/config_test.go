package config_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/forest-go/internal/pkg/config"
	tf "github.com/filecoin-project/forest-go/internal/pkg/testhelpers/testflags"
)

func TestLoadDefaultsWithNoConfigFile(t *testing.T) {
	tf.UnitTest(t)

	dir, err := ioutil.TempDir("", "forest-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, config.Mainnet, cfg.Chain)
	assert.Equal(t, dir, cfg.DataDir)
	assert.True(t, cfg.RPCEnabled)
	assert.True(t, cfg.GC.Enabled)
	assert.Equal(t, uint64(20160), cfg.GC.IntervalEpochs)
	assert.Equal(t, 50, cfg.TargetPeerCount)
	assert.Empty(t, cfg.BootstrapPeers)
}

func TestLoadReadsConfigFileOverrides(t *testing.T) {
	tf.UnitTest(t)

	dir, err := ioutil.TempDir("", "forest-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	contents := `
chain = "calibnet"
target_peer_count = 12

[gc]
enabled = false
interval_epochs = 500
`
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "config.toml"), []byte(contents), 0644))

	cfg, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, config.Calibnet, cfg.Chain)
	assert.Equal(t, 12, cfg.TargetPeerCount)
	assert.False(t, cfg.GC.Enabled)
	assert.Equal(t, uint64(500), cfg.GC.IntervalEpochs)
}

func TestLoadRejectsUnknownChain(t *testing.T) {
	tf.UnitTest(t)

	dir, err := ioutil.TempDir("", "forest-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "config.toml"), []byte(`chain = "not-a-real-chain"`), 0644))

	_, err = config.Load(dir)
	assert.Error(t, err)
}

func TestBlockDelayAndFinalityVaryByChain(t *testing.T) {
	tf.UnitTest(t)

	mainnet := &config.Config{Chain: config.Mainnet}
	devnet := &config.Config{Chain: config.Devnet}

	assert.True(t, mainnet.BlockDelay() > devnet.BlockDelay())
	assert.True(t, mainnet.FinalityEpochs() > devnet.FinalityEpochs())
}
