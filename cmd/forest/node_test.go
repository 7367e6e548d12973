package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/filecoin-project/forest-go/internal/pkg/config"
	tf "github.com/filecoin-project/forest-go/internal/pkg/testhelpers/testflags"
	"github.com/filecoin-project/forest-go/internal/pkg/version"
)

func TestNetworkForMapsMainnetAndEverythingElseToTest(t *testing.T) {
	tf.UnitTest(t)

	assert.Equal(t, version.Mainnet, networkFor(config.Mainnet))
	assert.Equal(t, version.TEST, networkFor(config.Calibnet))
	assert.Equal(t, version.TEST, networkFor(config.Devnet))
	assert.Equal(t, version.TEST, networkFor(config.Butterfly))
}
