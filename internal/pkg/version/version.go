// Package version tracks protocol version upgrades: the heights at which
// consensus rule changes (like parent-weight validation) take effect, keyed
// by network.
package version

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/types"
)

// ProtocolVersion identifies a ruleset generation.
type ProtocolVersion uint64

const (
	// Protocol0 is the genesis ruleset.
	Protocol0 ProtocolVersion = 0
	// Protocol1 introduces parent-weight validation.
	Protocol1 ProtocolVersion = 1
)

// Network names a deployment whose upgrade heights are tracked independently.
type Network string

const (
	// TEST is the network used by unit tests.
	TEST Network = "test"
	// Mainnet is the production network.
	Mainnet Network = "mainnet"
)

type upgrade struct {
	version ProtocolVersion
	height  *types.BlockHeight
}

// ProtocolVersionTable maps chain height to active protocol version, per
// network.
type ProtocolVersionTable struct {
	network  Network
	upgrades []upgrade
}

// ProtocolVersionTableBuilder accumulates upgrades before Build validates and
// sorts them.
type ProtocolVersionTableBuilder struct {
	network  Network
	upgrades []upgrade
}

// NewProtocolVersionTableBuilder starts a builder for the given network.
func NewProtocolVersionTableBuilder(n Network) *ProtocolVersionTableBuilder {
	return &ProtocolVersionTableBuilder{network: n}
}

// Add registers an upgrade to version at height, active for network net.
// Upgrades for other networks are ignored, so the same builder chain can be
// shared across network configs.
func (b *ProtocolVersionTableBuilder) Add(net Network, v ProtocolVersion, height *types.BlockHeight) *ProtocolVersionTableBuilder {
	if net != b.network {
		return b
	}
	b.upgrades = append(b.upgrades, upgrade{version: v, height: height})
	return b
}

// Build validates and sorts the accumulated upgrades into a table.
func (b *ProtocolVersionTableBuilder) Build() (*ProtocolVersionTable, error) {
	if len(b.upgrades) == 0 {
		return nil, errors.New("protocol version table must have at least one upgrade")
	}
	sorted := append([]upgrade{}, b.upgrades...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].height.AsBigInt().Cmp(sorted[j].height.AsBigInt()) < 0
	})
	if !sorted[0].height.Equal(types.NewBlockHeight(0)) {
		return nil, errors.New("protocol version table must define a version from height 0")
	}
	return &ProtocolVersionTable{network: b.network, upgrades: sorted}, nil
}

// VersionAt returns the protocol version active at height.
func (t *ProtocolVersionTable) VersionAt(height *types.BlockHeight) (ProtocolVersion, error) {
	active := t.upgrades[0].version
	for _, u := range t.upgrades {
		if height.GreaterThan(u.height) || height.Equal(u.height) {
			active = u.version
		}
	}
	return active, nil
}

// ConfigureProtocolVersions returns the production upgrade schedule for net.
func ConfigureProtocolVersions(net Network) (*ProtocolVersionTable, error) {
	return NewProtocolVersionTableBuilder(net).
		Add(net, Protocol0, types.NewBlockHeight(0)).
		Build()
}
