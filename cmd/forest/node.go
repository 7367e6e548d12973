package main

import (
	"context"
	"net/http"
	"time"

	datastore "github.com/ipfs/go-datastore"
	badger "github.com/ipfs/go-ds-badger"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/app/go-filecoin/plumbing/msg"
	"github.com/filecoin-project/forest-go/internal/pkg/blockstore"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
	"github.com/filecoin-project/forest-go/internal/pkg/clock"
	"github.com/filecoin-project/forest-go/internal/pkg/config"
	"github.com/filecoin-project/forest-go/internal/pkg/consensus"
	"github.com/filecoin-project/forest-go/internal/pkg/gc"
	"github.com/filecoin-project/forest-go/internal/pkg/journal"
	"github.com/filecoin-project/forest-go/internal/pkg/message"
	"github.com/filecoin-project/forest-go/internal/pkg/metrics"
	"github.com/filecoin-project/forest-go/internal/pkg/state"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
	"github.com/filecoin-project/forest-go/internal/pkg/version"
	"github.com/filecoin-project/forest-go/internal/pkg/vm"
	"github.com/filecoin-project/forest-go/syncer"

	"github.com/ipfs/go-hamt-ipld"
)

var log = logging.Logger("forest")

// acceptAllValidator admits every message to the pool unconditionally;
// this module's scope ends at chain-following and does not include the
// economic/actor-aware mempool admission policy a miner would need.
type acceptAllValidator struct{}

func (acceptAllValidator) Validate(ctx context.Context, msg *types.SignedMessage) error { return nil }

// node holds every long-lived component assembled from configuration, and
// the background loops driving them.
type node struct {
	cfg *config.Config

	db    *blockstore.LogicalDB
	store *chain.Store

	follower *syncer.Follower
	peers    *syncer.AtomicPeerCounter
	muxer    *syncer.ChainMuxer
	gc       *gc.GC

	pool  *message.Pool
	inbox *message.Inbox

	waiter *msg.Waiter

	metricsHandler http.Handler
}

// Waiter exposes search_message and message-wait-for-inclusion: given a
// message cid, find the tipset and receipt that included it, walking
// chain history already on disk or watching new heads as the follower
// applies them. Embedders of this package (an RPC surface or a CLI
// command) call this directly; this module does not expose either itself.
func (n *node) Waiter() *msg.Waiter { return n.waiter }

// Muxer exposes the outer Idle/Bootstrap/Follow state machine arbitrating
// chain-following; a libp2p-aware embedder drives Peers().PeerConnected /
// PeerDisconnected from its own connection-manager callbacks and calls
// Muxer().Step on every such change and every head update.
func (n *node) Muxer() *syncer.ChainMuxer { return n.muxer }

// Peers exposes the peer tracker the muxer consults for its quorum and
// authoritative-peer checks.
func (n *node) Peers() *syncer.AtomicPeerCounter { return n.peers }

// networkFor maps a configured Chain to the protocol-version network it
// runs: version.Network only distinguishes TEST from Mainnet (it tracks
// consensus-rule upgrade heights, which only the real production chain has
// ever needed to schedule); every non-Mainnet Chain this module can target
// is a pre-production network sharing the TEST upgrade schedule, so this
// mapping is the one reasonable choice. Recorded in DESIGN.md.
func networkFor(c config.Chain) version.Network {
	if c == config.Mainnet {
		return version.Mainnet
	}
	return version.TEST
}

// buildNode opens the on-disk repo at cfg.DataDir, bootstraps genesis from
// genesisCarPath on a fresh repo, and wires up every component chain
// following needs. It does not start anything; call (*node).run for that.
func buildNode(cfg *config.Config, genesisCarPath string) (*node, error) {
	baseStore, err := badger.NewDatastore(cfg.DataDir, &badger.DefaultOptions)
	if err != nil {
		return nil, errors.Wrap(err, "opening badger datastore")
	}
	db := blockstore.Open(baseStore)

	genesisBlock, err := loadGenesis(genesisCarPath, db)
	if err != nil {
		return nil, errors.Wrap(err, "loading genesis")
	}
	genesisCid, err := genesisBlock.Cid()
	if err != nil {
		return nil, errors.Wrap(err, "hashing genesis block")
	}

	persistent := db.Persistent()
	store := chain.NewStore(db.Settings(), persistent, genesisCid)
	ctx := context.Background()
	if err := store.Load(ctx); err != nil {
		if errors.Cause(err) != datastore.ErrNotFound {
			return nil, errors.Wrap(err, "loading chain store")
		}
		// Fresh repo: no head recorded yet, so Load has nothing to walk.
		// PutTipSetAndState/SetHead populate the in-memory index directly,
		// so no further Load call is needed once genesis is seeded.
		if err := seedGenesis(ctx, store, genesisBlock); err != nil {
			return nil, errors.Wrap(err, "seeding genesis")
		}
	}

	net := networkFor(cfg.Chain)
	engines, err := version.ConfigureProtocolVersions(net)
	if err != nil {
		return nil, errors.Wrap(err, "configuring protocol versions")
	}

	cst := hamt.CSTFromBstore(persistent)
	treeLoader := state.NewStore(cst)
	interpreter := vm.NewValueTransferInterpreter(treeLoader)
	messages := chain.NewMessageStore(persistent)

	stateManager := consensus.NewStateManager(
		store,
		messages,
		treeLoader,
		engines,
		map[version.ProtocolVersion]vm.Interpreter{
			version.Protocol0: interpreter,
			version.Protocol1: interpreter,
		},
	)

	sysClock := clock.NewSystemClock()
	validator := consensus.NewDefaultBlockValidator(cfg.BlockDelay(), sysClock, engines)

	catchupSyncer := syncer.NewSyncer(stateManager, validator, store, unconnectedFetcher{}, messages)
	dispatcher := syncer.NewDispatcher(catchupSyncer)
	follower := syncer.NewFollower(dispatcher, store, cfg.FinalityEpochs())
	peers := syncer.NewAtomicPeerCounter()
	muxer := syncer.NewChainMuxer(follower, store, peers, cfg.FinalityEpochs(), cfg.TargetPeerCount)

	j := journal.NewLogJournal()
	collector := gc.New(store, db, follower, cfg.FinalityEpochs(), cfg.DataDir+"/snapshots", j.Topic("gc"))

	pool := message.NewPool(acceptAllValidator{})
	inbox := message.NewInbox(pool, message.InboxMaxAgeTipsets, store, messages)

	waiter := msg.NewWaiter(store, messages, stateManager)

	metricsHandler, err := metrics.NewPrometheusHandler("forest")
	if err != nil {
		return nil, errors.Wrap(err, "constructing metrics handler")
	}

	return &node{
		cfg:            cfg,
		db:             db,
		store:          store,
		follower:       follower,
		peers:          peers,
		muxer:          muxer,
		gc:             collector,
		pool:           pool,
		inbox:          inbox,
		waiter:         waiter,
		metricsHandler: metricsHandler,
	}, nil
}

// run starts chain following and every background loop, blocking until ctx
// is cancelled.
func (n *node) run(ctx context.Context) error {
	n.muxer.Start(ctx)
	n.inbox.Start(ctx)

	if n.cfg.MetricsListen != "" {
		go n.serveMetrics(ctx)
	}
	if n.cfg.GC.Enabled {
		go n.runGCLoop(ctx)
	}

	<-ctx.Done()
	n.store.Stop()
	return nil
}

func (n *node) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metricsHandler)
	srv := &http.Server{Addr: n.cfg.MetricsListen, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Infof("metrics listening on %s", n.cfg.MetricsListen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("metrics server exited: %s", err)
	}
}

// runGCLoop fires a snapshot GC cycle every cfg.GC.IntervalEpochs, measured
// in wall-clock approximations of block delay since this module does not
// itself track chain height outside of the syncer.
func (n *node) runGCLoop(ctx context.Context) {
	interval := time.Duration(n.cfg.GC.IntervalEpochs) * n.cfg.BlockDelay()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.gc.Run(ctx); err != nil && err != gc.ErrAlreadyRunning {
				log.Errorf("snapshot gc failed: %s", err)
			}
		}
	}
}
