package gc_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	ds "github.com/ipfs/go-datastore"
	syncds "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/blockstore"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
	"github.com/filecoin-project/forest-go/internal/pkg/gc"
	tf "github.com/filecoin-project/forest-go/internal/pkg/testhelpers/testflags"
)

// fakeChainReader pins a head over a small set of tipsets, standing in for
// *chain.Store the way the syncer package's own test fake does.
type fakeChainReader struct {
	head block.TipSetKey
	ts   map[string]block.TipSet
}

func (f *fakeChainReader) GetHead() block.TipSetKey { return f.head }

func (f *fakeChainReader) GetTipSet(key block.TipSetKey) (block.TipSet, error) {
	return f.ts[key.String()], nil
}

func (f *fakeChainReader) add(ts block.TipSet) {
	f.ts[ts.Key().String()] = ts
}

// fakePauser records Pause/Resume calls in order, standing in for
// *syncer.Follower.
type fakePauser struct {
	calls []string
}

func (p *fakePauser) Pause()  { p.calls = append(p.calls, "pause") }
func (p *fakePauser) Resume() { p.calls = append(p.calls, "resume") }

// seedBlockstore copies every block the builder produced for the given
// tipsets (headers plus their referenced empty message/receipt lists) into
// db, since the builder keeps its own private blockstore separate from the
// one GC will actually export from.
func seedBlockstore(t *testing.T, ctx context.Context, builder *chain.Builder, db *blockstore.LogicalDB, tipsets ...block.TipSet) {
	seen := make(map[string]bool)
	for _, ts := range tipsets {
		for _, c := range ts.Key().Cids() {
			if seen[c.String()] {
				continue
			}
			seen[c.String()] = true
			blk, err := builder.GetBlockstoreValue(ctx, c)
			require.NoError(t, err)
			require.NoError(t, db.Put(ctx, blk, blockstore.Persistent))
		}
		for i := 0; i < ts.Len(); i++ {
			b := ts.At(i)
			if b.Messages.SecpRoot.Defined() && !seen[b.Messages.SecpRoot.String()] {
				seen[b.Messages.SecpRoot.String()] = true
				blk, err := builder.GetBlockstoreValue(ctx, b.Messages.SecpRoot)
				require.NoError(t, err)
				require.NoError(t, db.Put(ctx, blk, blockstore.Persistent))
			}
			if b.Messages.BLSRoot.Defined() && !seen[b.Messages.BLSRoot.String()] {
				seen[b.Messages.BLSRoot.String()] = true
				blk, err := builder.GetBlockstoreValue(ctx, b.Messages.BLSRoot)
				require.NoError(t, err)
				require.NoError(t, db.Put(ctx, blk, blockstore.Persistent))
			}
			if b.MessageReceipts.Defined() && !seen[b.MessageReceipts.String()] {
				seen[b.MessageReceipts.String()] = true
				blk, err := builder.GetBlockstoreValue(ctx, b.MessageReceipts)
				require.NoError(t, err)
				require.NoError(t, db.Put(ctx, blk, blockstore.Persistent))
			}
		}
	}
}

func TestGCRunExportsAndPurges(t *testing.T) {
	tf.UnitTest(t)

	ctx := context.Background()
	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	child := builder.BuildOneOn(genesis, func(bb *chain.BlockBuilder) {})

	db := blockstore.Open(syncds.MutexWrap(ds.NewMapDatastore()))
	seedBlockstore(t, ctx, builder, db, genesis, child)

	reader := &fakeChainReader{head: child.Key(), ts: map[string]block.TipSet{
		genesis.Key().String(): genesis,
		child.Key().String():   child,
	}}
	pauser := &fakePauser{}

	dir, err := ioutil.TempDir("", "forest-gc")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	collector := gc.New(reader, db, pauser, 10, dir, nil)
	require.NoError(t, collector.Run(ctx))

	assert.Equal(t, []string{"pause", "resume"}, pauser.calls)

	snaps, err := collector.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	info, err := os.Stat(snaps[0])
	require.NoError(t, err)
	assert.True(t, info.Size() > 0)
}

// blockingPauser holds Run inside its Pause call until the test signals it
// to continue, letting a test observe GC's running-lock mid-cycle.
type blockingPauser struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingPauser() *blockingPauser {
	return &blockingPauser{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *blockingPauser) Pause() {
	close(p.entered)
	<-p.release
}

func (p *blockingPauser) Resume() {}

func TestGCRunRejectsConcurrentRun(t *testing.T) {
	tf.UnitTest(t)

	ctx := context.Background()
	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()

	db := blockstore.Open(syncds.MutexWrap(ds.NewMapDatastore()))
	seedBlockstore(t, ctx, builder, db, genesis)

	reader := &fakeChainReader{head: genesis.Key(), ts: map[string]block.TipSet{
		genesis.Key().String(): genesis,
	}}

	dir, err := ioutil.TempDir("", "forest-gc")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	pauser := newBlockingPauser()
	collector := gc.New(reader, db, pauser, 10, dir, nil)

	done := make(chan error, 1)
	go func() { done <- collector.Run(ctx) }()

	<-pauser.entered
	assert.Equal(t, gc.ErrAlreadyRunning, collector.Run(ctx))

	close(pauser.release)
	require.NoError(t, <-done)
}

func TestGCPurgeStaleSnapshotsKeepsOnlyLatest(t *testing.T) {
	tf.UnitTest(t)

	dir, err := ioutil.TempDir("", "forest-gc")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "snapshot-stale.car"), []byte("old"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "not-a-snapshot.txt"), []byte("keep me"), 0644))

	ctx := context.Background()
	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.NewGenesis()
	db := blockstore.Open(syncds.MutexWrap(ds.NewMapDatastore()))
	seedBlockstore(t, ctx, builder, db, genesis)

	reader := &fakeChainReader{head: genesis.Key(), ts: map[string]block.TipSet{genesis.Key().String(): genesis}}
	collector := gc.New(reader, db, &fakePauser{}, 10, dir, nil)
	require.NoError(t, collector.Run(ctx))

	entries, err := ioutil.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "not-a-snapshot.txt")
	assert.NotContains(t, names, "snapshot-stale.car")
}
