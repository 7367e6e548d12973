// Package gc implements the snapshot garbage collector, spec.md §4.9: an
// offline mark-and-compact cycle that exports a CAR snapshot of the
// reachable chain, pauses chain following, discards the collectable
// column's computed state, purges stale snapshot files, then resumes.
//
// Grounded on the teacher's CAR plumbing
// (ChainStateReadWriter.ChainExport/ChainImport, which wrap
// chain.Export/chain.Import over ipfs/go-car) and on
// internal/pkg/blockstore's persistent/collectable column split, which
// this package is the primary consumer of.
package gc

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	blockservice "github.com/ipfs/go-blockservice"
	car "github.com/ipfs/go-car"
	offline "github.com/ipfs/go-ipfs-exchange-offline"
	logging "github.com/ipfs/go-log"
	merkledag "github.com/ipfs/go-merkledag"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/blockstore"
	"github.com/filecoin-project/forest-go/internal/pkg/journal"
)

var log = logging.Logger("gc")

// ErrAlreadyRunning is returned by Run when a cycle is already in progress;
// the procedure's global lock ensures at most one GC runs at a time.
var ErrAlreadyRunning = errors.New("gc: already running")

const snapshotPrefix = "snapshot-"
const snapshotSuffix = ".car"

// Pauser is satisfied by whatever drives chain following (syncer.Follower):
// GC halts ingestion of new candidates for the brief window it purges the
// collectable column, and resumes it afterward.
type Pauser interface {
	Pause()
	Resume()
}

// chainReader is the subset of *chain.Store the collector needs: the
// current head and enough tipset/parent lookup to walk backward from it.
type chainReader interface {
	GetHead() block.TipSetKey
	GetTipSet(key block.TipSetKey) (block.TipSet, error)
}

// GC runs the snapshot garbage collection cycle described by spec.md §4.9.
type GC struct {
	store       chainReader
	bs          *blockstore.LogicalDB
	pauser      Pauser
	finality    uint64
	snapshotDir string
	j           journal.Writer

	mu      sync.Mutex
	running bool
}

// New constructs a GC exporting snapshots under snapshotDir, retaining the
// last finality tipsets' reachable content. j may be nil, in which case GC
// events are discarded.
func New(store chainReader, bs *blockstore.LogicalDB, pauser Pauser, finality uint64, snapshotDir string, j journal.Writer) *GC {
	if j == nil {
		j = journal.NilJournal.Topic("gc")
	}
	return &GC{
		store:       store,
		bs:          bs,
		pauser:      pauser,
		finality:    finality,
		snapshotDir: snapshotDir,
		j:           j,
	}
}

// Run executes one GC cycle: export, pause, purge, resume. It returns
// ErrAlreadyRunning rather than blocking if another cycle is in flight,
// matching the procedure's "at most one GC runs at a time" rule.
func (g *GC) Run(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	g.running = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	head := g.store.GetHead()
	if head.Empty() {
		return errors.New("gc: no head to export from")
	}

	windowed, err := g.walkFinalityWindow(head)
	if err != nil {
		return errors.Wrap(err, "walking finality window")
	}
	log.Infof("snapshot gc: exporting %d tipsets reachable from %s", len(windowed), head)

	path, err := g.exportSnapshot(ctx, head)
	if err != nil {
		return errors.Wrap(err, "exporting lite snapshot")
	}
	g.j.Write("snapshot-exported",
		journal.KV{Key: "path", Value: path},
		journal.KV{Key: "head", Value: head.String()},
		journal.KV{Key: "tipsets", Value: len(windowed)})

	g.pauser.Pause()
	defer g.pauser.Resume()

	if err := g.bs.PurgeCollectable(ctx, nil); err != nil {
		return errors.Wrap(err, "purging collectable column")
	}
	if err := g.purgeStaleSnapshots(path); err != nil {
		return errors.Wrap(err, "purging stale snapshots")
	}

	g.j.Write("gc-complete", journal.KV{Key: "head", Value: head.String()})
	log.Infof("snapshot gc complete, head %s", head)
	return nil
}

// walkFinalityWindow collects every tipset from head backward, stopping
// once finality tipsets have been visited or genesis (height 0) is
// reached, whichever comes first.
func (g *GC) walkFinalityWindow(head block.TipSetKey) ([]block.TipSet, error) {
	var out []block.TipSet
	key := head
	for uint64(len(out)) < g.finality {
		ts, err := g.store.GetTipSet(key)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
		height, err := ts.Height()
		if err != nil {
			return nil, err
		}
		if uint64(height) == 0 {
			break
		}
		parents, err := ts.Parents()
		if err != nil {
			return nil, err
		}
		key = parents
	}
	return out, nil
}

// exportSnapshot serializes the chain reachable from head into a CAR file
// under snapshotDir. The export walks the full ancestry back to genesis
// rather than truncating at the finality boundary: every header's Parents,
// Messages and StateRoot fields are themselves content-addressed links, and
// go-car's recursive writer (mirroring the teacher's chain.Export, which
// also walks "up to and including the genesis block") follows them to
// completion, failing if any link it needs is missing from the backing
// store. Bounding that walk at an arbitrary tipset would require a
// selective, custom DAG walk (as a production chain-export implements);
// this is recorded as an explicit simplification in DESIGN.md. Headers are
// cheap, so walking them in full does not defeat the "lite" snapshot's
// purpose of not re-exporting the expensive computed state held in the
// collectable column, which remains unbounded-but-small here only because
// this module's state roots are themselves lightweight.
func (g *GC) exportSnapshot(ctx context.Context, head block.TipSetKey) (string, error) {
	if err := os.MkdirAll(g.snapshotDir, 0755); err != nil {
		return "", errors.Wrap(err, "creating snapshot directory")
	}

	adapter := newStoreAdapter(g.bs)
	exch := offline.Exchange(adapter)
	bserv := blockservice.New(adapter, exch)
	dag := merkledag.NewDAGService(bserv)

	path := filepath.Join(g.snapshotDir, snapshotPrefix+head.String()+snapshotSuffix)
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "creating snapshot file")
	}
	defer f.Close() // nolint: errcheck

	if err := car.WriteCar(ctx, dag, head.Cids(), f); err != nil {
		return "", errors.Wrap(err, "writing car")
	}
	return path, nil
}

// purgeStaleSnapshots removes every snapshot file under snapshotDir other
// than keep, per the procedure's "purge stale CAR files in the persistent
// column" step.
func (g *GC) purgeStaleSnapshots(keep string) error {
	entries, err := ioutil.ReadDir(g.snapshotDir)
	if err != nil {
		return err
	}
	keepName := filepath.Base(keep)
	for _, entry := range entries {
		name := entry.Name()
		if name == keepName {
			continue
		}
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		full := filepath.Join(g.snapshotDir, name)
		if err := os.Remove(full); err != nil {
			return errors.Wrapf(err, "removing stale snapshot %s", full)
		}
		log.Infof("removed stale snapshot %s", full)
	}
	return nil
}

// Import loads a previously exported CAR snapshot from path, returning the
// tipset key of its declared root so the caller can restart chain
// following from it (procedure step 5).
func (g *GC) Import(ctx context.Context, path string) (block.TipSetKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return block.TipSetKey{}, err
	}
	defer f.Close() // nolint: errcheck

	adapter := newStoreAdapter(g.bs)
	header, err := car.LoadCar(adapter, f)
	if err != nil {
		return block.TipSetKey{}, errors.Wrap(err, "loading car")
	}
	return block.NewTipSetKey(header.Roots...), nil
}

// ListSnapshots returns every snapshot file currently under snapshotDir, in
// reverse lexical order of filename. The filename embeds the exported head's
// key, so this order does not reflect when a snapshot was taken.
func (g *GC) ListSnapshots() ([]string, error) {
	entries, err := ioutil.ReadDir(g.snapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, snapshotPrefix) && strings.HasSuffix(name, snapshotSuffix) {
			out = append(out, filepath.Join(g.snapshotDir, name))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}
