package message

import (
	"context"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
)

// InboxMaxAgeTipsets bounds how many epochs an un-included message is kept
// in the pool before the Inbox gives up on it ever landing.
const InboxMaxAgeTipsets = 10

// inboxChainReader is the subset of *chain.Store the Inbox consumes: the
// head-change feed it prunes the pool against, and enough tipset/height
// lookup to measure a message's age.
type inboxChainReader interface {
	HeadEvents() *pubsub.PubSub
	GetTipSet(block.TipSetKey) (block.TipSet, error)
}

// Inbox watches the chain head and keeps Pool in sync with it: every
// message an adopted tipset carries is removed from the pool (it has
// landed), and messages that have sat in the pool longer than
// maxAgeTipsets are dropped outright.
type Inbox struct {
	pool          *Pool
	maxAgeTipsets uint64
	chainReader   inboxChainReader
	messages      chain.MessageProvider

	mu        sync.Mutex
	firstSeen map[cid.Cid]uint64
}

// NewInbox constructs an Inbox pruning pool against chainReader's
// head-change stream, using messages to resolve a tipset's message CIDs.
func NewInbox(pool *Pool, maxAgeTipsets uint64, chainReader inboxChainReader, messages chain.MessageProvider) *Inbox {
	return &Inbox{
		pool:          pool,
		maxAgeTipsets: maxAgeTipsets,
		chainReader:   chainReader,
		messages:      messages,
		firstSeen:     make(map[cid.Cid]uint64),
	}
}

// Add validates and admits msg to the pool — the entry point messages
// arriving from peers or this node's own wallet go through — recording
// atHeight as the epoch the message was first seen so PruneStale can
// later judge its age.
func (ib *Inbox) Add(ctx context.Context, msg *types.SignedMessage, atHeight uint64) (cid.Cid, error) {
	c, err := ib.pool.Add(ctx, msg)
	if err != nil {
		return cid.Undef, err
	}
	ib.mu.Lock()
	if _, seen := ib.firstSeen[c]; !seen {
		ib.firstSeen[c] = atHeight
	}
	ib.mu.Unlock()
	return c, nil
}

// PruneStale drops every pool message first seen more than maxAgeTipsets
// epochs before headHeight, giving up on messages that have had ample
// opportunity to be included and weren't.
func (ib *Inbox) PruneStale(headHeight uint64) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for c, seenAt := range ib.firstSeen {
		if headHeight <= seenAt || headHeight-seenAt <= ib.maxAgeTipsets {
			continue
		}
		ib.pool.Remove(c)
		delete(ib.firstSeen, c)
	}
}

// HandleNewHead processes a single head-change event, removing from the
// pool any message now included on the canonical chain. Reverts are
// ignored: a message removed when its tipset was applied is not put back
// into the pool if that tipset is later reverted.
func (ib *Inbox) HandleNewHead(ctx context.Context, change chain.HeadChange) error {
	if change.Kind == chain.HCRevert {
		return nil
	}
	ts := change.TipSet
	for i := 0; i < ts.Len(); i++ {
		blk := ts.At(i)
		secpMsgs, _, err := ib.messages.LoadMessages(ctx, blk.Messages)
		if err != nil {
			return err
		}
		for _, msg := range secpMsgs {
			c, err := msg.Cid()
			if err != nil {
				return err
			}
			ib.pool.Remove(c)
		}
	}
	return nil
}

// Start launches a goroutine draining chainReader's head-change feed into
// HandleNewHead until ctx is done.
func (ib *Inbox) Start(ctx context.Context) {
	ch := ib.chainReader.HeadEvents().Sub(chain.NewHeadTopic)
	go func() {
		defer ib.chainReader.HeadEvents().Unsub(ch, chain.NewHeadTopic)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, more := <-ch:
				if !more {
					return
				}
				change, ok := raw.(chain.HeadChange)
				if !ok {
					continue
				}
				if err := ib.HandleNewHead(ctx, change); err != nil {
					log.Errorf("inbox: pruning pool against new head: %s", err)
				}
			}
		}
	}()
}
