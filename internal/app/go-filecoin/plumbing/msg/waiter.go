package msg

import (
	"context"
	"fmt"

	"github.com/cskr/pubsub"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/chain"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
	"github.com/filecoin-project/forest-go/internal/pkg/vm"
)

var log = logging.Logger("messageimpl")

// waiterChainReader abstracts over the chain indices Waiter needs: head
// tracking, tipset lookup, and the head-change event feed.
type waiterChainReader interface {
	GetHead() block.TipSetKey
	GetTipSet(block.TipSetKey) (block.TipSet, error)
	HeadEvents() *pubsub.PubSub
}

// tipSetExecutor resolves the per-message receipts a tipset's execution
// produced; satisfied by *consensus.StateManager.
type tipSetExecutor interface {
	ApplyTipSet(ctx context.Context, ts block.TipSet) (*vm.ApplyResult, error)
}

// ChainMessage is an on-chain message with its block and receipt.
type ChainMessage struct {
	Message *types.SignedMessage
	Block   *block.Block
	Receipt *types.MessageReceipt
}

// Waiter waits for a message to appear on chain.
type Waiter struct {
	chainReader     waiterChainReader
	messageProvider chain.MessageProvider
	executor        tipSetExecutor
}

// NewWaiter returns a new Waiter.
func NewWaiter(chainStore waiterChainReader, messages chain.MessageProvider, executor tipSetExecutor) *Waiter {
	return &Waiter{
		chainReader:     chainStore,
		messageProvider: messages,
		executor:        executor,
	}
}

// Find searches the blockchain history for a message (but doesn't wait).
func (w *Waiter) Find(ctx context.Context, msgCid cid.Cid) (*ChainMessage, bool, error) {
	headTipSet, err := w.chainReader.GetTipSet(w.chainReader.GetHead())
	if err != nil {
		return nil, false, err
	}
	return w.findMessage(ctx, headTipSet, msgCid)
}

// Wait invokes the callback when a message with the given cid appears on chain.
//
// Note: this method does too much -- the callback should just receive the tipset
// containing the message and the caller should pull the receipt out of the block
// if in fact that's what it wants to do, using something like receiptFromTipSet.
// Something like receiptFromTipSet is necessary because not every message in
// a block will have a receipt in the tipset: it might be a duplicate message.
func (w *Waiter) Wait(ctx context.Context, msgCid cid.Cid, cb func(*block.Block, *types.SignedMessage, *types.MessageReceipt) error) error {
	log.Infof("Calling Waiter.Wait CID: %s", msgCid.String())

	ch := w.chainReader.HeadEvents().Sub(chain.NewHeadTopic)
	defer w.chainReader.HeadEvents().Unsub(ch, chain.NewHeadTopic)

	chainMsg, found, err := w.Find(ctx, msgCid)
	if err != nil {
		return err
	}
	if found {
		return cb(chainMsg.Block, chainMsg.Message, chainMsg.Receipt)
	}

	chainMsg, found, err = w.waitForMessage(ctx, ch, msgCid)
	if found {
		return cb(chainMsg.Block, chainMsg.Message, chainMsg.Receipt)
	}
	return err
}

// findMessage looks for a message CID in the chain and returns the message,
// block and receipt, when it is found. Returns the found message/block or nil
// if no block with the given CID exists in the chain.
func (w *Waiter) findMessage(ctx context.Context, ts block.TipSet, msgCid cid.Cid) (*ChainMessage, bool, error) {
	var err error
	for iterator := chain.IterAncestors(ctx, w.chainReader, ts); !iterator.Complete(); err = iterator.Next() {
		if err != nil {
			log.Errorf("Waiter.Wait: %s", err)
			return nil, false, err
		}
		for i := 0; i < iterator.Value().Len(); i++ {
			blk := iterator.Value().At(i)
			secpMsgs, _, err := w.messageProvider.LoadMessages(ctx, blk.Messages)
			if err != nil {
				return nil, false, err
			}
			for _, msg := range secpMsgs {
				c, err := msg.Cid()
				if err != nil {
					return nil, false, err
				}
				if c.Equals(msgCid) {
					recpt, err := w.receiptFromTipSet(ctx, msgCid, iterator.Value())
					if err != nil {
						return nil, false, errors.Wrap(err, "error retrieving receipt from tipset")
					}
					return &ChainMessage{msg, blk, recpt}, true, nil
				}
			}
		}
	}
	return nil, false, nil
}

// waitForMessage looks for a message CID in a channel of tipsets and returns
// the message, block and receipt, when it is found. Reads until the channel is
// closed or the context done. Returns the found message/block (or nil if the
// channel closed without finding it), whether it was found, or an error.
func (w *Waiter) waitForMessage(ctx context.Context, ch <-chan interface{}, msgCid cid.Cid) (*ChainMessage, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case raw, more := <-ch:
			if !more {
				return nil, false, nil
			}
			switch raw := raw.(type) {
			case error:
				log.Errorf("Waiter.Wait: %s", raw)
				return nil, false, raw
			case chain.HeadChange:
				// Only Apply/Current carry tipsets newly on the canonical
				// path; Revert undoes one, so it has nothing new to scan.
				if raw.Kind == chain.HCRevert {
					continue
				}
				ts := raw.TipSet
				for i := 0; i < ts.Len(); i++ {
					blk := ts.At(i)
					secpMsgs, _, err := w.messageProvider.LoadMessages(ctx, blk.Messages)
					if err != nil {
						return nil, false, err
					}
					for _, msg := range secpMsgs {
						c, err := msg.Cid()
						if err != nil {
							return nil, false, err
						}
						if c.Equals(msgCid) {
							recpt, err := w.receiptFromTipSet(ctx, msgCid, ts)
							if err != nil {
								return nil, false, errors.Wrap(err, "error retrieving receipt from tipset")
							}
							return &ChainMessage{msg, blk, recpt}, true, nil
						}
					}
				}
			default:
				return nil, false, fmt.Errorf("unexpected type in channel: %T", raw)
			}
		}
	}
}

// receiptFromTipSet finds the receipt for the message with msgCid in the
// input tipset. This can differ from the message's receipt as stored in its
// parent block in the case that the message is in conflict with another
// message of the tipset.
func (w *Waiter) receiptFromTipSet(ctx context.Context, msgCid cid.Cid, ts block.TipSet) (*types.MessageReceipt, error) {
	var rcpt *types.MessageReceipt
	if ts.Len() == 1 {
		b := ts.At(0)
		j, err := w.msgIndexOfTipSet(ctx, msgCid, ts, make(map[cid.Cid]struct{}))
		if err != nil {
			return nil, err
		}

		receipts, err := w.messageProvider.LoadReceipts(ctx, b.MessageReceipts)
		if err != nil {
			return nil, err
		}
		if j < len(receipts) {
			rcpt = receipts[j]
		}
		return rcpt, nil
	}

	// Re-execute the tipset's messages to determine the correct receipts;
	// every message's receipt is deterministic given the tipset, so this
	// recomputation agrees with whatever StateManager.TipsetState already
	// cached for ts.
	res, err := w.executor.ApplyTipSet(ctx, ts)
	if err != nil {
		return nil, err
	}

	// If this is a failing conflict message there is no application receipt.
	if _, failed := res.Failures[msgCid]; failed {
		return nil, nil
	}

	j, err := w.msgIndexOfTipSet(ctx, msgCid, ts, res.Failures)
	if err != nil {
		return nil, err
	}
	if j < len(res.Results) {
		rcpt = res.Results[j].Receipt
	}
	return rcpt, nil
}

// msgIndexOfTipSet returns the order in which msgCid appears in the canonical
// message ordering of the given tipset, or an error if it is not in the
// tipset.
func (w *Waiter) msgIndexOfTipSet(ctx context.Context, msgCid cid.Cid, ts block.TipSet, fails map[cid.Cid]struct{}) (int, error) {
	duplicates := make(map[cid.Cid]struct{})
	var msgCnt int
	for i := 0; i < ts.Len(); i++ {
		secpMsgs, _, err := w.messageProvider.LoadMessages(ctx, ts.At(i).Messages)
		if err != nil {
			return -1, err
		}
		for _, msg := range secpMsgs {
			c, err := msg.Cid()
			if err != nil {
				return -1, err
			}
			if _, failed := fails[c]; failed {
				continue
			}
			if _, isDup := duplicates[c]; isDup {
				continue
			}
			duplicates[c] = struct{}{}
			if c.Equals(msgCid) {
				return msgCnt, nil
			}
			msgCnt++
		}
	}

	return -1, fmt.Errorf("message cid %s not in tipset", msgCid.String())
}
