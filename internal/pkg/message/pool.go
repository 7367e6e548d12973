// Package message implements the pending-message pool this node tracks
// independently of any particular block: messages arrive from peers (or,
// once accepted, are forgotten once a tipset including them is adopted),
// the Pool deduplicates and nonce-orders them per sender, and the Inbox
// watches the chain head to prune whatever the chain has already
// absorbed.
package message

import (
	"context"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
)

var log = logging.Logger("message.pool")

// IngestionValidator checks a message for admission to the pool: syntactic
// well-formedness and anything else that does not require executing it.
type IngestionValidator interface {
	Validate(ctx context.Context, msg *types.SignedMessage) error
}

// Pool holds messages this node has seen but that have not yet been
// included in an adopted tipset, keyed by cid and indexed by sender so a
// caller can pull a well-ordered batch for a given actor.
type Pool struct {
	validator IngestionValidator

	mu       sync.RWMutex
	messages map[cid.Cid]*types.SignedMessage
	// bySender is keyed by the sender address's string encoding rather
	// than address.Address itself: Address wraps a []byte payload, which
	// is not comparable and so cannot be a map key directly.
	bySender map[string]map[cid.Cid]struct{}
}

// NewPool constructs an empty Pool, admitting only messages v accepts.
func NewPool(v IngestionValidator) *Pool {
	return &Pool{
		validator: v,
		messages:  make(map[cid.Cid]*types.SignedMessage),
		bySender:  make(map[string]map[cid.Cid]struct{}),
	}
}

// Add validates and admits msg, returning its cid. Adding an
// already-present message is a no-op, not an error: gossip routinely
// delivers the same message from more than one peer.
func (p *Pool) Add(ctx context.Context, msg *types.SignedMessage) (cid.Cid, error) {
	c, err := msg.Cid()
	if err != nil {
		return cid.Undef, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, present := p.messages[c]; present {
		return c, nil
	}

	if p.validator != nil {
		if err := p.validator.Validate(ctx, msg); err != nil {
			return cid.Undef, errors.Wrap(err, "message rejected by pool validator")
		}
	}

	p.messages[c] = msg
	sender := msg.Message.From.String()
	if p.bySender[sender] == nil {
		p.bySender[sender] = make(map[cid.Cid]struct{})
	}
	p.bySender[sender][c] = struct{}{}
	log.Debugf("admitted message %s from %s", c, sender)
	return c, nil
}

// Remove discards cids from the pool; Inbox calls this once their
// messages are included in a tipset that becomes part of the canonical
// chain.
func (p *Pool) Remove(cids ...cid.Cid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cids {
		msg, present := p.messages[c]
		if !present {
			continue
		}
		delete(p.messages, c)
		sender := msg.Message.From.String()
		if set, ok := p.bySender[sender]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(p.bySender, sender)
			}
		}
	}
}

// Get returns the message stored under c, if any.
func (p *Pool) Get(c cid.Cid) (*types.SignedMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msg, ok := p.messages[c]
	return msg, ok
}

// Len reports how many messages are currently pending.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.messages)
}

// PendingFor returns every pending message from sender, ordered by
// ascending nonce.
func (p *Pool) PendingFor(sender address.Address) []*types.SignedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set, ok := p.bySender[sender.String()]
	if !ok {
		return nil
	}
	out := make([]*types.SignedMessage, 0, len(set))
	for c := range set {
		out = append(out, p.messages[c])
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Message.Nonce < out[j].Message.Nonce
	})
	return out
}

// All returns every pending message, in no particular order.
func (p *Pool) All() []*types.SignedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.SignedMessage, 0, len(p.messages))
	for _, msg := range p.messages {
		out = append(out, msg)
	}
	return out
}
