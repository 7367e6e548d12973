package message_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/forest-go/internal/pkg/address"
	"github.com/filecoin-project/forest-go/internal/pkg/message"
	tf "github.com/filecoin-project/forest-go/internal/pkg/testhelpers/testflags"
	"github.com/filecoin-project/forest-go/internal/pkg/types"
)

func newSignedMessage(t *testing.T, from address.Address, nonce uint64) *types.SignedMessage {
	to := address.NewForTestGetter()()
	um := types.NewUnsignedMessage(from, to, nonce, types.ZeroAttoFIL, "", nil)
	return &types.SignedMessage{Message: *um}
}

type acceptAll struct{}

func (acceptAll) Validate(context.Context, *types.SignedMessage) error { return nil }

type rejectAll struct{}

func (rejectAll) Validate(context.Context, *types.SignedMessage) error {
	return assert.AnError
}

func TestPoolAddIsIdempotent(t *testing.T) {
	tf.UnitTest(t)

	p := message.NewPool(acceptAll{})
	from := address.NewForTestGetter()()
	msg := newSignedMessage(t, from, 0)

	c1, err := p.Add(context.Background(), msg)
	require.NoError(t, err)
	c2, err := p.Add(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.Equal(t, 1, p.Len())
}

func TestPoolAddRejectsInvalidMessage(t *testing.T) {
	tf.UnitTest(t)

	p := message.NewPool(rejectAll{})
	from := address.NewForTestGetter()()
	msg := newSignedMessage(t, from, 0)

	_, err := p.Add(context.Background(), msg)
	assert.Error(t, err)
	assert.Equal(t, 0, p.Len())
}

func TestPoolRemoveDropsEmptySenderBucket(t *testing.T) {
	tf.UnitTest(t)

	p := message.NewPool(acceptAll{})
	from := address.NewForTestGetter()()
	msg := newSignedMessage(t, from, 0)

	c, err := p.Add(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, p.PendingFor(from), 1)

	p.Remove(c)
	assert.Empty(t, p.PendingFor(from))
	assert.Equal(t, 0, p.Len())
}

func TestPoolPendingForOrdersByNonce(t *testing.T) {
	tf.UnitTest(t)

	p := message.NewPool(acceptAll{})
	from := address.NewForTestGetter()()

	hi := newSignedMessage(t, from, 5)
	lo := newSignedMessage(t, from, 1)
	mid := newSignedMessage(t, from, 3)

	ctx := context.Background()
	_, err := p.Add(ctx, hi)
	require.NoError(t, err)
	_, err = p.Add(ctx, lo)
	require.NoError(t, err)
	_, err = p.Add(ctx, mid)
	require.NoError(t, err)

	pending := p.PendingFor(from)
	require.Len(t, pending, 3)
	assert.Equal(t, uint64(1), pending[0].Message.Nonce)
	assert.Equal(t, uint64(3), pending[1].Message.Nonce)
	assert.Equal(t, uint64(5), pending[2].Message.Nonce)
}

func TestPoolPendingForUnknownSenderIsEmpty(t *testing.T) {
	tf.UnitTest(t)

	p := message.NewPool(acceptAll{})
	other := address.NewForTestGetter()()
	assert.Empty(t, p.PendingFor(other))
}
