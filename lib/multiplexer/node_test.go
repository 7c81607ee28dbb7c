package multiplexer_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/modmux/lib/bytequeue"
	"github.com/snowmerak/modmux/lib/multiplexer"
)

// linkNodes wires two nodes back to back. Pumping one side moves its
// outbound bytes to the peer, lets the peer service them, and brings the
// peer's replies back.
func linkNodes(t testing.TB) (a, b *multiplexer.Node) {
	t.Helper()

	var nodeA, nodeB *multiplexer.Node
	pumpA := func() error {
		bytequeue.AppendQueue(nodeB.In(), nodeA.Out())
		nodeB.Service()
		bytequeue.AppendQueue(nodeA.In(), nodeB.Out())
		return nil
	}
	pumpB := func() error {
		bytequeue.AppendQueue(nodeA.In(), nodeB.Out())
		nodeA.Service()
		bytequeue.AppendQueue(nodeB.In(), nodeA.Out())
		return nil
	}

	nodeA = multiplexer.NewNode(pumpA, nil, nil)
	nodeB = multiplexer.NewNode(pumpB, nil, nil)
	return nodeA, nodeB
}

func TestChannelTable_Lifecycle(t *testing.T) {
	table := multiplexer.NewChannelTable()

	const n = 64
	seen := make(map[uint32]bool)
	var chans []*multiplexer.Channel
	for i := 0; i < n; i++ {
		ch, err := table.Allocate(multiplexer.Callbacks{}, nil)
		require.NoError(t, err)
		assert.NotEqual(t, multiplexer.ReservedChannel, ch.Number)
		assert.False(t, seen[ch.Number], "channel %d handed out twice", ch.Number)
		seen[ch.Number] = true
		chans = append(chans, ch)
	}
	assert.Equal(t, n, table.Len())

	table.Free(chans[3])
	_, ok := table.Find(chans[3].Number)
	assert.False(t, ok)

	// Freed numbers are not handed out again.
	ch, err := table.Allocate(multiplexer.Callbacks{}, nil)
	require.NoError(t, err)
	assert.False(t, seen[ch.Number])

	_, err = table.Install(multiplexer.ReservedChannel, multiplexer.Callbacks{}, nil)
	require.NoError(t, err)
	_, err = table.Install(multiplexer.ReservedChannel, multiplexer.Callbacks{}, nil)
	assert.Error(t, err)
}

func TestNode_SendCallAndWait(t *testing.T) {
	a, b := linkNodes(t)

	ch, err := b.AllocateChannel(multiplexer.Callbacks{
		OnCall: func(_ *multiplexer.Channel, q *bytequeue.Queue) error {
			req := q.Bytes()
			q.Empty()
			q.Append(append([]byte("echo:"), req...))
			return nil
		},
	}, nil)
	require.NoError(t, err)

	q := bytequeue.New()
	q.Append([]byte("ping"))
	require.NoError(t, a.SendCallAndWait(ch.Number, q))
	assert.Equal(t, []byte("echo:ping"), q.Bytes())
}

func TestNode_FailedCallReturnsEmptyPayload(t *testing.T) {
	a, b := linkNodes(t)

	ch, err := b.AllocateChannel(multiplexer.Callbacks{
		OnCall: func(_ *multiplexer.Channel, q *bytequeue.Queue) error {
			q.Append([]byte("partial"))
			return errors.New("boom")
		},
	}, nil)
	require.NoError(t, err)

	q := bytequeue.New()
	q.Append([]byte("request"))
	require.NoError(t, a.SendCallAndWait(ch.Number, q))
	assert.Zero(t, q.Len())
}

func TestNode_MessageAndDisconnect(t *testing.T) {
	a, b := linkNodes(t)

	var messages [][]byte
	disconnected := false
	ch, err := b.AllocateChannel(multiplexer.Callbacks{
		OnMessage: func(_ *multiplexer.Channel, q *bytequeue.Queue) error {
			messages = append(messages, q.Bytes())
			return nil
		},
		OnDisconnect: func(ch *multiplexer.Channel, _ *bytequeue.Queue) error {
			disconnected = true
			b.FreeChannel(ch)
			return nil
		},
	}, nil)
	require.NoError(t, err)

	q := bytequeue.New()
	q.Append([]byte("note"))
	require.NoError(t, a.SendMessage(ch.Number, q))
	require.NoError(t, a.SendDisconnect(ch.Number))

	// Messages to channels nobody owns are dropped silently.
	require.NoError(t, a.SendMessage(ch.Number+100, nil))
	require.NoError(t, a.Pump())

	assert.Equal(t, [][]byte{[]byte("note")}, messages)
	assert.True(t, disconnected)
	_, ok := b.FindChannel(ch.Number)
	assert.False(t, ok)
}

func TestNode_PumpFailureAbortsCall(t *testing.T) {
	pumpErr := errors.New("pipe closed")
	n := multiplexer.NewNode(func() error { return pumpErr }, nil, nil)

	err := n.SendCallAndWait(1, bytequeue.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, pumpErr)
}

func TestNode_NoPump(t *testing.T) {
	n := multiplexer.NewNode(nil, nil, nil)
	assert.Error(t, n.SendCallAndWait(1, bytequeue.New()))
	assert.Error(t, n.Pump())
}

func TestNode_ReentrantCall(t *testing.T) {
	a, b := linkNodes(t)

	// a exposes a doubling service.
	doubler, err := a.AllocateChannel(multiplexer.Callbacks{
		OnCall: func(_ *multiplexer.Channel, q *bytequeue.Queue) error {
			v, ok := q.GetUint32()
			if !ok {
				return errors.New("short request")
			}
			q.AppendUint32(v * 2)
			return nil
		},
	}, nil)
	require.NoError(t, err)

	// b answers a call by calling back into a while a is still waiting.
	quad, err := b.AllocateChannel(multiplexer.Callbacks{
		OnCall: func(_ *multiplexer.Channel, q *bytequeue.Queue) error {
			v, ok := q.GetUint32()
			if !ok {
				return errors.New("short request")
			}
			inner := bytequeue.New()
			inner.AppendUint32(v)
			if err := b.SendCallAndWait(doubler.Number, inner); err != nil {
				return err
			}
			d, ok := inner.GetUint32()
			if !ok {
				return errors.New("short reply")
			}
			q.AppendUint32(d * 2)
			return nil
		},
	}, nil)
	require.NoError(t, err)

	q := bytequeue.New()
	q.AppendUint32(5)
	require.NoError(t, a.SendCallAndWait(quad.Number, q))
	got, ok := q.GetUint32()
	require.True(t, ok)
	assert.Equal(t, uint32(20), got)
}

func TestNode_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := multiplexer.NewMetrics("test", reg)
	require.NoError(t, err)

	n := multiplexer.NewNode(nil, nil, nil, multiplexer.WithMetrics(m))
	_, err = n.AllocateChannel(multiplexer.Callbacks{}, nil)
	require.NoError(t, err)
	require.NoError(t, n.SendDisconnect(7))

	n.In().Append([]byte{0x00, 0x01})
	n.Service()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesSent.WithLabelValues("Disconnect")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BytesDropped.WithLabelValues(string(multiplexer.DropGarbage))))
}
