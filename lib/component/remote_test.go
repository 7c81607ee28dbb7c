package component_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/modmux/example/adder"
	"github.com/snowmerak/modmux/lib/bytequeue"
	"github.com/snowmerak/modmux/lib/component"
	"github.com/snowmerak/modmux/lib/multiplexer"
)

type peers struct {
	main, slave           *component.Runtime
	mainClass, slaveClass *adder.Class
}

// connect wires two runtimes back to back. Each pump hands the outbound
// bytes to the peer, lets the peer handle them and collects its answer.
func connect(t *testing.T, mainOpts ...component.Option) *peers {
	t.Helper()

	p := &peers{
		main:       newRuntime(t, component.RoleMain, mainOpts...),
		slave:      newRuntime(t, component.RoleSlave),
		mainClass:  adder.NewClass("main"),
		slaveClass: adder.NewClass("slave"),
	}
	require.NoError(t, p.mainClass.RegisterMain(p.main))
	require.NoError(t, p.slaveClass.RegisterMain(p.slave))

	mainIn, mainOut := bytequeue.New(), bytequeue.New()
	slaveIn, slaveOut := bytequeue.New(), bytequeue.New()

	require.NoError(t, p.main.AttachPipe(func() error {
		bytequeue.AppendQueue(slaveIn, mainOut)
		p.slave.Node().Service()
		bytequeue.AppendQueue(mainIn, slaveOut)
		return nil
	}, mainIn, mainOut))
	require.NoError(t, p.slave.AttachPipe(func() error {
		bytequeue.AppendQueue(mainIn, slaveOut)
		p.main.Node().Service()
		bytequeue.AppendQueue(slaveIn, mainOut)
		return nil
	}, slaveIn, slaveOut))

	return p
}

func TestRemote_RoundTrip(t *testing.T) {
	p := connect(t)

	local, err := p.main.CreateInstance(adder.CIDAdder, nil, component.SameProcess, adder.IIDAdder)
	require.NoError(t, err)
	defer local.Release()
	direct, err := local.(adder.Adder).Add(19, 23)
	require.NoError(t, err)

	obj, err := p.main.CreateInstance(adder.CIDAdder, nil, component.UseSlaveProcess, adder.IIDAdder)
	require.NoError(t, err)
	remote, err := adder.As(obj)
	require.NoError(t, err)
	defer remote.Release()
	obj.Release()

	sum, err := remote.Add(19, 23)
	require.NoError(t, err)
	assert.Equal(t, direct, sum)

	name, err := remote.Name()
	require.NoError(t, err)
	assert.Equal(t, "slave", name)

	_, err = remote.Add(1<<62, 1<<62)
	assert.ErrorIs(t, err, component.ErrInvalidArg, "errors travel back as codes")
}

func TestRemote_SlaveCreatesInMain(t *testing.T) {
	p := connect(t)

	obj, err := p.slave.CreateInstance(adder.CIDAdder, nil, component.UseMainProcess, adder.IIDAdder)
	require.NoError(t, err)
	defer obj.Release()

	name, err := obj.(adder.Adder).Name()
	require.NoError(t, err)
	assert.Equal(t, "main", name)
}

func TestRemote_ReleaseDisconnects(t *testing.T) {
	p := connect(t)

	obj, err := p.main.CreateInstance(adder.CIDAdder, nil, component.UseSlaveProcess, adder.IIDAdder)
	require.NoError(t, err)
	assert.Equal(t, 2, p.slave.Node().ChannelCount(), "channel 0 and the export")
	assert.Equal(t, 1, p.slaveClass.Live())
	assert.Equal(t, 1, p.mainClass.Live())

	obj.Release()
	assert.Zero(t, p.mainClass.Live())
	require.NoError(t, p.main.Node().Pump())

	assert.Equal(t, 1, p.slave.Node().ChannelCount())
	assert.Zero(t, p.slaveClass.Live())
}

func TestRemote_ClassNotAvailable(t *testing.T) {
	p := connect(t)

	_, err := p.main.CreateInstance(cidOther, nil, component.UseSlaveProcess, iidThing)
	assert.ErrorIs(t, err, component.ErrClassNotAvailable)

	_, err = p.main.CreateInstance(adder.CIDAdder, &thing{}, component.UseSlaveProcess, adder.IIDAdder)
	assert.ErrorIs(t, err, component.ErrNoAggregation)
}

func TestRemote_UnmarshalWithoutProxyClass(t *testing.T) {
	p := connect(t)
	require.NoError(t, p.main.RevokeClassObjects([]component.ClassID{adder.CIDAdderProxy}, nil))

	_, err := p.main.CreateInstance(adder.CIDAdder, nil, component.UseSlaveProcess, adder.IIDAdder)
	assert.ErrorIs(t, err, component.ErrClassNotAvailable)

	require.NoError(t, p.main.Node().Pump())
	assert.Equal(t, 1, p.slave.Node().ChannelCount(), "unbound export is disconnected")
	assert.Zero(t, p.slaveClass.Live())
}

func TestExportObject(t *testing.T) {
	p := connect(t)
	obj := &thing{}
	obj.AddRef()

	_, err := component.New().ExportObject(obj, multiplexer.Callbacks{})
	assert.ErrorIs(t, err, component.ErrNotReady)

	q := bytequeue.New()
	require.NoError(t, p.main.ExportInterface(q, obj, multiplexer.Callbacks{}))
	assert.Equal(t, int32(2), obj.Refs())

	require.NoError(t, p.main.ReleaseExport(q))
	assert.Equal(t, int32(1), obj.Refs())
	assert.Equal(t, 1, p.main.Node().ChannelCount())
}

func TestRemote_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := multiplexer.NewMetrics("modmux", reg)
	require.NoError(t, err)
	p := connect(t, component.WithMetrics(metrics))

	var obj component.Object
	obj, err = p.main.CreateInstance(adder.CIDAdder, nil, component.UseSlaveProcess, adder.IIDAdder)
	require.NoError(t, err)
	obj.Release()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FramesSent.WithLabelValues(multiplexer.FrameCall.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FramesReceived.WithLabelValues(multiplexer.FrameReturn.String())))
}

func TestProxyBinding_NotifyAndInvoke(t *testing.T) {
	p := connect(t)
	obj := &thing{}
	obj.AddRef()
	defer obj.Release()

	type invocation struct {
		method uint32
		args   string
	}
	var got []invocation
	serve := component.ServeCallbacks(func(method uint32, args []byte) ([]byte, error) {
		got = append(got, invocation{method, string(args)})
		if method == 9 {
			return nil, component.ErrInvalidArg
		}
		return []byte("ok"), nil
	})
	q := bytequeue.New()
	require.NoError(t, p.main.ExportInterface(q, obj, serve))

	var b component.ProxyBinding
	require.NoError(t, b.Bind(p.slave, q))

	require.NoError(t, b.Notify(7, []byte("ping")))
	assert.Empty(t, got, "notify does not pump")
	require.NoError(t, p.slave.Node().Pump())
	assert.Equal(t, []invocation{{7, "ping"}}, got)

	require.NoError(t, b.Notify(9, nil))
	require.NoError(t, p.slave.Node().Pump())
	assert.Len(t, got, 2)
	assert.Zero(t, p.slave.Node().In().Len(), "messages are never answered")

	body, err := b.Invoke(3, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	_, err = b.Invoke(9, nil)
	assert.ErrorIs(t, err, component.ErrInvalidArg)

	require.NoError(t, b.Disconnect())
	assert.False(t, b.Bound())
	assert.ErrorIs(t, b.Notify(7, nil), component.ErrNotReady)
	require.NoError(t, p.slave.Node().Pump())
	assert.Equal(t, 1, p.main.Node().ChannelCount())
	assert.Equal(t, int32(1), obj.Refs())
}
