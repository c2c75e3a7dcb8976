package frames

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyprobe/internal/agent"
	"pyprobe/internal/agent/agenttest"
	"pyprobe/internal/channel"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/versions"
)

func stack(n int) []agenttest.Frame {
	fs := make([]agenttest.Frame, n)
	for i := range fs {
		fs[i] = agenttest.Frame{
			Code:   channel.Code{Name: fmt.Sprintf("f%d", i), Filename: "app.py", FirstLine: i * 10},
			Line:   i*10 + 1,
			Locals: []agent.Binding{{Name: "i", Value: i}},
		}
	}
	return fs
}

func requester(t *testing.T, in *agenttest.Interpreter) *agenttest.Requester {
	t.Helper()
	srv, err := agent.NewServer(in)
	require.NoError(t, err)
	return &agenttest.Requester{H: srv}
}

func layout(t *testing.T) versions.Descriptor {
	t.Helper()
	d, err := versions.Default().Lookup("3.11")
	require.NoError(t, err)
	return d
}

func TestWalkInnermostFirst(t *testing.T) {
	r := requester(t, agenttest.New(stack(4)...))

	recs, err := Collect(Walk(context.Background(), r, layout(t), Options{}))
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for i, rec := range recs {
		assert.Equal(t, i, rec.Depth)
		assert.Equal(t, fmt.Sprintf("f%d", i), rec.Code.Name)
		assert.Equal(t, agenttest.FrameAddr(i), rec.Addr)
		require.Len(t, rec.Locals, 1)
		assert.Equal(t, fmt.Sprint(i), rec.Locals[0].Value.String())
	}
	assert.Equal(t, `#0 File "app.py", line 1, in f0`+"\n    i = 0", recs[0].String())
}

func TestWalkIsLazy(t *testing.T) {
	r := requester(t, agenttest.New(stack(3)...))
	w := Walk(context.Background(), r, layout(t), Options{NoLocals: true})
	assert.Empty(t, r.Ops())

	require.True(t, w.Next())
	assert.Equal(t, []string{channel.OpLoadFrameHead, channel.OpReadFrame}, r.Ops())
	assert.Empty(t, w.Record().Locals)
}

func TestWalkEmptyStack(t *testing.T) {
	r := requester(t, agenttest.New())
	w := Walk(context.Background(), r, layout(t), Options{})
	assert.False(t, w.Next())
	assert.NoError(t, w.Err())
	assert.False(t, w.Next())
}

func TestWalkDetectsCycle(t *testing.T) {
	in := agenttest.New(stack(3)...)
	in.Link(2, 0)
	r := requester(t, in)

	w := Walk(context.Background(), r, layout(t), Options{NoLocals: true})
	n := 0
	for w.Next() {
		n++
	}
	assert.Equal(t, 3, n)
	require.ErrorIs(t, w.Err(), probeerr.ErrCorruptedFrameChain)
	assert.Contains(t, w.Err().Error(), "revisited")
}

func TestWalkMaxDepth(t *testing.T) {
	r := requester(t, agenttest.New(stack(5)...))

	recs, err := Collect(Walk(context.Background(), r, layout(t), Options{MaxDepth: 5, NoLocals: true}))
	require.NoError(t, err)
	assert.Len(t, recs, 5)

	_, err = Collect(Walk(context.Background(), r, layout(t), Options{MaxDepth: 4, NoLocals: true}))
	require.ErrorIs(t, err, probeerr.ErrCorruptedFrameChain)
}

func TestWalkStaleFrame(t *testing.T) {
	in := agenttest.New(stack(2)...)
	r := requester(t, in)
	w := Walk(context.Background(), r, layout(t), Options{NoLocals: true})
	require.True(t, w.Next())

	// the stack changed under the walker
	in.SetStack()
	assert.False(t, w.Next())
	require.ErrorIs(t, w.Err(), probeerr.ErrCorruptedFrameChain)
}
