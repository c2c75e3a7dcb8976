package channel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"pyprobe/internal/probeerr"
	"pyprobe/internal/value"
)

func listen(t *testing.T, h Handler) (string, *Server) {
	t.Helper()
	dir := t.TempDir()
	srv, err := Listen(dir, os.Getpid(), h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return dir, srv
}

func dial(t *testing.T, dir string, timeout time.Duration) *Conn {
	t.Helper()
	conn, err := Dial(context.Background(), os.Getpid(), DialOptions{Dir: dir, Timeout: timeout, ExpectPID: os.Getpid()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

var echo = HandlerFunc(func(_ context.Context, req *Request) *Response {
	switch req.Op {
	case OpEvaluate:
		var in EvaluateRequest
		if err := msgpack.Unmarshal(req.Payload, &in); err != nil {
			return Fail(req.ID, err)
		}
		if in.Source == "1/0" {
			return Fail(req.ID, &probeerr.EvaluationError{Type: "ZeroDivisionError", Message: "division by zero"})
		}
		return OK(req.ID, EvaluateResponse{Value: value.Str(in.Source)})
	case OpReadFrame:
		return Fail(req.ID, probeerr.ErrCorruptedFrameChain)
	}
	return Fail(req.ID, ErrInvalidRequest)
})

func TestRoundTrip(t *testing.T) {
	dir, srv := listen(t, echo)
	assert.Equal(t, filepath.Join(dir, "pyprobe-"+strconv.Itoa(os.Getpid())+".sock"), srv.Path())

	fi, err := os.Stat(srv.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	conn := dial(t, dir, time.Second)
	require.NoError(t, conn.Ping(context.Background()))

	var out EvaluateResponse
	require.NoError(t, conn.Do(context.Background(), OpEvaluate, EvaluateRequest{Source: "x", Limits: value.DefaultLimits}, &out))
	assert.Equal(t, "'x'", out.Value.String())

	// the connection stays usable after many requests
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.Do(context.Background(), OpEvaluate, EvaluateRequest{Source: "y"}, &out))
	}
}

func TestDiagnostics(t *testing.T) {
	dir, _ := listen(t, echo)
	conn := dial(t, dir, time.Second)

	err := conn.Do(context.Background(), OpEvaluate, EvaluateRequest{Source: "1/0"}, nil)
	var ee *probeerr.EvaluationError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "ZeroDivisionError", ee.Type)

	err = conn.Do(context.Background(), OpReadFrame, FrameRequest{Addr: 1}, nil)
	require.ErrorIs(t, err, probeerr.ErrCorruptedFrameChain)

	err = conn.Do(context.Background(), "bogus", nil, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)

	// errors above are answers, not transport faults
	require.NoError(t, conn.Do(context.Background(), OpEvaluate, EvaluateRequest{Source: "ok"}, nil))
}

func TestTimeoutBreaksConnection(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	dir, _ := listen(t, HandlerFunc(func(ctx context.Context, req *Request) *Response {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return OK(req.ID, nil)
	}))
	conn := dial(t, dir, 50*time.Millisecond)

	err := conn.Do(context.Background(), OpEvaluate, EvaluateRequest{Source: "while True: pass"}, nil)
	require.ErrorIs(t, err, probeerr.ErrChannelTimeout)

	err = conn.Do(context.Background(), OpEvaluate, EvaluateRequest{Source: "1"}, nil)
	require.ErrorIs(t, err, probeerr.ErrChannelTimeout)
}

func TestMismatchedResponseID(t *testing.T) {
	dir, _ := listen(t, HandlerFunc(func(_ context.Context, req *Request) *Response {
		return OK(req.ID+7, nil)
	}))
	conn := dial(t, dir, time.Second)

	err := conn.Do(context.Background(), OpEvaluate, EvaluateRequest{}, nil)
	require.ErrorIs(t, err, probeerr.ErrChannelTimeout)
	assert.Equal(t, probeerr.PhaseRuntime, probeerr.PhaseOf(err))
	assert.Contains(t, err.Error(), "response #8 to request #1")
	assert.Equal(t, err, conn.Do(context.Background(), OpEvaluate, EvaluateRequest{}, nil))
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(context.Background(), 4242, DialOptions{Dir: t.TempDir(), Timeout: 60 * time.Millisecond, Delay: 10 * time.Millisecond})
	require.ErrorIs(t, err, probeerr.ErrChannelTimeout)
}

func TestDialWaitsForLateCompanion(t *testing.T) {
	dir := t.TempDir()
	bound := make(chan *Server, 1)
	go func() {
		time.Sleep(1200 * time.Millisecond)
		srv, err := Listen(dir, os.Getpid(), echo)
		if err != nil {
			bound <- nil
			return
		}
		bound <- srv
	}()
	t.Cleanup(func() {
		if srv := <-bound; srv != nil {
			_ = srv.Close()
		}
	})

	start := time.Now()
	conn, err := Dial(context.Background(), os.Getpid(), DialOptions{Dir: dir, Timeout: 5 * time.Second, Delay: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	require.NoError(t, conn.Ping(context.Background()))
}

func TestDialWrongPeer(t *testing.T) {
	dir, _ := listen(t, echo)
	_, err := Dial(context.Background(), os.Getpid(), DialOptions{Dir: dir, Timeout: 200 * time.Millisecond, ExpectPID: os.Getpid() + 1})
	if errors.Is(err, probeerr.ErrChannelTimeout) {
		t.Skip("peer credentials unavailable")
	}
	require.ErrorIs(t, err, probeerr.ErrPermissionDenied)
}

func TestCloseUnlinksSocket(t *testing.T) {
	dir := t.TempDir()
	// a stale file from an earlier run is replaced
	require.NoError(t, os.WriteFile(SocketPath(dir, os.Getpid()), nil, 0o600))
	srv, err := Listen(dir, os.Getpid(), echo)
	require.NoError(t, err)
	require.NoError(t, srv.Close())
	_, err = os.Stat(srv.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestSocketDir(t *testing.T) {
	t.Setenv(SocketDirEnv, "")
	assert.Equal(t, DefaultSocketDir, SocketDir(""))
	t.Setenv(SocketDirEnv, "/run/probe")
	assert.Equal(t, "/run/probe", SocketDir(""))
	assert.Equal(t, "/x", SocketDir("/x"))
	assert.Equal(t, "/run/probe/pyprobe-12.sock", SocketPath("", 12))
	assert.Equal(t, "unix:///run/probe/pyprobe-12.sock", socketTarget("/run/probe/pyprobe-12.sock"))
}
