package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"pyprobe/internal/probeerr"
)

// DialOptions configure Dial.
type DialOptions struct {
	// Dir is the socket directory, see SocketDir.
	Dir string
	// Path overrides the socket path entirely.
	Path string
	// Timeout bounds every request and the whole dial.
	Timeout time.Duration
	// ExpectPID, when set, must be the pid serving the socket.
	ExpectPID int
	// Attempts caps the dial tries. Zero keeps trying until Timeout.
	Attempts uint
	Delay    time.Duration
	Log      *zap.Logger
}

func (o *DialOptions) defaults(pid int) {
	if o.Path == "" {
		o.Path = SocketPath(o.Dir, pid)
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Delay <= 0 {
		o.Delay = 20 * time.Millisecond
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// Conn is the probe end of the channel. One request is in flight at a time.
type Conn struct {
	cc      *grpc.ClientConn
	path    string
	timeout time.Duration
	ids     *atomic.Uint64
	log     *zap.Logger

	mu     sync.Mutex
	broken error
}

// Dial connects to the companion inside pid, retrying until it has bound its
// socket or the timeout passes.
func Dial(ctx context.Context, pid int, opts DialOptions) (*Conn, error) {
	opts.defaults(pid)
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var cc *grpc.ClientConn
	err := retry.Do(
		func() error {
			if _, err := os.Stat(opts.Path); err != nil {
				return err
			}
			c, err := dialOnce(ctx, opts)
			if err != nil {
				return err
			}
			cc = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, probeerr.ErrPermissionDenied) }),
	)
	if err != nil {
		if errors.Is(err, probeerr.ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: dial %s: %v", probeerr.ErrChannelTimeout, opts.Path, err)
	}
	opts.Log.Debug("channel connected", zap.String("socket", opts.Path))
	return &Conn{
		cc:      cc,
		path:    opts.Path,
		timeout: opts.Timeout,
		ids:     atomic.NewUint64(0),
		log:     opts.Log,
	}, nil
}

func dialOnce(ctx context.Context, opts DialOptions) (*grpc.ClientConn, error) {
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		if trimmed, ok := strings.CutPrefix(addr, "unix://"); ok {
			addr = trimmed
		}
		var d net.Dialer
		c, err := d.DialContext(ctx, "unix", addr)
		if err != nil {
			return nil, err
		}
		if opts.ExpectPID != 0 {
			if err := checkPeer(c, expectPID(opts.ExpectPID)); err != nil {
				_ = c.Close()
				return nil, fmt.Errorf("%w: %v", probeerr.ErrPermissionDenied, err)
			}
		}
		return c, nil
	}
	cc, err := grpc.NewClient(
		socketTarget(opts.Path),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return nil, err
	}
	cc.Connect()
	if err := waitForReady(ctx, cc); err != nil {
		_ = cc.Close()
		return nil, err
	}
	return cc, nil
}

func expectPID(pid int) func(Cred) error {
	return func(c Cred) error {
		if c.PID != pid {
			return fmt.Errorf("socket is served by pid %d, not %d", c.PID, pid)
		}
		return nil
	}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		switch state := conn.GetState(); state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection is shut down")
		case connectivity.TransientFailure:
			return errors.New("companion is not accepting connections")
		default:
			if !conn.WaitForStateChange(ctx, state) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("grpc connection stuck in state %s", state.String())
			}
		}
	}
}

// Do sends op with payload in and decodes the result into out, which may be
// nil. A timeout breaks the connection for good.
func (c *Conn) Do(ctx context.Context, op string, in, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return c.broken
	}

	payload, err := msgpack.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	req := &Request{ID: c.ids.Inc(), Op: op, Payload: payload}
	resp := new(Response)

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.cc.Invoke(cctx, sendMethod, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		switch {
		case status.Code(err) == codes.DeadlineExceeded || errors.Is(cctx.Err(), context.DeadlineExceeded):
			c.broken = fmt.Errorf("%w: %s #%d got no answer within %s", probeerr.ErrChannelTimeout, op, req.ID, c.timeout)
			return c.broken
		case status.Code(err) == codes.Unavailable:
			c.broken = fmt.Errorf("%w: companion went away: %v", probeerr.ErrChannelTimeout, err)
			return c.broken
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.ID != req.ID {
		c.broken = fmt.Errorf("%w: response #%d to request #%d", probeerr.ErrChannelTimeout, resp.ID, req.ID)
		return c.broken
	}
	if resp.Status != StatusOK {
		return resp.Diagnostic.Err()
	}
	if out != nil {
		if err := msgpack.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("decode %s result: %w", op, err)
		}
	}
	return nil
}

// Ping asks the companion's health service whether the channel is serving.
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(c.cc).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		switch status.Code(err) {
		case codes.DeadlineExceeded, codes.Unavailable:
			return fmt.Errorf("%w: ping: %v", probeerr.ErrChannelTimeout, err)
		}
		return fmt.Errorf("ping: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("ping: companion is %s", resp.GetStatus())
	}
	return nil
}

// Path is the socket this connection uses.
func (c *Conn) Path() string { return c.path }

// Close releases the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = probeerr.ErrInvalidHandle
	}
	return c.cc.Close()
}
