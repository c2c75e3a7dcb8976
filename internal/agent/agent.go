// Package agent is the companion side of the channel. It runs inside the
// target process, answers requests against an Interpreter and serializes the
// objects it finds into value.Value previews.
package agent

import (
	"context"
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"pyprobe/internal/channel"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/value"
	"pyprobe/internal/versions"
)

const defaultCodeCache = 1024

// Frame is one interpreter frame as the companion reads it.
type Frame struct {
	Back     uint64
	CodeAddr uint64
	Line     int
}

// Binding is a named local before serialization.
type Binding struct {
	Name  string
	Value any
}

// Interpreter reads interpreter state. Implementations run with the
// interpreter lock held and use layout for every structure offset.
type Interpreter interface {
	FrameHead(layout versions.Descriptor) (uint64, error)
	Frame(addr uint64, layout versions.Descriptor) (Frame, error)
	Code(addr uint64) (channel.Code, error)
	Locals(addr uint64, layout versions.Descriptor) ([]Binding, error)
	// Evaluate runs source in the main module namespace and returns the value
	// of a trailing expression, nil for statements. A raised exception is a
	// *probeerr.EvaluationError.
	Evaluate(source string) (any, error)
}

// Server answers channel requests.
type Server struct {
	interp Interpreter
	codes  *lru.Cache[uint64, channel.Code]
	log    *zap.Logger
}

// Option configures a Server.
type Option func(*options)

type options struct {
	log       *zap.Logger
	cacheSize int
	dir       string
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithCodeCache sets how many code identities are remembered.
func WithCodeCache(n int) Option { return func(o *options) { o.cacheSize = n } }

// WithSocketDir sets the socket directory Start listens in.
func WithSocketDir(dir string) Option { return func(o *options) { o.dir = dir } }

func buildOptions(opts []Option) options {
	o := options{log: zap.NewNop(), cacheSize: defaultCodeCache}
	for _, fn := range opts {
		fn(&o)
	}
	if o.cacheSize <= 0 {
		o.cacheSize = defaultCodeCache
	}
	return o
}

// NewServer wraps interp.
func NewServer(interp Interpreter, opts ...Option) (*Server, error) {
	o := buildOptions(opts)
	codes, err := lru.New[uint64, channel.Code](o.cacheSize)
	if err != nil {
		return nil, err
	}
	return &Server{interp: interp, codes: codes, log: o.log}, nil
}

// Start serves interp on the socket of the current process. It is what the
// companion's constructor calls, usually with a MemoryInterpreter reading
// its own process.
func Start(interp Interpreter, opts ...Option) (*channel.Server, error) {
	o := buildOptions(opts)
	srv, err := NewServer(interp, opts...)
	if err != nil {
		return nil, err
	}
	return channel.Listen(o.dir, os.Getpid(), srv, channel.WithServerLogger(o.log))
}

// Serve implements channel.Handler.
func (s *Server) Serve(_ context.Context, req *channel.Request) *channel.Response {
	resp, err := s.dispatch(req)
	if err != nil {
		s.log.Debug("request failed", zap.Uint64("id", req.ID), zap.String("op", req.Op), zap.Error(err))
		return channel.Fail(req.ID, err)
	}
	return channel.OK(req.ID, resp)
}

func (s *Server) dispatch(req *channel.Request) (any, error) {
	switch req.Op {
	case channel.OpLoadFrameHead:
		var in channel.FrameHeadRequest
		if err := decode(req, &in); err != nil {
			return nil, err
		}
		addr, err := s.interp.FrameHead(in.Layout)
		if err != nil {
			return nil, err
		}
		return channel.FrameHeadResponse{Addr: addr}, nil

	case channel.OpReadFrame:
		var in channel.FrameRequest
		if err := decode(req, &in); err != nil {
			return nil, err
		}
		if in.Addr == 0 {
			return nil, fmt.Errorf("%w: read-frame of a null address", channel.ErrInvalidRequest)
		}
		f, err := s.interp.Frame(in.Addr, in.Layout)
		if err != nil {
			return nil, err
		}
		code, err := s.code(f.CodeAddr)
		if err != nil {
			return nil, err
		}
		return channel.FrameResponse{Addr: in.Addr, Back: f.Back, Code: code, Line: f.Line}, nil

	case channel.OpReadLocals:
		var in channel.LocalsRequest
		if err := decode(req, &in); err != nil {
			return nil, err
		}
		bindings, err := s.interp.Locals(in.Addr, in.Layout)
		if err != nil {
			return nil, err
		}
		out := channel.LocalsResponse{Locals: make([]channel.Local, 0, len(bindings))}
		for _, b := range bindings {
			out.Locals = append(out.Locals, channel.Local{Name: b.Name, Value: value.Encode(b.Value, in.Limits)})
		}
		return out, nil

	case channel.OpEvaluate:
		var in channel.EvaluateRequest
		if err := decode(req, &in); err != nil {
			return nil, err
		}
		v, err := s.interp.Evaluate(in.Source)
		if err != nil {
			return nil, err
		}
		return channel.EvaluateResponse{Value: value.Encode(v, in.Limits)}, nil
	}
	return nil, fmt.Errorf("%w: unknown op %q", channel.ErrInvalidRequest, req.Op)
}

func (s *Server) code(addr uint64) (channel.Code, error) {
	if c, ok := s.codes.Get(addr); ok {
		return c, nil
	}
	c, err := s.interp.Code(addr)
	if err != nil {
		return channel.Code{}, err
	}
	s.codes.Add(addr, c)
	return c, nil
}

// Forget drops every cached code identity. Code objects can be freed and
// their addresses reused once the target runs again.
func (s *Server) Forget() { s.codes.Purge() }

func decode(req *channel.Request, v any) error {
	if len(req.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", channel.ErrInvalidRequest, req.Op)
	}
	if err := msgpack.Unmarshal(req.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", channel.ErrInvalidRequest, req.Op, err)
	}
	return nil
}

// ErrNoFrame is what an Interpreter returns for an address that is not a
// live frame.
var ErrNoFrame = fmt.Errorf("%w: not a live frame", probeerr.ErrCorruptedFrameChain)
