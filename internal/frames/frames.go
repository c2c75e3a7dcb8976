// Package frames walks the Python call stack of an attached target through
// the companion, innermost frame first.
package frames

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pyprobe/internal/channel"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/value"
	"pyprobe/internal/versions"
)

// DefaultMaxDepth bounds a walk when Options.MaxDepth is zero.
const DefaultMaxDepth = 256

// Requester sends one channel request. *channel.Conn implements it.
type Requester interface {
	Do(ctx context.Context, op string, in, out any) error
}

// Options configure a walk.
type Options struct {
	MaxDepth int
	NoLocals bool
	Limits   value.Limits
	Log      *zap.Logger
}

// Record is one materialized frame.
type Record struct {
	Depth  int
	Addr   uint64
	Code   channel.Code
	Line   int
	Locals []channel.Local
}

// String renders the record the way a Python traceback does.
func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d File %q, line %d, in %s", r.Depth, r.Code.Filename, r.Line, r.Code.Name)
	for _, l := range r.Locals {
		fmt.Fprintf(&b, "\n    %s = %s", l.Name, l.Value)
	}
	return b.String()
}

// Walker yields frames lazily. It cannot be restarted.
type Walker struct {
	ctx    context.Context
	r      Requester
	layout versions.Descriptor
	opts   Options

	started bool
	next    uint64
	depth   int
	seen    map[uint64]struct{}
	rec     Record
	err     error
	done    bool
}

// Walk prepares a walk. Nothing is sent until the first Next.
func Walk(ctx context.Context, r Requester, layout versions.Descriptor, opts Options) *Walker {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Walker{ctx: ctx, r: r, layout: layout, opts: opts, seen: map[uint64]struct{}{}}
}

// Next advances to the next outer frame. It returns false at the end of the
// stack or on error; check Err.
func (w *Walker) Next() bool {
	if w.done {
		return false
	}
	if !w.started {
		w.started = true
		var head channel.FrameHeadResponse
		if err := w.r.Do(w.ctx, channel.OpLoadFrameHead, channel.FrameHeadRequest{Layout: w.layout}, &head); err != nil {
			return w.fail(fmt.Errorf("load frame head: %w", err))
		}
		w.next = head.Addr
	}
	if w.next == 0 {
		w.done = true
		return false
	}
	if _, ok := w.seen[w.next]; ok {
		return w.fail(fmt.Errorf("%w: frame %#x revisited at depth %d", probeerr.ErrCorruptedFrameChain, w.next, w.depth))
	}
	if w.depth >= w.opts.MaxDepth {
		return w.fail(fmt.Errorf("%w: deeper than %d frames", probeerr.ErrCorruptedFrameChain, w.opts.MaxDepth))
	}
	w.seen[w.next] = struct{}{}

	var f channel.FrameResponse
	if err := w.r.Do(w.ctx, channel.OpReadFrame, channel.FrameRequest{Addr: w.next, Layout: w.layout}, &f); err != nil {
		return w.fail(fmt.Errorf("read frame %#x: %w", w.next, err))
	}
	rec := Record{Depth: w.depth, Addr: w.next, Code: f.Code, Line: f.Line}
	if !w.opts.NoLocals {
		var l channel.LocalsResponse
		req := channel.LocalsRequest{Addr: w.next, Layout: w.layout, Limits: w.opts.Limits}
		if err := w.r.Do(w.ctx, channel.OpReadLocals, req, &l); err != nil {
			return w.fail(fmt.Errorf("read locals of %#x: %w", w.next, err))
		}
		rec.Locals = l.Locals
	}
	w.opts.Log.Debug("frame", zap.Int("depth", rec.Depth), zap.String("code", rec.Code.Name), zap.Int("line", rec.Line))

	w.rec = rec
	w.next = f.Back
	w.depth++
	return true
}

func (w *Walker) fail(err error) bool {
	w.err = err
	w.done = true
	w.rec = Record{}
	return false
}

// Record is the frame Next stopped at.
func (w *Walker) Record() Record { return w.rec }

// Err is the error that ended the walk, nil for a complete stack.
func (w *Walker) Err() error { return w.err }

// Collect drains w. On error the frames read so far are discarded.
func Collect(w *Walker) ([]Record, error) {
	var out []Record
	for w.Next() {
		out = append(out, w.Record())
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
