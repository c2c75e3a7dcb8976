// Package agenttest provides a scripted Interpreter and an in-process
// requester for tests that need a companion without a target.
package agenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"pyprobe/internal/agent"
	"pyprobe/internal/channel"
	"pyprobe/internal/versions"
)

// Frame is a scripted frame.
type Frame struct {
	Code   channel.Code
	Line   int
	Locals []agent.Binding
}

type frame struct {
	Frame
	back     uint64
	codeAddr uint64
}

// Interpreter answers from a scripted stack.
type Interpreter struct {
	// Eval handles Evaluate. Nil evaluates everything to None.
	Eval func(source string) (any, error)

	mu        sync.Mutex
	head      uint64
	frames    map[uint64]*frame
	codeReads int
	layouts   []string
}

const (
	frameBase = 0x7f5500000000
	codeBase  = 0x7f5600000000
)

// New returns an interpreter whose stack is fs, innermost first.
func New(fs ...Frame) *Interpreter {
	in := &Interpreter{frames: map[uint64]*frame{}}
	in.SetStack(fs...)
	return in
}

// FrameAddr is the address the i-th scripted frame (innermost first) lives at.
func FrameAddr(i int) uint64 { return frameBase + uint64(i)*0x100 }

// SetStack replaces the stack. Frames sharing a code name share a code
// object.
func (in *Interpreter) SetStack(fs ...Frame) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.frames = map[uint64]*frame{}
	in.head = 0
	codes := map[string]uint64{}
	for i, f := range fs {
		addr := FrameAddr(i)
		ca, ok := codes[f.Code.Name]
		if !ok {
			ca = codeBase + uint64(len(codes))*0x40
			codes[f.Code.Name] = ca
		}
		var back uint64
		if i+1 < len(fs) {
			back = FrameAddr(i + 1)
		}
		in.frames[addr] = &frame{Frame: f, back: back, codeAddr: ca}
	}
	if len(fs) > 0 {
		in.head = FrameAddr(0)
	}
}

// Link points frame i back at frame j, which can build a cycle.
func (in *Interpreter) Link(i, j int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.frames[FrameAddr(i)].back = FrameAddr(j)
}

// CodeReads counts Code calls that reached the interpreter.
func (in *Interpreter) CodeReads() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.codeReads
}

// Layouts lists the descriptor names requests carried.
func (in *Interpreter) Layouts() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.layouts...)
}

func (in *Interpreter) FrameHead(layout versions.Descriptor) (uint64, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.layouts = append(in.layouts, layout.Name)
	return in.head, nil
}

func (in *Interpreter) Frame(addr uint64, layout versions.Descriptor) (agent.Frame, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.layouts = append(in.layouts, layout.Name)
	f, ok := in.frames[addr]
	if !ok {
		return agent.Frame{}, fmt.Errorf("%w: %#x", agent.ErrNoFrame, addr)
	}
	return agent.Frame{Back: f.back, CodeAddr: f.codeAddr, Line: f.Line}, nil
}

func (in *Interpreter) Code(addr uint64) (channel.Code, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.codeReads++
	for _, f := range in.frames {
		if f.codeAddr == addr {
			return f.Code, nil
		}
	}
	return channel.Code{}, fmt.Errorf("no code object at %#x", addr)
}

func (in *Interpreter) Locals(addr uint64, _ versions.Descriptor) ([]agent.Binding, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	f, ok := in.frames[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", agent.ErrNoFrame, addr)
	}
	return f.Locals, nil
}

func (in *Interpreter) Evaluate(source string) (any, error) {
	if in.Eval == nil {
		return nil, nil
	}
	return in.Eval(source)
}

// Requester sends requests straight to a handler, skipping the socket.
type Requester struct {
	H channel.Handler

	mu  sync.Mutex
	ids uint64
	// Sent lists the ops in the order they were sent.
	Sent []string
}

// Do mirrors channel.Conn.Do.
func (r *Requester) Do(ctx context.Context, op string, in, out any) error {
	payload, err := msgpack.Marshal(in)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.ids++
	req := &channel.Request{ID: r.ids, Op: op, Payload: payload}
	r.Sent = append(r.Sent, op)
	r.mu.Unlock()

	resp := r.H.Serve(ctx, req)
	if resp.ID != req.ID {
		return fmt.Errorf("response #%d to request #%d", resp.ID, req.ID)
	}
	if resp.Status != channel.StatusOK {
		return resp.Diagnostic.Err()
	}
	if out == nil {
		return nil
	}
	return msgpack.Unmarshal(resp.Payload, out)
}

// Ops returns a copy of Sent.
func (r *Requester) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Sent...)
}
