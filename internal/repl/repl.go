// Package repl runs snippets of Python source inside the target.
package repl

import (
	"context"
	"strings"

	"pyprobe/internal/channel"
	"pyprobe/internal/value"
)

// Requester sends one channel request. *channel.Conn implements it.
type Requester interface {
	Do(ctx context.Context, op string, in, out any) error
}

// Executor evaluates source through a channel.
type Executor struct {
	r      Requester
	limits value.Limits
}

// New returns an executor previewing results within limits.
func New(r Requester, limits value.Limits) *Executor {
	return &Executor{r: r, limits: limits}
}

// Execute evaluates text in the target's main module namespace. An exception
// raised by text comes back as *probeerr.EvaluationError; any other error
// means the channel itself failed.
func (e *Executor) Execute(ctx context.Context, text string) (value.Value, error) {
	if strings.TrimSpace(text) == "" {
		return value.None(), nil
	}
	var out channel.EvaluateResponse
	if err := e.r.Do(ctx, channel.OpEvaluate, channel.EvaluateRequest{Source: text, Limits: e.limits}, &out); err != nil {
		return value.Value{}, err
	}
	return out.Value, nil
}
