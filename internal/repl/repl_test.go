package repl

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyprobe/internal/agent"
	"pyprobe/internal/agent/agenttest"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/value"
)

func executor(t *testing.T, eval func(string) (any, error)) (*Executor, *agenttest.Requester) {
	t.Helper()
	in := agenttest.New()
	in.Eval = eval
	srv, err := agent.NewServer(in)
	require.NoError(t, err)
	r := &agenttest.Requester{H: srv}
	return New(r, value.DefaultLimits), r
}

func TestExecute(t *testing.T) {
	e, _ := executor(t, func(src string) (any, error) {
		switch src {
		case "1+1":
			return 2, nil
		case "x = 1":
			return nil, nil
		}
		return map[string]any{"k": []any{1.5, true}}, nil
	})

	v, err := e.Execute(context.Background(), "1+1")
	require.NoError(t, err)
	assert.Equal(t, value.KindInt, v.Kind)
	assert.Equal(t, "2", v.String())

	v, err = e.Execute(context.Background(), "x = 1")
	require.NoError(t, err)
	assert.Equal(t, "None", v.String())

	v, err = e.Execute(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, "{'k': [1.5, True]}", v.String())
}

func TestExecuteRaises(t *testing.T) {
	e, _ := executor(t, func(string) (any, error) {
		return nil, &probeerr.EvaluationError{Type: "ValueError", Message: "x", Traceback: "Traceback (most recent call last):\n..."}
	})

	_, err := e.Execute(context.Background(), "raise ValueError('x')")
	require.ErrorIs(t, err, probeerr.ErrEvaluation)
	var ee *probeerr.EvaluationError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "ValueError: x", ee.Error())
	assert.NotEmpty(t, ee.Traceback)
	assert.Equal(t, probeerr.PhaseUser, probeerr.PhaseOf(err))
}

func TestExecuteBlankSendsNothing(t *testing.T) {
	e, r := executor(t, nil)
	v, err := e.Execute(context.Background(), "  \n")
	require.NoError(t, err)
	assert.Equal(t, value.KindNone, v.Kind)
	assert.Empty(t, r.Ops())
}
