package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoflow/taoflow/client"
)

type fakeTaskGetter struct {
	states []string
	calls  int
	err    error
}

func (f *fakeTaskGetter) GetTradeTask(_ context.Context, taskID string) (*client.TradeTask, error) {
	if f.err != nil {
		return nil, f.err
	}
	state := f.states[f.calls]
	if f.calls < len(f.states)-1 {
		f.calls++
	}
	return &client.TradeTask{TaskID: taskID, State: state}, nil
}

func TestAwaitTask_SettlesImmediately(t *testing.T) {
	cl := &fakeTaskGetter{states: []string{"confirmed"}}

	result, err := awaitTask(context.Background(), cl, "task-1", 10*time.Millisecond)
	require.NoError(t, err)
	task := result.(*client.TradeTask)
	assert.Equal(t, "confirmed", task.State)
}

func TestAwaitTask_PollsUntilTerminal(t *testing.T) {
	cl := &fakeTaskGetter{states: []string{"pending", "scoring", "failed"}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := awaitTask(ctx, cl, "task-1", 10*time.Millisecond)
	require.NoError(t, err)
	task := result.(*client.TradeTask)
	assert.Equal(t, "failed", task.State)
	assert.GreaterOrEqual(t, cl.calls, 2)
}

func TestAwaitTask_Timeout(t *testing.T) {
	cl := &fakeTaskGetter{states: []string{"submitting"}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := awaitTask(ctx, cl, "task-1", 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Contains(t, err.Error(), "submitting")
}

func TestAwaitTask_PollError(t *testing.T) {
	cl := &fakeTaskGetter{err: errors.New("server down")}

	_, err := awaitTask(context.Background(), cl, "task-1", 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server down")
}

func TestOutputWithJQ_InvalidExpression(t *testing.T) {
	err := outputWithJQ(map[string]int{"a": 1}, ".a |")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq expression")
}

func TestOutputWithJQ_ValidExpression(t *testing.T) {
	// Valid filters run without error; output goes to stdout
	err := outputWithJQ(map[string]interface{}{"dividend": 42}, ".dividend")
	require.NoError(t, err)
}
