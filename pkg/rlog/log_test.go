package rlog

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/steprunner/pkg/types"
)

func TestLogger_Info_WritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf, JSONOutput: true})

	l.Info("run started", map[string]any{"instanceId": "abc"})

	assert.Contains(t, buf.String(), "run started")
	assert.Contains(t, buf.String(), "abc")
}

func TestLogger_Child_MergesFieldsAndSharesBus(t *testing.T) {
	var buf bytes.Buffer
	root := New(Config{Output: &buf, JSONOutput: true})
	child := root.Child(map[string]any{"step": "fetch-accounts"})

	var received any
	root.On("progress", func(payload any) { received = payload })
	child.Emit("progress", "halfway")

	require.NoError(t, root.Drain(context.Background()))
	assert.Equal(t, "halfway", received)
}

func TestLogger_Drain_WaitsForHandlers(t *testing.T) {
	l := New(Config{})
	done := make(chan struct{})
	l.On("evt", func(any) {
		time.Sleep(10 * time.Millisecond)
		close(done)
	})
	l.Emit("evt", nil)

	require.NoError(t, l.Drain(context.Background()))
	select {
	case <-done:
	default:
		t.Fatal("handler did not complete before Drain returned")
	}
}

func TestLogger_SatisfiesTypesLogger(t *testing.T) {
	var _ types.Logger = New(Config{})
}
