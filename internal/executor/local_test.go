package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcron/orchestrator/internal/model"
)

func TestLocalExecuteSuccess(t *testing.T) {
	l := NewLocal()
	res, err := l.Execute(context.Background(), model.Server{IsLocal: true}, []string{"sh", "-c", "echo hi"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hi")
}

func TestLocalExecuteNonZeroExit(t *testing.T) {
	l := NewLocal()
	res, err := l.Execute(context.Background(), model.Server{IsLocal: true}, []string{"sh", "-c", "exit 7"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
}

func TestLocalExecuteTimeout(t *testing.T) {
	l := NewLocal()
	_, err := l.Execute(context.Background(), model.Server{IsLocal: true}, []string{"sh", "-c", "sleep 2"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}
