package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/internal/domain"
)

func TestRunPipesPromptThroughStdin(t *testing.T) {
	c := &Command{Name: "cat", Timeout: 5 * time.Second}
	res, err := c.Run(context.Background(), "hello executor")
	require.NoError(t, err)
	assert.Equal(t, "hello executor", res.Content)
}

func TestRunTimeout(t *testing.T) {
	c := &Command{Name: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond}
	_, err := c.Run(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrExecutorTimeout)
	assert.True(t, domain.Retryable(err))
}

func TestRunMissingCommand(t *testing.T) {
	c := &Command{Name: "flowgate-no-such-binary"}
	_, err := c.Run(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	_, err = (&Command{}).Run(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestRunNonZeroExit(t *testing.T) {
	c := &Command{Name: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}}
	_, err := c.Run(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 3: boom")
	assert.False(t, domain.Retryable(err))
}
